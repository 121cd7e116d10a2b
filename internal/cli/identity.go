package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"sealroom.dev/go/sealroom/internal/config"
	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/tui"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage your key pair",
	Long: `Manage the Curve25519 key pair that peers seal messages to.

Commands:
  show     Print the public key and fingerprint
  export   Print the 24-word recovery phrase
  restore  Rebuild the key file from a recovery phrase`,
}

var (
	showQR       bool
	restoreWords string
	restoreForce bool
)

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityExportCmd)
	identityCmd.AddCommand(identityRestoreCmd)

	identityShowCmd.Flags().BoolVar(&showQR, "qr", false, "also print the public key as a QR code")
	identityRestoreCmd.Flags().StringVar(&restoreWords, "words", "", "recovery words (space-separated)")
	identityRestoreCmd.Flags().BoolVar(&restoreForce, "force", false, "replace an existing key file without asking")
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public key and fingerprint",
	Long: `Print your public key and its fingerprint. Compare fingerprints with a
peer over another channel to make sure the relay did not swap keys.

Does not need the passphrase.

Examples:
  sealroom identity show
  sealroom identity show --qr`,
	Args: cobra.NoArgs,
	RunE: runIdentityShow,
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if !paths.IdentityExists() {
		fmt.Println("No key file found.")
		fmt.Println()
		fmt.Println("To create one, run: sealroom register <username>")
		return nil
	}

	pk, err := crypto.ReadPublicKey(paths.IdentityFile)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}

	if sess, err := config.LoadSession(paths.SessionFile); err == nil {
		fmt.Printf("Username:    %s\n", sess.Username)
		fmt.Printf("Relay:       %s\n", sess.ServerURL)
	}
	fmt.Printf("Public key:  %s\n", pk)
	fmt.Printf("Fingerprint: %s\n", pk.Fingerprint())
	fmt.Printf("Key file:    %s\n", paths.IdentityFile)

	if showQR {
		qr, err := generateQRCode(pk.String())
		if err != nil {
			return fmt.Errorf("generate QR code: %w", err)
		}
		fmt.Println()
		fmt.Print(qr)
	}
	return nil
}

func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

var identityExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the recovery phrase",
	Long: `Print the 24-word recovery phrase of your private key.

Anyone holding these words can read every message sealed to you.
Write them down and keep them offline.`,
	Args: cobra.NoArgs,
	RunE: runIdentityExport,
}

func runIdentityExport(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if !paths.IdentityExists() {
		return fmt.Errorf("no key file at %s", paths.IdentityFile)
	}

	passphrase, err := readPassword("Key passphrase: ")
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}
	defer crypto.ZeroBytes(passphrase)

	pair, err := crypto.LoadKeyFile(paths.IdentityFile, passphrase)
	if err != nil {
		return fmt.Errorf("unlock key file: %w", err)
	}
	defer pair.Wipe()

	mnemonic, err := crypto.ExportMnemonic(pair)
	if err != nil {
		return err
	}

	fmt.Print(formatRecoverySheet(pair.Public, strings.Fields(mnemonic)))
	return nil
}

func formatRecoverySheet(pk crypto.PublicKey, words []string) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString("SEALROOM RECOVERY PHRASE\n")
	fmt.Fprintf(&sb, "Fingerprint: %s\n\n", pk.Fingerprint())

	// 4 columns, 6 rows, numbered down each column
	rows := (len(words) + 3) / 4
	for row := 0; row < rows; row++ {
		sb.WriteString("  ")
		for col := 0; col < 4; col++ {
			idx := row + col*rows
			if idx < len(words) {
				fmt.Fprintf(&sb, "%2d. %-10s", idx+1, words[idx])
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nAnyone with these words can decrypt your messages.\n")
	return sb.String()
}

var identityRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Rebuild the key file from a recovery phrase",
	Long: `Rebuild the key file from the 24 recovery words and encrypt it under a
new passphrase. Log in afterwards so the relay holds the restored key.

Examples:
  sealroom identity restore
  sealroom identity restore --words "abandon ability able ..."`,
	Args: cobra.NoArgs,
	RunE: runIdentityRestore,
}

func runIdentityRestore(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if paths.IdentityExists() && !restoreForce {
		ok, err := tui.Confirm(fmt.Sprintf("Replace the key file at %s?", paths.IdentityFile), false)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("restore cancelled")
		}
	}

	mnemonic := restoreWords
	if mnemonic == "" {
		fmt.Println("Enter recovery words (24 words, space-separated):")
		if mnemonic, err = tui.ReadLine("> "); err != nil {
			return fmt.Errorf("read recovery words: %w", err)
		}
	}

	pair, err := crypto.KeyPairFromMnemonic(mnemonic)
	if err != nil {
		return fmt.Errorf("invalid recovery words: %w", err)
	}
	defer pair.Wipe()

	fmt.Printf("Recovered key with fingerprint %s\n", pair.Public.Fingerprint())
	fmt.Println("Set a passphrase to encrypt the restored key.")
	passphrase, err := readPasswordConfirm("Key passphrase: ", "Confirm passphrase: ")
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(passphrase)

	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	if err := crypto.SaveKeyFile(paths.IdentityFile, pair, passphrase); err != nil {
		return fmt.Errorf("save key file: %w", err)
	}

	fmt.Printf("Key file written to %s\n", paths.IdentityFile)
	fmt.Println("Run 'sealroom login <username>' to publish it.")
	return nil
}
