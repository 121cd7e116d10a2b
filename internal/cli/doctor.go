package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sealroom.dev/go/sealroom/internal/client"
	"sealroom.dev/go/sealroom/internal/config"
	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/keychain"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check sealroom health",
	Long: `Run health checks on your sealroom setup.

Checks the config file, key file, saved session, relay reachability and
the system keychain.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("sealroom v%s\n\n", version)

	paths, err := config.GetPaths()
	if err != nil {
		fmt.Printf("❌ Failed to get paths: %v\n", err)
		return nil
	}

	fmt.Println("Config")
	if _, err := os.Stat(paths.ConfigFile); err == nil {
		fmt.Printf("  ✓ %s\n", paths.ConfigFile)
	} else {
		fmt.Printf("  ⚠ No config file, using defaults (%s)\n", paths.ConfigFile)
	}
	fmt.Println()

	fmt.Println("Identity")
	if paths.IdentityExists() {
		pk, err := crypto.ReadPublicKey(paths.IdentityFile)
		if err != nil {
			fmt.Printf("  ❌ Key file unreadable: %v\n", err)
		} else {
			fmt.Println("  ✓ Key file exists")
			fmt.Printf("  ✓ Fingerprint: %s\n", pk.Fingerprint())
		}
	} else {
		fmt.Println("  ❌ No key file found")
		fmt.Println("     Run 'sealroom register <username>' to create one")
	}
	if _, err := os.Stat(paths.IdentityFile + ".corrupt"); err == nil {
		fmt.Printf("  ⚠ A corrupt key file was set aside at %s.corrupt\n", paths.IdentityFile)
	}
	fmt.Println()

	fmt.Println("Session")
	sess, err := config.LoadSession(paths.SessionFile)
	switch {
	case errors.Is(err, config.ErrNoSession):
		fmt.Println("  ⚠ Not logged in")
		fmt.Println("    Run 'sealroom login <username>'")
	case err != nil:
		fmt.Printf("  ❌ Session file unreadable: %v\n", err)
	default:
		fmt.Printf("  ✓ Logged in as %s\n", sess.Username)
		fmt.Printf("  ✓ Relay: %s\n", sess.ServerURL)
		fmt.Printf("  ✓ Token issued %s ago\n", time.Since(sess.IssuedAt).Round(time.Minute))
	}
	fmt.Println()

	fmt.Println("Relay")
	relayURL := serverURL("", sess)
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := client.NewAPI(relayURL).Health(ctx); err != nil {
		fmt.Printf("  ❌ %s unreachable: %v\n", relayURL, err)
	} else {
		fmt.Printf("  ✓ %s is up\n", relayURL)
	}
	fmt.Println()

	fmt.Println("Keychain")
	if !keychain.IsAvailable() {
		fmt.Println("  ⚠ System keychain not available; the key passphrase will be prompted")
	} else if sess != nil {
		if _, err := keychain.Get(sess.Username); err == nil {
			fmt.Println("  ✓ Key passphrase stored")
		} else {
			fmt.Println("  ⚠ Key passphrase not stored (use --save-passphrase on login)")
		}
	} else {
		fmt.Println("  ✓ Available")
	}

	return nil
}
