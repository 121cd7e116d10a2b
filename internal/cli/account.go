package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sealroom.dev/go/sealroom/internal/auth"
	"sealroom.dev/go/sealroom/internal/client"
	"sealroom.dev/go/sealroom/internal/config"
	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/keychain"
	"sealroom.dev/go/sealroom/internal/store"
)

var (
	accountServer  string
	savePassphrase bool
	forgetKeychain bool
	replaceKey     bool
)

// errKeyMismatch is returned by login when the relay holds a key this
// device did not just create.
var errKeyMismatch = errors.New("the relay holds a different public key for this account")

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	for _, c := range []*cobra.Command{registerCmd, loginCmd} {
		c.Flags().StringVarP(&accountServer, "server", "s", "", "relay URL (default from config)")
		c.Flags().BoolVar(&savePassphrase, "save-passphrase", false, "store the key passphrase in the system keychain")
	}
	loginCmd.Flags().BoolVar(&replaceKey, "replace-key", false, "publish the local key even if the relay holds a different one")
	logoutCmd.Flags().BoolVar(&forgetKeychain, "forget-passphrase", false, "also remove the key passphrase from the system keychain")
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account on a relay",
	Long: `Create an account on a relay and log in.

A Curve25519 key pair is generated on first use and saved encrypted under
a passphrase. Only the public key is sent to the relay.

Examples:
  sealroom register alice
  sealroom register alice --server https://relay.example.com --save-passphrase`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	username := args[0]
	if err := auth.ValidUsername(username); err != nil {
		return err
	}

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	password, err := readPasswordConfirm("Password: ", "Confirm password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	defer crypto.ZeroBytes(password)

	ks, created, passphrase, err := openKeys(paths, username)
	if err != nil {
		return err
	}
	defer ks.Purge()
	defer crypto.ZeroBytes(passphrase)
	if created {
		fmt.Printf("Generated a new key pair in %s\n", paths.IdentityFile)
	}

	pk, err := ks.PublicKey()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	base, err := accountServerURL(ctx)
	if err != nil {
		return err
	}
	api := client.NewAPI(base)
	if err := api.Register(ctx, username, string(password), pk.String()); err != nil {
		if errors.Is(err, store.ErrDuplicateIdentity) {
			return fmt.Errorf("username %q is already taken", username)
		}
		return fmt.Errorf("register: %w", err)
	}
	fmt.Printf("Registered %s on %s\n", username, api.BaseURL())

	rememberPassphrase(username, passphrase, savePassphrase)
	return login(ctx, api, paths, username, password, ks, false)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in to a relay",
	Long: `Log in to a relay and save the session token.

If the local key file is missing a new key pair is generated and its public
key replaces the one held by the relay. Messages sealed to the old key can
no longer be read.

If the local key exists but differs from the relay's copy, another device is
probably using the account. Login stops unless --replace-key is given; to
share the key instead, run 'sealroom identity restore' with the recovery
phrase of the other device.

Examples:
  sealroom login alice
  sealroom login alice --server http://192.168.1.20:8080
  sealroom login alice --replace-key`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	username := args[0]

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	password, err := readPassword("Password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	defer crypto.ZeroBytes(password)

	ks, created, passphrase, err := openKeys(paths, username)
	if err != nil {
		return err
	}
	defer ks.Purge()
	defer crypto.ZeroBytes(passphrase)

	base, err := accountServerURL(cmd.Context())
	if err != nil {
		return err
	}

	rememberPassphrase(username, passphrase, savePassphrase)
	return login(cmd.Context(), client.NewAPI(base), paths, username, password, ks, created || replaceKey)
}

// login authenticates and saves the session. The local key is published
// when the relay holds a different one only if overwrite is set.
func login(ctx context.Context, api *client.API, paths *config.Paths, username string, password []byte, ks *crypto.KeyStore, overwrite bool) error {
	resp, err := api.Login(ctx, username, string(password))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return errors.New("invalid username or password")
		}
		return fmt.Errorf("login: %w", err)
	}

	pk, err := ks.PublicKey()
	if err != nil {
		return err
	}
	if resp.PublicKey != pk.String() {
		if !overwrite {
			remote := resp.PublicKey
			if rk, err := crypto.DecodePublicKey(resp.PublicKey); err == nil {
				remote = rk.Fingerprint()
			}
			return fmt.Errorf("%w (relay %s, local %s); restore the other device's key with 'sealroom identity restore' or pass --replace-key",
				errKeyMismatch, remote, pk.Fingerprint())
		}
		if err := api.RotateKey(ctx, resp.Token, pk.String()); err != nil {
			return fmt.Errorf("publish public key: %w", err)
		}
		fmt.Println("Published the local public key to the relay.")
		fmt.Println("Messages sealed to the previous key cannot be decrypted.")
	}

	sess := &config.Session{
		ServerURL: api.BaseURL(),
		Username:  resp.Username,
		Token:     resp.Token,
		IssuedAt:  time.Now().UTC(),
	}
	if err := sess.SaveTo(paths.SessionFile); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	fmt.Printf("Logged in as %s\n", resp.Username)
	fmt.Printf("Fingerprint: %s\n", pk.Fingerprint())
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session",
	Long: `Remove the saved session token and the cached room directories.

The key file is kept so that logging in again restores access to history.`,
	Args: cobra.NoArgs,
	RunE: runLogout,
}

func runLogout(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	sess, err := config.LoadSession(paths.SessionFile)
	if errors.Is(err, config.ErrNoSession) {
		fmt.Println("Not logged in.")
		return nil
	}
	if err != nil {
		return err
	}

	if err := config.RemoveSession(paths.SessionFile); err != nil {
		return err
	}
	if err := client.NewDirectoryCache(paths.DirectoryDir).Forget(); err != nil {
		return fmt.Errorf("clear directory cache: %w", err)
	}
	if forgetKeychain {
		if err := keychain.Delete(sess.Username); err != nil {
			return fmt.Errorf("remove passphrase from keychain: %w", err)
		}
	}

	fmt.Printf("Logged out %s\n", sess.Username)
	return nil
}
