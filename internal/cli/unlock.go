package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sealroom.dev/go/sealroom/internal/auth"
	"sealroom.dev/go/sealroom/internal/client"
	"sealroom.dev/go/sealroom/internal/config"
	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/keychain"
	"sealroom.dev/go/sealroom/internal/tui"
)

// Prompt hooks, replaced in tests.
var (
	readPassword        = tui.ReadPassword
	readPasswordConfirm = tui.ReadPasswordConfirm
)

const unlockAttempts = 3

// serverURL picks the relay address: flag, then session, then config.
func serverURL(flag string, sess *config.Session) string {
	switch {
	case flag != "":
		return strings.TrimRight(flag, "/")
	case sess != nil && sess.ServerURL != "":
		return sess.ServerURL
	default:
		return strings.TrimRight(cfg.Client.ServerURL, "/")
	}
}

// keyPassphrase returns the key-file passphrase for identity. The keychain
// is tried first. A new key file asks for the passphrase twice.
func keyPassphrase(identity string, creating bool) ([]byte, error) {
	if pass, err := keychain.Get(identity); err == nil {
		return []byte(pass), nil
	} else if !errors.Is(err, keychain.ErrNotFound) {
		slog.Debug("keychain unavailable", "error", err)
	}

	if creating {
		return readPasswordConfirm("Key passphrase: ", "Confirm passphrase: ")
	}
	return readPassword("Key passphrase: ")
}

// openKeys loads or creates the identity key file. A wrong passphrase is
// retried a few times when it came from a prompt.
func openKeys(paths *config.Paths, identity string) (ks *crypto.KeyStore, created bool, passphrase []byte, err error) {
	creating := !crypto.KeyFileExists(paths.IdentityFile)

	for attempt := 1; attempt <= unlockAttempts; attempt++ {
		passphrase, err = keyPassphrase(identity, creating)
		if err != nil {
			return nil, false, nil, fmt.Errorf("read passphrase: %w", err)
		}

		ks, created, err = crypto.LoadOrCreate(paths.IdentityFile, passphrase)
		if err == nil {
			return ks, created, passphrase, nil
		}
		crypto.ZeroBytes(passphrase)
		if !errors.Is(err, crypto.ErrWrongPassphrase) {
			return nil, false, nil, err
		}
		if _, kerr := keychain.Get(identity); kerr == nil {
			return nil, false, nil, fmt.Errorf("passphrase stored in keychain does not open %s: %w", paths.IdentityFile, err)
		}
		if attempt < unlockAttempts {
			fmt.Println("Invalid passphrase. Try again.")
		}
	}
	return nil, false, nil, fmt.Errorf("unlock key file after %d attempts: %w", unlockAttempts, err)
}

// rememberPassphrase stores passphrase in the keychain when asked to.
func rememberPassphrase(identity string, passphrase []byte, save bool) {
	if !save {
		return
	}
	if !keychain.IsAvailable() {
		fmt.Println("System keychain is not available; passphrase not saved.")
		return
	}
	if err := keychain.Store(identity, string(passphrase)); err != nil {
		fmt.Printf("Could not save passphrase to keychain: %v\n", err)
		return
	}
	fmt.Println("Passphrase saved to system keychain.")
}

// requireSession loads the saved login.
func requireSession(paths *config.Paths) (*config.Session, error) {
	sess, err := config.LoadSession(paths.SessionFile)
	if errors.Is(err, config.ErrNoSession) {
		return nil, errors.New("not logged in. Run 'sealroom login' first")
	}
	return sess, err
}

// openSession unlocks the key file and connects to the relay as the saved
// identity.
func openSession(ctx context.Context, paths *config.Paths, sess *config.Session) (*client.Session, error) {
	ks, _, passphrase, err := openKeys(paths, sess.Username)
	if err != nil {
		return nil, err
	}
	crypto.ZeroBytes(passphrase)

	conn, err := client.Dial(ctx, sess.ServerURL, sess.Token)
	if err != nil {
		ks.Purge()
		if errors.Is(err, auth.ErrAuth) {
			return nil, fmt.Errorf("session expired. Run 'sealroom login' again: %w", err)
		}
		return nil, fmt.Errorf("connect to %s: %w", sess.ServerURL, err)
	}

	dir := client.NewDirectoryCache(paths.DirectoryDir)
	return client.NewSession(sess.Username, ks, dir, conn, logger.With("component", "session")), nil
}
