// Package keychain keeps the key-file passphrase in the system keychain
// (macOS Keychain, Linux Secret Service, Windows Credential Manager) so
// the chat client can unlock its identity without prompting.
package keychain

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keychain service identifier
const ServiceName = "sealroom"

var (
	// ErrNotFound is returned when no passphrase is stored for an identity
	ErrNotFound = errors.New("passphrase not found in keychain")
)

// account scopes entries per identity so several identities can share a
// machine.
func account(identity string) string {
	return "key-passphrase:" + identity
}

// Store saves the passphrase of identity's key file.
func Store(identity, passphrase string) error {
	return keyring.Set(ServiceName, account(identity), passphrase)
}

// Get retrieves the passphrase of identity's key file.
// Returns ErrNotFound if none is stored.
func Get(identity string) (string, error) {
	pass, err := keyring.Get(ServiceName, account(identity))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return pass, nil
}

// Delete removes identity's passphrase. A missing entry is not an error.
func Delete(identity string) error {
	err := keyring.Delete(ServiceName, account(identity))
	if err != nil && errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// IsAvailable checks if the system keychain is available.
// This can fail on headless Linux systems without a secret service.
func IsAvailable() bool {
	// Try to get a non-existent key - if we get ErrNotFound, keychain works
	_, err := keyring.Get(ServiceName, "test-availability")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}
