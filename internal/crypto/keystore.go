package crypto

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/crypto/nacl/box"
)

// ErrKeyStorePurged is returned after Purge has wiped the key store.
var ErrKeyStorePurged = errors.New("key store purged")

// SharedSecret is the precomputed pairwise key for one peer.
type SharedSecret [KeySize]byte

// KeyStore owns a key pair and caches one shared secret per peer. The
// private key lives in locked memory.
type KeyStore struct {
	mu      sync.Mutex
	public  PublicKey
	private *lockedKey // nil after Purge
	secrets map[PublicKey]*SharedSecret
}

// NewKeyStore takes ownership of pair. The private half of pair is zeroed.
func NewKeyStore(pair *KeyPair) *KeyStore {
	return &KeyStore{
		public:  pair.Public,
		private: newLockedKey(&pair.Private),
		secrets: make(map[PublicKey]*SharedSecret),
	}
}

// withPair runs fn with a temporary copy of the key pair. Caller holds
// ks.mu.
func (ks *KeyStore) withPair(fn func(*KeyPair) error) error {
	if ks.private == nil {
		return ErrKeyStorePurged
	}
	pair := &KeyPair{Public: ks.public, Private: ks.private.private()}
	defer pair.Wipe()
	return fn(pair)
}

// LoadOrCreate opens the key file at path, or generates and persists a new
// key pair when none exists. A file that cannot be parsed is moved aside to
// path+".corrupt" and replaced. A wrong passphrase is an error and never
// replaces the file.
func LoadOrCreate(path string, passphrase []byte) (ks *KeyStore, created bool, err error) {
	pair, err := LoadKeyFile(path, passphrase)
	switch {
	case err == nil:
		return NewKeyStore(pair), false, nil
	case errors.Is(err, os.ErrNotExist):
	case errors.Is(err, ErrKeyFileCorrupt):
		slog.Warn("key file unreadable, generating a new key pair", "path", path, "error", err)
		if err := os.Rename(path, path+".corrupt"); err != nil {
			return nil, false, fmt.Errorf("move corrupt key file: %w", err)
		}
	default:
		return nil, false, err
	}

	pair, err = GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyFile(path, pair, passphrase); err != nil {
		pair.Wipe()
		return nil, false, err
	}
	return NewKeyStore(pair), true, nil
}

// PublicKey returns the store's public key.
func (ks *KeyStore) PublicKey() (PublicKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.private == nil {
		return PublicKey{}, ErrKeyStorePurged
	}
	return ks.public, nil
}

// SharedSecret returns the cached secret for peer, deriving it on first use.
func (ks *KeyStore) SharedSecret(peer PublicKey) (*SharedSecret, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.private == nil {
		return nil, ErrKeyStorePurged
	}
	if s, ok := ks.secrets[peer]; ok {
		return s, nil
	}
	if err := checkPoint(peer); err != nil {
		return nil, err
	}

	var key [KeySize]byte
	pub := [KeySize]byte(peer)
	priv := [KeySize]byte(ks.private.private())
	box.Precompute(&key, &pub, &priv)
	zeroKey(&priv)

	s := SharedSecret(key)
	zeroKey(&key)
	ks.secrets[peer] = &s
	return &s, nil
}

// Mnemonic returns the recovery phrase for the private key.
func (ks *KeyStore) Mnemonic() (string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	var mnemonic string
	err := ks.withPair(func(pair *KeyPair) error {
		var err error
		mnemonic, err = ExportMnemonic(pair)
		return err
	})
	return mnemonic, err
}

// Save writes the key pair to path under passphrase.
func (ks *KeyStore) Save(path string, passphrase []byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	return ks.withPair(func(pair *KeyPair) error {
		return SaveKeyFile(path, pair, passphrase)
	})
}

// Purge wipes the private key and every cached secret. The store is
// unusable afterwards.
func (ks *KeyStore) Purge() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for peer, s := range ks.secrets {
		zeroKey((*[KeySize]byte)(s))
		delete(ks.secrets, peer)
	}
	if ks.private != nil {
		ks.private.destroy()
		ks.private = nil
	}
}
