package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrWrongPassphrase is returned when the key file does not open.
	ErrWrongPassphrase = errors.New("invalid passphrase or corrupted key file")

	// ErrKeyFileCorrupt is returned when the key file cannot be parsed at all.
	ErrKeyFileCorrupt = errors.New("key file is malformed")
)

const keyFileVersion = 1

// kdfParams are the Argon2id settings recorded in each key file.
type kdfParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// defaultKDF is tuned for an interactive unlock. Tests lower it.
var defaultKDF = kdfParams{Time: 3, Memory: 64 * 1024, Threads: 4}

// keyFile is the on-disk format of identity.key
type keyFile struct {
	Version    uint8     `json:"version"`
	PublicKey  string    `json:"public_key"`
	KDF        kdfParams `json:"kdf"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

func deriveFileKey(passphrase, salt []byte, p kdfParams) *[KeySize]byte {
	var key [KeySize]byte
	derived := argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, KeySize)
	copy(key[:], derived)
	ZeroBytes(derived)
	return &key
}

// SaveKeyFile encrypts the private key under passphrase and writes it
// atomically to path.
func SaveKeyFile(path string, pair *KeyPair, passphrase []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	key := deriveFileKey(passphrase, salt, defaultKDF)
	defer zeroKey(key)

	file := keyFile{
		Version:    keyFileVersion,
		PublicKey:  pair.Public.String(),
		KDF:        defaultKDF,
		Salt:       salt,
		Nonce:      nonce[:],
		Ciphertext: secretbox.Seal(nil, pair.Private[:], &nonce, key),
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads and decrypts a key file. A missing file yields an error
// matching os.ErrNotExist.
func LoadKeyFile(path string, passphrase []byte) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileCorrupt, err)
	}
	if file.Version != keyFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrKeyFileCorrupt, file.Version)
	}
	if len(file.Nonce) != NonceSize || len(file.Salt) == 0 {
		return nil, fmt.Errorf("%w: bad nonce or salt", ErrKeyFileCorrupt)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], file.Nonce)

	key := deriveFileKey(passphrase, file.Salt, file.KDF)
	defer zeroKey(key)

	priv, ok := secretbox.Open(nil, file.Ciphertext, &nonce, key)
	if !ok {
		return nil, ErrWrongPassphrase
	}
	defer ZeroBytes(priv)

	pair, err := KeyPairFromPrivate(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileCorrupt, err)
	}
	if file.PublicKey != "" && file.PublicKey != pair.Public.String() {
		pair.Wipe()
		return nil, fmt.Errorf("%w: public key mismatch", ErrKeyFileCorrupt)
	}
	return pair, nil
}

// KeyFileExists reports whether a key file is present at path.
func KeyFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadPublicKey returns the public key recorded in a key file without
// unlocking it.
func ReadPublicKey(path string) (PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PublicKey{}, fmt.Errorf("read key file: %w", err)
	}

	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrKeyFileCorrupt, err)
	}
	if file.PublicKey == "" {
		return PublicKey{}, fmt.Errorf("%w: no public key recorded", ErrKeyFileCorrupt)
	}
	return DecodePublicKey(file.PublicKey)
}
