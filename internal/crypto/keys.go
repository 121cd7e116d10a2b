package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the size of Curve25519 public and private keys
	KeySize = 32

	// NonceSize is the XSalsa20-Poly1305 nonce size
	NonceSize = 24
)

// ErrInvalidKey is returned for public keys of the wrong length or low order.
var ErrInvalidKey = errors.New("invalid public key")

// PublicKey is a Curve25519 public key
type PublicKey [KeySize]byte

// PrivateKey is a Curve25519 private key
type PrivateKey [KeySize]byte

// KeyPair is a participant's long-term key pair
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// GenerateKeyPair creates a fresh key pair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	kp := &KeyPair{Public: *pub, Private: *priv}
	ZeroBytes(priv[:])
	return kp, nil
}

// KeyPairFromPrivate rebuilds a key pair from raw private key bytes.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(priv))
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{}
	copy(kp.Private[:], priv)
	copy(kp.Public[:], pub)
	return kp, nil
}

// Wipe zeroes the private half of the key pair.
func (kp *KeyPair) Wipe() {
	ZeroBytes(kp.Private[:])
}

// ParsePublicKey validates raw public key bytes.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != KeySize {
		return pk, fmt.Errorf("%w: length %d, want %d", ErrInvalidKey, len(b), KeySize)
	}
	copy(pk[:], b)

	if err := checkPoint(pk); err != nil {
		return PublicKey{}, err
	}
	return pk, nil
}

// DecodePublicKey parses a base64-encoded public key.
func DecodePublicKey(s string) (PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return ParsePublicKey(raw)
}

// String returns the base64 form used on the wire.
func (pk PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(pk[:])
}

// Fingerprint returns a short hex fingerprint for out-of-band verification.
func (pk PublicKey) Fingerprint() string {
	hash := sha256.Sum256(pk[:])
	return fmt.Sprintf("%x", hash[:8])
}

// lowOrderProbe is any scalar; clamping makes the product with a
// small-order point the identity, which X25519 reports as an error.
var lowOrderProbe = [KeySize]byte{1}

func checkPoint(pk PublicKey) error {
	if _, err := curve25519.X25519(lowOrderProbe[:], pk[:]); err != nil {
		return fmt.Errorf("%w: low-order point", ErrInvalidKey)
	}
	return nil
}
