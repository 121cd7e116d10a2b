package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// ErrAuthenticationFailed is returned when a ciphertext fails verification.
// Tampering, a wrong key and truncation all map to this error.
var ErrAuthenticationFailed = errors.New("authentication failed: ciphertext rejected")

// Overhead is the Poly1305 tag size added to every plaintext
const Overhead = box.Overhead

// Sealed is one authenticated ciphertext and the nonce it was sealed under
type Sealed struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// Encode seals plaintext under secret with a fresh random nonce.
func Encode(plaintext []byte, secret *SharedSecret) (Sealed, error) {
	var s Sealed
	if secret == nil {
		return s, errors.New("nil shared secret")
	}

	// Every call draws a new nonce. Never derive or cache nonces.
	if _, err := io.ReadFull(rand.Reader, s.Nonce[:]); err != nil {
		return s, fmt.Errorf("generate nonce: %w", err)
	}

	key := [KeySize]byte(*secret)
	s.Ciphertext = box.SealAfterPrecomputation(nil, plaintext, &s.Nonce, &key)
	zeroKey(&key)
	return s, nil
}

// Decode verifies and opens a sealed message.
func Decode(s Sealed, secret *SharedSecret) ([]byte, error) {
	if secret == nil {
		return nil, errors.New("nil shared secret")
	}
	if len(s.Ciphertext) < Overhead {
		return nil, ErrAuthenticationFailed
	}

	key := [KeySize]byte(*secret)
	defer zeroKey(&key)

	plaintext, ok := box.OpenAfterPrecomputation(nil, s.Ciphertext, &s.Nonce, &key)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Wire returns base64(nonce || ciphertext).
func (s Sealed) Wire() string {
	buf := make([]byte, 0, NonceSize+len(s.Ciphertext))
	buf = append(buf, s.Nonce[:]...)
	buf = append(buf, s.Ciphertext...)
	return base64.StdEncoding.EncodeToString(buf)
}

// ParseWire splits a wire message into nonce and ciphertext.
// Input too short to hold a nonce and tag is rejected as unauthenticated.
func ParseWire(msg string) (Sealed, error) {
	var s Sealed

	raw, err := base64.StdEncoding.DecodeString(msg)
	if err != nil {
		return s, fmt.Errorf("%w: malformed base64", ErrAuthenticationFailed)
	}
	if len(raw) < NonceSize+Overhead {
		return s, fmt.Errorf("%w: truncated message", ErrAuthenticationFailed)
	}

	copy(s.Nonce[:], raw[:NonceSize])
	s.Ciphertext = raw[NonceSize:]
	return s, nil
}

// Seal encodes plaintext and returns the wire form.
func Seal(plaintext []byte, secret *SharedSecret) (string, error) {
	s, err := Encode(plaintext, secret)
	if err != nil {
		return "", err
	}
	return s.Wire(), nil
}

// Open parses a wire message and decodes it.
func Open(msg string, secret *SharedSecret) ([]byte, error) {
	s, err := ParseWire(msg)
	if err != nil {
		return nil, err
	}
	return Decode(s, secret)
}
