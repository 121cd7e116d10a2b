package crypto

import (
	"fmt"
	"strings"

	"github.com/cosmos/go-bip39"
)

// ExportMnemonic encodes the private key as a 24-word recovery phrase.
func ExportMnemonic(pair *KeyPair) (string, error) {
	mnemonic, err := bip39.NewMnemonic(pair.Private[:])
	if err != nil {
		return "", fmt.Errorf("generating mnemonic: %w", err)
	}
	return mnemonic, nil
}

// KeyPairFromMnemonic restores a key pair from a recovery phrase.
func KeyPairFromMnemonic(mnemonic string) (*KeyPair, error) {
	mnemonic = NormalizeMnemonic(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic phrase")
	}

	// For 24 words this is 32 bytes of entropy plus one checksum byte
	data, err := bip39.MnemonicToByteArray(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("decoding mnemonic: %w", err)
	}
	defer ZeroBytes(data)

	if len(data) != KeySize+1 {
		return nil, fmt.Errorf("recovery phrase must have 24 words, got %d", len(strings.Fields(mnemonic)))
	}
	return KeyPairFromPrivate(data[:KeySize])
}

// NormalizeMnemonic collapses whitespace and lowercases the words.
func NormalizeMnemonic(mnemonic string) string {
	return strings.ToLower(strings.Join(strings.Fields(mnemonic), " "))
}
