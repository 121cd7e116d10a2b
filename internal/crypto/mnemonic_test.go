package crypto

import (
	"strings"
	"testing"
)

func TestMnemonicRoundTrip(t *testing.T) {
	pair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	mnemonic, err := ExportMnemonic(pair)
	if err != nil {
		t.Fatalf("ExportMnemonic: %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("got %d words, want 24", len(words))
	}

	// Extra whitespace and capitals are tolerated on input
	messy := "  " + strings.ToUpper(strings.ReplaceAll(mnemonic, " ", "   ")) + "\n"
	restored, err := KeyPairFromMnemonic(messy)
	if err != nil {
		t.Fatalf("KeyPairFromMnemonic: %v", err)
	}
	if restored.Public != pair.Public || restored.Private != pair.Private {
		t.Errorf("restored key pair differs")
	}
}

func TestKeyPairFromMnemonicRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"invalid word", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon invalidword"},
		{"twelve words", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := KeyPairFromMnemonic(tt.input); err == nil {
				t.Errorf("expected error for %q", tt.input)
			}
		})
	}
}
