package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestNewRoomCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := NewRoomCode()
		if err != nil {
			t.Fatalf("NewRoomCode: %v", err)
		}
		if len(code) != RoomCodeLength {
			t.Fatalf("got length %d, want %d", len(code), RoomCodeLength)
		}
		for _, c := range code {
			if !strings.ContainsRune(roomCodeAlphabet, c) {
				t.Fatalf("code %q contains %q outside the alphabet", code, c)
			}
		}
		if _, err := NormalizeRoomCode(code); err != nil {
			t.Fatalf("generated code %q does not normalize: %v", code, err)
		}
		seen[code] = true
	}
	if len(seen) < 190 {
		t.Errorf("only %d distinct codes in 200 draws", len(seen))
	}
}

func TestNormalizeRoomCode(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"ABC123", "ABC123", false},
		{"abc123", "ABC123", false},
		{"  k7pq2z ", "K7PQ2Z", false},
		{"AB", "", true},
		{"ABC-123", "", true},
		{"", "", true},
		{strings.Repeat("A", 17), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeRoomCode(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRoomCode) {
					t.Errorf("got %v, want ErrInvalidRoomCode", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeRoomCode: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
