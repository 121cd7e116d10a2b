package tui

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func withInput(t *testing.T, in string) {
	t.Helper()
	oldInput, oldOutput := input, output
	input = strings.NewReader(in)
	output = io.Discard
	stdinOnce = sync.Once{}
	t.Cleanup(func() {
		input, output = oldInput, oldOutput
		stdinOnce = sync.Once{}
	})
}

func TestReadPasswordConfirm(t *testing.T) {
	withInput(t, "s3cret\ns3cret\n")
	got, err := ReadPasswordConfirm("Passphrase: ", "Confirm: ")
	if err != nil {
		t.Fatalf("ReadPasswordConfirm: %v", err)
	}
	if string(got) != "s3cret" {
		t.Errorf("got %q, want %q", got, "s3cret")
	}

	withInput(t, "one\ntwo\n")
	if _, err := ReadPasswordConfirm("Passphrase: ", "Confirm: "); !errors.Is(err, ErrPassphraseMismatch) {
		t.Errorf("got %v, want ErrPassphraseMismatch", err)
	}
}

func TestReadPasswordWithoutTrailingNewline(t *testing.T) {
	withInput(t, "last-line\r\n")
	got, err := ReadPassword("Passphrase: ")
	if err != nil || string(got) != "last-line" {
		t.Errorf("got %q, %v, want last-line", got, err)
	}

	withInput(t, "no-newline")
	got, err = ReadPassword("Passphrase: ")
	if err != nil || string(got) != "no-newline" {
		t.Errorf("got %q, %v, want no-newline", got, err)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		in         string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"maybe\n", false, false},
	}

	for _, tt := range tests {
		withInput(t, tt.in)
		got, err := Confirm("Continue?", tt.defaultYes)
		if err != nil {
			t.Fatalf("Confirm(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.in, tt.defaultYes, got, tt.want)
		}
	}
}

func TestSelect(t *testing.T) {
	options := []string{"relay-a", "relay-b", "relay-c"}

	withInput(t, "\n")
	if got, err := Select("Pick", options); err != nil || got != 0 {
		t.Errorf("default: got %d, %v, want 0", got, err)
	}

	withInput(t, "3\n")
	if got, err := Select("Pick", options); err != nil || got != 2 {
		t.Errorf("got %d, %v, want 2", got, err)
	}

	withInput(t, "4\n")
	if _, err := Select("Pick", options); err == nil {
		t.Error("out of range selection should fail")
	}

	if _, err := Select("Pick", nil); err == nil {
		t.Error("empty options should fail")
	}
}

func TestReadLineDefault(t *testing.T) {
	withInput(t, "\nbob\n")
	if got, _ := ReadLineDefault("Username: ", "alice"); got != "alice" {
		t.Errorf("got %q, want alice", got)
	}
	if got, _ := ReadLineDefault("Username: ", "alice"); got != "bob" {
		t.Errorf("got %q, want bob", got)
	}
}
