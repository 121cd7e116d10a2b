package tui

import (
	"os"

	"golang.org/x/term"
)

// Interactive reports whether both stdin and stdout are attached to a
// terminal, which the full-screen chat view needs.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
