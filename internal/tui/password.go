package tui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrPassphraseMismatch is returned when the confirmation differs.
var ErrPassphraseMismatch = errors.New("passphrases do not match")

// Prompts write to stderr so stdout stays clean for piped output.
var (
	output io.Writer = os.Stderr

	stdinOnce   sync.Once
	stdinReader *bufio.Reader
	input       io.Reader = os.Stdin
)

// reader returns the shared line reader for non-terminal input. Creating a
// new bufio.Reader per prompt would swallow buffered lines meant for the
// next prompt.
func reader() *bufio.Reader {
	stdinOnce.Do(func() {
		stdinReader = bufio.NewReader(input)
	})
	return stdinReader
}

func readLine() (string, error) {
	line, err := reader().ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// ReadPassword reads a secret from the terminal without echoing. When stdin
// is not a terminal the next line is read verbatim.
func ReadPassword(prompt string) ([]byte, error) {
	fmt.Fprint(output, prompt)

	fd := int(os.Stdin.Fd())
	if input != os.Stdin || !term.IsTerminal(fd) {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		return []byte(line), nil
	}

	password, err := term.ReadPassword(fd)
	fmt.Fprintln(output)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return password, nil
}

// ReadPasswordConfirm reads a secret twice and checks both entries match.
func ReadPasswordConfirm(prompt, confirmPrompt string) ([]byte, error) {
	password, err := ReadPassword(prompt)
	if err != nil {
		return nil, err
	}

	confirm, err := ReadPassword(confirmPrompt)
	if err != nil {
		return nil, err
	}

	if string(password) != string(confirm) {
		return nil, ErrPassphraseMismatch
	}
	return password, nil
}
