package tui

import (
	"fmt"
	"strconv"
	"strings"
)

// Confirm prompts for a yes/no confirmation
func Confirm(prompt string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	fmt.Fprintf(output, "%s %s ", prompt, hint)

	response, err := readLine()
	if err != nil {
		return false, err
	}

	switch strings.TrimSpace(strings.ToLower(response)) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return defaultYes, nil
	}
}

// ReadLine reads a line of input
func ReadLine(prompt string) (string, error) {
	fmt.Fprint(output, prompt)

	line, err := readLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ReadLineDefault reads a line with a default value
func ReadLineDefault(prompt, defaultValue string) (string, error) {
	if defaultValue != "" {
		prompt = fmt.Sprintf("%s [%s]: ", strings.TrimSuffix(prompt, ": "), defaultValue)
	}

	line, err := ReadLine(prompt)
	if err != nil {
		return "", err
	}
	if line == "" {
		return defaultValue, nil
	}
	return line, nil
}

// Select presents options to the user and returns the selected index
func Select(prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options provided")
	}

	fmt.Fprintln(output, prompt)
	for i, opt := range options {
		fmt.Fprintf(output, "  %d) %s\n", i+1, opt)
	}

	in, err := ReadLine("Choice [1]: ")
	if err != nil {
		return -1, fmt.Errorf("read input: %w", err)
	}
	if in == "" {
		return 0, nil
	}

	choice, err := strconv.Atoi(in)
	if err != nil {
		return -1, fmt.Errorf("invalid selection: %s", in)
	}
	if choice < 1 || choice > len(options) {
		return -1, fmt.Errorf("selection out of range: %d", choice)
	}
	return choice - 1, nil
}
