package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// confirm asks a yes/no question and reads a single key in raw mode.
// Only 'y' or 'Y' confirms. A non-interactive stdin never confirms.
func confirm(prompt string) bool {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fmt.Fprintln(os.Stderr, "confirmation requires an interactive terminal")
		return false
	}

	// Put stdin into raw mode
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting raw mode: %v\r\n", err)
		return false
	}
	defer term.Restore(fd, oldState)

	fmt.Printf("%s ", prompt)
	buf := make([]byte, 1)
	if _, err := os.Stdin.Read(buf); err != nil {
		fmt.Printf("\r\n")
		return false
	}
	fmt.Printf("%c\r\n", buf[0])
	return buf[0] == 'y' || buf[0] == 'Y'
}
