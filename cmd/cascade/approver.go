package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/fentz26/cascade/internal/policy"
)

// isInteractive reports whether stdin is a terminal.
func isInteractive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// terminalApprover asks the operator on out and reads a yes/no answer from in.
// Anything but an explicit yes declines.
func terminalApprover(in io.Reader, out io.Writer) policy.ApproverFunc {
	reader := bufio.NewReader(in)
	var mu sync.Mutex
	return func(description string, isDangerous, isCritical bool) bool {
		mu.Lock()
		defer mu.Unlock()

		label := "Risky"
		switch {
		case isCritical:
			label = "CRITICAL"
		case isDangerous:
			label = "Dangerous"
		}
		fmt.Fprintf(out, "\n%s command: %s\nAllow it? [y/N] ", label, description)

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(out)
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

// chooseApprover prompts on a terminal and declines everything otherwise.
// The TUI owns the terminal, so it gets the deny-all approver too.
func chooseApprover(withTUI bool) policy.Approver {
	if !withTUI && isInteractive() {
		return terminalApprover(os.Stdin, os.Stderr)
	}
	return policy.DenyAll
}
