package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/chalkan3/moodle-eks/internal/state"
)

func printHeader(title string) {
	fmt.Println()
	color.New(color.FgCyan, color.Bold).Println(title)
	fmt.Println(strings.Repeat("=", len(title)))
}

// isTerminal reports whether f is attached to a terminal
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// confirm asks a yes/no question on stdin. Without a terminal nobody can
// answer, so the answer is no and --yes is required.
func confirm(question string) bool {
	if !isTerminal(os.Stdin) {
		color.Yellow("stdin is not a terminal; pass --yes to confirm")
		return false
	}
	return askYesNo(os.Stdin, os.Stdout, question)
}

func askYesNo(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// newSpinner returns a spinner that only animates on a terminal
func newSpinner(suffix string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + suffix
	if !isTerminal(os.Stderr) {
		s.Disable()
	}
	return s
}

func statusColor(status state.StageStatus) *color.Color {
	switch status {
	case state.StatusDone:
		return color.New(color.FgGreen)
	case state.StatusFailed:
		return color.New(color.FgRed)
	case state.StatusInProgress:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func validFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return fmt.Errorf("invalid output format: %s (must be %s)", format, strings.Join(allowed, ", "))
}
