// Package execx runs external CLIs (helm, eksctl, aws) with captured output.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Command is one invocation of an external binary
type Command struct {
	Name string
	Args []string
	// Env is appended to the current environment
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the captured streams of a finished command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError is returned when the command ran and exited non-zero
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 2000 {
		msg = "..." + msg[len(msg)-2000:]
	}
	if msg == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, msg)
}

// Runner executes commands
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// OSRunner runs commands with os/exec
type OSRunner struct {
	Logger *slog.Logger
	// Stream copies the command's stderr to the process stderr while it runs
	Stream bool
}

// NewOSRunner returns a runner that logs every invocation at debug level
func NewOSRunner(logger *slog.Logger) *OSRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &OSRunner{Logger: logger}
}

// Run executes cmd and waits for it. Cancelling ctx kills the process.
func (r *OSRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	bin, err := exec.LookPath(cmd.Name)
	if err != nil {
		return nil, fmt.Errorf("%s binary not found in PATH: %w", cmd.Name, err)
	}

	c := exec.CommandContext(ctx, bin, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	if r.Stream {
		c.Stderr = &teeWriter{buf: &stderr, out: os.Stderr}
	} else {
		c.Stderr = &stderr
	}

	r.Logger.Debug("exec", "command", cmd.String())
	runErr := c.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Command: cmd.Name + " " + firstArgs(cmd.Args, 2), ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("run %s: %w", cmd.Name, runErr)
}

func firstArgs(args []string, n int) string {
	if len(args) < n {
		n = len(args)
	}
	return strings.Join(args[:n], " ")
}

type teeWriter struct {
	buf *bytes.Buffer
	out *os.File
}

func (t *teeWriter) Write(p []byte) (int, error) {
	t.buf.Write(p)
	return t.out.Write(p)
}

// Output returns trimmed stdout, or the error
func Output(ctx context.Context, r Runner, cmd Command) (string, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}
