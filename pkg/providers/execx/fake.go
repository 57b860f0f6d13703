package execx

import (
	"context"
	"strings"
	"sync"
)

// Response is a canned reply of FakeRunner
type Response struct {
	Stdout string
	Stderr string
	Err    error
}

// FakeRunner records commands and replies by longest matching prefix of
// "name arg1 arg2 ...". Commands without a match succeed with empty output.
type FakeRunner struct {
	mu        sync.Mutex
	Commands  []Command
	Responses map[string]Response
}

// NewFakeRunner returns an empty fake
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Responses: make(map[string]Response)}
}

// On registers a reply for commands whose string form starts with prefix
func (f *FakeRunner) On(prefix string, resp Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[prefix] = resp
	return f
}

// Run implements Runner
func (f *FakeRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, cmd)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	line := cmd.String()
	best := ""
	for prefix := range f.Responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return &Result{}, nil
	}
	resp := f.Responses[best]
	res := &Result{Stdout: resp.Stdout, Stderr: resp.Stderr}
	if resp.Err != nil {
		res.ExitCode = 1
	}
	return res, resp.Err
}

// Lines returns the string form of every recorded command
func (f *FakeRunner) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Commands))
	for i, c := range f.Commands {
		out[i] = c.String()
	}
	return out
}
