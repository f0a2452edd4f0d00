// Package fetcher wraps the external story-fetcher CLI: command
// construction, isolated-directory invocation, and output classification.
package fetcher

import (
	"context"
	"os/exec"

	"forge.stoat.dev/fanfic/fetcher/internal/config"
)

// ExecFunc executes a command in dir and returns its combined stdout/stderr.
// Tests substitute a fake to avoid invoking a real binary.
type ExecFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Client invokes the story-fetcher CLI for one story at a time.
type Client struct {
	binary string
	exec   ExecFunc
}

// NewClient builds a Client that invokes binary. A nil exec falls back to a
// real os/exec.CommandContext invocation.
func NewClient(binary string, exec ExecFunc) *Client {
	if exec == nil {
		exec = defaultExec
	}
	return &Client{binary: binary, exec: exec}
}

// Fetch runs the fetcher CLI with working directory scratchDir, passing the
// story URL and the resolved command modifier. It returns the classified
// outcome; infrastructure errors (binary missing, process start failure) are
// themselves reported as a TransientFailure per the error taxonomy.
func (c *Client) Fetch(ctx context.Context, scratchDir, url string, modifier config.FetcherModifier) Result {
	out, err := c.exec(ctx, scratchDir, c.binary, string(modifier), url)
	combined := string(out)
	if err != nil {
		if combined == "" {
			return Result{Outcome: TransientFailure, Reason: err.Error()}
		}
		res := Classify(combined)
		if res.Outcome == Success {
			// The process failed but its output matched no indicator phrase;
			// a nonzero exit must never read as success.
			return Result{Outcome: TransientFailure, Reason: err.Error()}
		}
		return res
	}
	return Classify(combined)
}

func defaultExec(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
