// Package library wraps the external library CLI: lookup, add, atomic
// format replacement, and custom-field export/restore, sequenced per the
// configured metadata preservation mode.
package library

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"forge.stoat.dev/fanfic/fetcher/internal/config"
)

// ExecFunc executes a command and returns combined stdout/stderr. Tests
// substitute a fake to avoid invoking a real binary.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Client invokes the library CLI. Operations that must appear atomic per
// story (export -> remove -> add -> restore) are serialized by mu so
// concurrent SiteWorkers never interleave subcommands against the same
// shared library.
type Client struct {
	binary string
	exec   ExecFunc
	mu     sync.Mutex
}

// NewClient builds a Client that invokes binary. A nil exec falls back to a
// real os/exec.CommandContext invocation.
func NewClient(binary string, exec ExecFunc) *Client {
	if exec == nil {
		exec = defaultExec
	}
	return &Client{binary: binary, exec: exec}
}

var addedIDPattern = regexp.MustCompile(`(?i)added book ids:\s*(\d+)`)

// Lookup searches the library by story URL and returns its book ID, or ""
// if no matching book exists.
func (c *Client) Lookup(ctx context.Context, url string) (string, error) {
	out, err := c.run(ctx, "search", "identifiers:url:"+url)
	if err != nil {
		return "", fmt.Errorf("library lookup: %w", err)
	}
	id := firstLine(out)
	if id == "" || strings.EqualFold(id, "no results found") {
		return "", nil
	}
	return id, nil
}

// Add stores a new EPUB file as a new book and returns its assigned ID.
// New books always use plain add, regardless of metadata preservation mode.
func (c *Client) Add(ctx context.Context, epubPath string) (string, error) {
	out, err := c.run(ctx, "add", epubPath)
	if err != nil {
		return "", fmt.Errorf("library add: %w", err)
	}
	m := addedIDPattern.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("library add: could not parse book id from output: %q", out)
	}
	return m[1], nil
}

// Integrate updates an existing book (bookID) with the EPUB at epubPath,
// following mode's sequencing contract. bookID == "" means there was no
// existing book and a plain Add is performed instead.
func (c *Client) Integrate(ctx context.Context, bookID, epubPath string, mode config.MetadataPreservationMode) (string, error) {
	if bookID == "" {
		return c.Add(ctx, epubPath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch mode {
	case config.PreservationAddFormat:
		if _, err := c.run(ctx, "add_format", bookID, epubPath); err != nil {
			return "", fmt.Errorf("library add_format: %w", err)
		}
		return bookID, nil

	case config.PreservationPreserveMetadata:
		fields, err := c.run(ctx, "custom_columns", "--export", bookID)
		if err != nil {
			return "", fmt.Errorf("library export custom fields: %w", err)
		}
		if _, err := c.run(ctx, "remove", bookID); err != nil {
			return "", fmt.Errorf("library remove: %w", err)
		}
		newID, err := c.Add(ctx, epubPath)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(fields) != "" {
			if _, err := c.run(ctx, "custom_columns", "--restore", newID, fields); err != nil {
				return "", fmt.Errorf("library restore custom fields: %w", err)
			}
		}
		return newID, nil

	default: // remove_add
		if _, err := c.run(ctx, "remove", bookID); err != nil {
			return "", fmt.Errorf("library remove: %w", err)
		}
		return c.Add(ctx, epubPath)
	}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	out, err := c.exec(ctx, c.binary, args...)
	return string(out), err
}

func firstLine(s string) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func defaultExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}
