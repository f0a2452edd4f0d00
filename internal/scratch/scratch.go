// Package scratch manages the isolated, exclusive working directories each
// story-fetcher invocation runs in. The fetcher is assumed non-reentrant
// against a shared working directory, so every invocation gets its own
// directory, guaranteed removed on every exit path.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Acquire creates a fresh directory under root, unique and exclusively
// created (os.Mkdir fails if it already exists). The returned release func
// removes the directory and is safe to call more than once; callers should
// defer it immediately so it fires on every exit path, including panics.
func Acquire(root string) (dir string, release func(), err error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", nil, fmt.Errorf("scratch: ensure root %q: %w", root, err)
	}
	dir = filepath.Join(root, uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("scratch: create dir %q: %w", dir, err)
	}
	released := false
	release = func() {
		if released {
			return
		}
		released = true
		_ = os.RemoveAll(dir)
	}
	return dir, release, nil
}

// FindEPUB returns the path of the EPUB file the fetcher wrote into dir. It
// is an error for zero or more than one candidate to be present, since the
// directory is exclusive to a single invocation.
func FindEPUB(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("scratch: read dir %q: %w", dir, err)
	}
	var found string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".epub") {
			continue
		}
		if found != "" {
			return "", fmt.Errorf("scratch: multiple epub files in %q", dir)
		}
		found = filepath.Join(dir, e.Name())
	}
	if found == "" {
		return "", fmt.Errorf("scratch: no epub file found in %q", dir)
	}
	return found, nil
}
