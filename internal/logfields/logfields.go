// Package logfields provides canonical log field names and helpers for structured
// logging across the ingestion orchestrator.
package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeySite       = "site"
	KeyURL        = "url"
	KeyWorker     = "worker"
	KeyAttempts   = "attempts"
	KeyBehavior   = "behavior"
	KeyOutcome    = "outcome"
	KeyStoryKey   = "story_key"
	KeyTask       = "task"
	KeyState      = "state"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
	KeyPath       = "path"
	KeyLibraryID  = "library_id"
	KeyName       = "name"
)

// Site returns a slog.Attr for a normalized site identifier.
func Site(s string) slog.Attr { return slog.String(KeySite, s) }

// URL returns a slog.Attr for a story URL.
func URL(u string) slog.Attr { return slog.String(KeyURL, u) }

// Worker returns a slog.Attr for a worker ID.
func Worker(id string) slog.Attr { return slog.String(KeyWorker, id) }

// Attempts returns a slog.Attr for a story's attempt count.
func Attempts(n int) slog.Attr { return slog.Int(KeyAttempts, n) }

// Behavior returns a slog.Attr for a story's update behavior (update|force).
func Behavior(b string) slog.Attr { return slog.String(KeyBehavior, b) }

// Outcome returns a slog.Attr for a fetcher/library outcome label.
func Outcome(o string) slog.Attr { return slog.String(KeyOutcome, o) }

// StoryKey returns a slog.Attr for a story's identity key.
func StoryKey(k string) slog.Attr { return slog.String(KeyStoryKey, k) }

// Task returns a slog.Attr for a TaskRuntime-supervised task name.
func Task(name string) slog.Attr { return slog.String(KeyTask, name) }

// State returns a slog.Attr for a task lifecycle state.
func State(s string) slog.Attr { return slog.String(KeyState, s) }

// DurationMS returns a slog.Attr for a duration in milliseconds.
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

// Path returns a slog.Attr for a file or directory path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// LibraryID returns a slog.Attr for the external library's identifier for a story.
func LibraryID(id string) slog.Attr { return slog.String(KeyLibraryID, id) }

// Name returns a slog.Attr for a generic name field.
func Name(n string) slog.Attr { return slog.String(KeyName, n) }

// Error returns a slog.Attr for an error, or an empty string if nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
