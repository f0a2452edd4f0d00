package errors

import (
	"context"
	"fmt"
	"log/slog"
)

// CLIErrorAdapter turns a startup error into the process's exit code and a
// user-facing message. The fetcher recognizes exactly three outcomes: clean
// shutdown, invalid configuration, and unrecoverable init failure.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{verbose: verbose, logger: logger}
}

// ExitCodeFor maps err to the fetcher's exit code scheme: 1 for a
// configuration problem, 2 for anything else that prevented startup.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if classified, ok := AsClassified(err); ok && classified.Category() == CategoryConfig {
		return 1
	}
	return 2
}

// FormatError formats err for display on stderr.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	if classified, ok := AsClassified(err); ok {
		if a.verbose {
			return err.Error()
		}
		return fmt.Sprintf("%s: %s (use -v for details)", classified.Category(), classified.Message())
	}
	return fmt.Sprintf("error: %v", err)
}

// LogError logs err at a level derived from its classified severity.
func (a *CLIErrorAdapter) LogError(err error) {
	if err == nil {
		return
	}
	if classified, ok := AsClassified(err); ok {
		level := a.slogLevelFromSeverity(classified.Severity())
		a.logger.LogAttrs(context.Background(), level, classified.Message(), classified.LogAttrs()...)
		return
	}
	a.logger.Error("unclassified error", "error", err)
}

func (a *CLIErrorAdapter) slogLevelFromSeverity(severity ErrorSeverity) slog.Level {
	switch severity {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
