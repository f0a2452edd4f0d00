package audit

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	ferrors "forge.stoat.dev/fanfic/fetcher/internal/foundation/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS story_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site TEXT NOT NULL,
	url TEXT NOT NULL,
	event_type TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS story_events_identity ON story_events(site, url);
CREATE INDEX IF NOT EXISTS story_events_time ON story_events(occurred_at);
`

// SQLiteStore is the production Store. The connection pool is capped at one
// open connection: SQLite permits a single writer anyway, and funneling all
// appends through one connection keeps the trail's row order matching the
// order records were handed in, without a lock of our own.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) the audit database at path and ensures its schema.
// ":memory:" gives an ephemeral store for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryAudit, "open audit database").
			WithContext("path", path).Build()
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryAudit, "create audit schema").
			WithContext("path", path).Build()
	}
	return &SQLiteStore{db: db}, nil
}

// Append writes rec. A zero OccurredAt is stamped with the current time.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	if rec.Type == "" {
		return ferrors.AuditError("audit record needs an event type").
			WithContext("url", rec.URL).Build()
	}
	at := rec.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO story_events (site, url, event_type, attempts, reason, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Site, rec.URL, rec.Type, rec.Attempts, rec.Reason, at.Unix())
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryAudit, "append audit record").
			WithContext("url", rec.URL).Build()
	}
	return nil
}

// History returns every record for one story, oldest first.
func (s *SQLiteStore) History(ctx context.Context, site, url string) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, site, url, event_type, attempts, reason, occurred_at
		 FROM story_events WHERE site = ? AND url = ? ORDER BY id`,
		site, url)
}

// Range returns every record stamped within [start, end], oldest first.
func (s *SQLiteStore) Range(ctx context.Context, start, end time.Time) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, site, url, event_type, attempts, reason, occurred_at
		 FROM story_events WHERE occurred_at BETWEEN ? AND ? ORDER BY id`,
		start.Unix(), end.Unix())
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryAudit, "query audit records").Build()
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var at int64
		if err := rows.Scan(&r.ID, &r.Site, &r.URL, &r.Type, &r.Attempts, &r.Reason, &at); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryAudit, "scan audit record").Build()
		}
		r.OccurredAt = time.Unix(at, 0)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryAudit, "iterate audit records").Build()
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
