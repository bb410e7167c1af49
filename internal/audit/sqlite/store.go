// Package sqlite persists audit facts in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/assembly-panel/internal/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	at TEXT NOT NULL,
	name TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at);
CREATE INDEX IF NOT EXISTS idx_audit_events_name ON audit_events(name);
`

// Store writes audit events to SQLite. It implements audit.Sink.
type Store struct {
	db *sql.DB
}

// Open connects to the database at dsn and bootstraps the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// Single writer: the driver serialises access, a larger pool only
	// produces SQLITE_BUSY under concurrent sinks.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record implements audit.Sink.
func (s *Store) Record(ctx context.Context, event audit.Event) error {
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, at, name, actor_id, details) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.At.UTC().Format(time.RFC3339Nano), event.Name, event.ActorID, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, name, actor_id, details FROM audit_events ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			event   audit.Event
			at      string
			details string
		)
		if err := rows.Scan(&event.ID, &at, &event.Name, &event.ActorID, &details); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		event.At = parsed
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
