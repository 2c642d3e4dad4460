// Package monitoring - store.go records request events to SQLite.
//
// EventStore persists one row per gateway request so usage can be inspected
// after the fact (per-model breakdowns, failure outcomes, token volumes).
// Writes happen inline on the request path; SQLite keeps them cheap enough
// that no background writer is needed at this scale.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// RequestEvent is one recorded gateway request.
type RequestEvent struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Outcome   string    `json:"outcome"` // "done", "error", "cancelled", "denied"
	Fragments int       `json:"fragments"`
	Tokens    int       `json:"tokens"`
	Duration  int64     `json:"duration_ms"`
}

// ModelUsage aggregates recorded events for one model.
type ModelUsage struct {
	Model     string `json:"model"`
	Requests  int64  `json:"requests"`
	Completed int64  `json:"completed"`
	Fragments int64  `json:"fragments"`
	Tokens    int64  `json:"tokens"`
}

// EventStore persists request events.
type EventStore struct {
	db *sql.DB
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS requests (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT    NOT NULL,
	ts         INTEGER NOT NULL,
	model      TEXT    NOT NULL,
	provider   TEXT    NOT NULL,
	outcome    TEXT    NOT NULL,
	fragments  INTEGER NOT NULL DEFAULT 0,
	tokens     INTEGER NOT NULL DEFAULT 0,
	duration   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_requests_model ON requests(model);
CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
`

// OpenEventStore opens (creating if needed) the event database at path.
// Use ":memory:" for an ephemeral store.
func OpenEventStore(path string) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	// modernc/sqlite serializes access per connection; a single connection
	// avoids table-lock errors under concurrent writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(eventSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create event schema: %w", err)
	}
	return &EventStore{db: db}, nil
}

// Record persists one request event.
func (s *EventStore) Record(ctx context.Context, ev RequestEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (request_id, ts, model, provider, outcome, fragments, tokens, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ts.UnixMilli(), ev.Model, ev.Provider, ev.Outcome, ev.Fragments, ev.Tokens, ev.Duration)
	if err != nil {
		return fmt.Errorf("record request event: %w", err)
	}
	return nil
}

// UsageByModel aggregates events recorded since the cutoff, newest models first.
func (s *EventStore) UsageByModel(ctx context.Context, since time.Time) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model,
		        COUNT(*),
		        SUM(CASE WHEN outcome = 'done' THEN 1 ELSE 0 END),
		        SUM(fragments),
		        SUM(tokens)
		 FROM requests
		 WHERE ts >= ?
		 GROUP BY model
		 ORDER BY COUNT(*) DESC`,
		since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usage []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Model, &u.Requests, &u.Completed, &u.Fragments, &u.Tokens); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

// RecentEvents returns the most recent events, newest first.
func (s *EventStore) RecentEvents(ctx context.Context, limit int) ([]RequestEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, ts, model, provider, outcome, fragments, tokens, duration
		 FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []RequestEvent
	for rows.Next() {
		var ev RequestEvent
		var ts int64
		if err := rows.Scan(&ev.RequestID, &ts, &ev.Model, &ev.Provider, &ev.Outcome, &ev.Fragments, &ev.Tokens, &ev.Duration); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Timestamp = time.UnixMilli(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *EventStore) Close() error { return s.db.Close() }
