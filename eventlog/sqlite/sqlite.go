// Package sqlite is an eventlog.Log persisted in a SQLite database, for
// single-node deployments that want streams to stay resumable across
// restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS eventlog_streams (
	session_id TEXT    NOT NULL,
	stream_id  TEXT    NOT NULL,
	last_id    INTEGER NOT NULL,
	PRIMARY KEY (session_id, stream_id)
);
CREATE TABLE IF NOT EXISTS eventlog_events (
	session_id TEXT    NOT NULL,
	stream_id  TEXT    NOT NULL,
	event_id   INTEGER NOT NULL,
	payload    BLOB    NOT NULL,
	emitted_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, stream_id, event_id)
);
`

// Log implements eventlog.Log on SQLite.
type Log struct {
	db        *sql.DB
	retention eventlog.Retention
	now       func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithRetention sets the eviction policy.
func WithRetention(r eventlog.Retention) Option {
	return func(l *Log) { l.retention = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

var _ eventlog.Log = (*Log)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, opts ...Option) (*Log, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// SQLite allows one writer; serializing here avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	l := &Log{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.retention = l.retention.Normalize()
	return l, nil
}

// Close closes the database.
func (l *Log) Close() error { return l.db.Close() }

func (l *Log) Append(ctx context.Context, key eventlog.Key, payload []byte) (eventlog.Event, error) {
	now := l.now().UTC().Truncate(time.Millisecond)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("sqlite append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO eventlog_streams (session_id, stream_id, last_id) VALUES (?, ?, 1)
		ON CONFLICT (session_id, stream_id) DO UPDATE SET last_id = last_id + 1
		RETURNING last_id`,
		key.SessionID, key.StreamID,
	).Scan(&id)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("sqlite append seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO eventlog_events (session_id, stream_id, event_id, payload, emitted_at) VALUES (?, ?, ?, ?, ?)`,
		key.SessionID, key.StreamID, id, payload, now.UnixMilli(),
	); err != nil {
		return eventlog.Event{}, fmt.Errorf("sqlite append event: %w", err)
	}

	if err := l.evict(ctx, tx, key, id); err != nil {
		return eventlog.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return eventlog.Event{}, fmt.Errorf("sqlite append commit: %w", err)
	}
	return eventlog.Event{ID: id, Payload: payload, EmittedAt: now}, nil
}

func (l *Log) evict(ctx context.Context, tx *sql.Tx, key eventlog.Key, last uint64) error {
	if last > uint64(l.retention.MaxEvents) {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM eventlog_events WHERE session_id = ? AND stream_id = ? AND event_id <= ?`,
			key.SessionID, key.StreamID, last-uint64(l.retention.MaxEvents),
		); err != nil {
			return fmt.Errorf("sqlite evict by count: %w", err)
		}
	}
	if l.retention.MaxAge > 0 {
		cutoff := l.now().Add(-l.retention.MaxAge).UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM eventlog_events WHERE session_id = ? AND stream_id = ? AND emitted_at < ?`,
			key.SessionID, key.StreamID, cutoff,
		); err != nil {
			return fmt.Errorf("sqlite evict by age: %w", err)
		}
	}
	return nil
}

func (l *Log) Replay(ctx context.Context, key eventlog.Key, after uint64) ([]eventlog.Event, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite replay: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last uint64
	err = tx.QueryRowContext(ctx,
		`SELECT last_id FROM eventlog_streams WHERE session_id = ? AND stream_id = ?`,
		key.SessionID, key.StreamID,
	).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite replay seq: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT event_id, payload, emitted_at FROM eventlog_events
		WHERE session_id = ? AND stream_id = ? AND event_id > ?
		ORDER BY event_id`,
		key.SessionID, key.StreamID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite replay query: %w", err)
	}
	defer rows.Close()

	var events []eventlog.Event
	for rows.Next() {
		var (
			ev    eventlog.Event
			msecs int64
		)
		if err := rows.Scan(&ev.ID, &ev.Payload, &msecs); err != nil {
			return nil, fmt.Errorf("sqlite replay scan: %w", err)
		}
		ev.EmittedAt = time.UnixMilli(msecs).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite replay rows: %w", err)
	}
	events = eventlog.DropExpired(events, l.retention.MaxAge, l.now())

	if err := eventlog.CheckContiguous(events, after, last); err != nil {
		return nil, err
	}
	return events, nil
}

func (l *Log) Delete(ctx context.Context, key eventlog.Key) error {
	return l.deleteWhere(ctx, `session_id = ? AND stream_id = ?`, key.SessionID, key.StreamID)
}

func (l *Log) DeleteSession(ctx context.Context, sessionID string) error {
	return l.deleteWhere(ctx, `session_id = ?`, sessionID)
}

func (l *Log) deleteWhere(ctx context.Context, where string, args ...any) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"eventlog_events", "eventlog_streams"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+where, args...); err != nil {
			return fmt.Errorf("sqlite delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}
