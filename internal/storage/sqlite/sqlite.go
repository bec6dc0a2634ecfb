// Package sqlite implements the event log on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/storage"
)

// Store implements storage.EventStore on a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ storage.EventStore = (*Store)(nil)

// Open opens the database and runs migrations.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, ev events.TimelineEvent) (events.TimelineEvent, error) {
	if err := storage.ValidateForAppend(ev); err != nil {
		return events.TimelineEvent{}, err
	}
	data, err := events.MarshalPayload(ev.Payload)
	if err != nil {
		return events.TimelineEvent{}, err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO events (ts, type, data) VALUES (?, ?, ?)",
		ev.TimestampMillis, string(ev.Type()), string(data))
	if err != nil {
		return events.TimelineEvent{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return events.TimelineEvent{}, fmt.Errorf("insert event: %w", err)
	}
	ev.ID = id
	return ev, nil
}

func (s *Store) Event(ctx context.Context, id int64) (events.TimelineEvent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, ts, type, data FROM events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return events.TimelineEvent{}, storage.ErrNotFound
	}
	return ev, err
}

func (s *Store) EventsInRange(ctx context.Context, startMillis, endExclusiveMillis int64) ([]events.TimelineEvent, error) {
	return s.query(ctx,
		"SELECT id, ts, type, data FROM events WHERE ts >= ? AND ts < ? ORDER BY ts, id",
		startMillis, endExclusiveMillis)
}

func (s *Store) EventsBefore(ctx context.Context, beforeMillis int64) ([]events.TimelineEvent, error) {
	return s.query(ctx,
		"SELECT id, ts, type, data FROM events WHERE ts < ? ORDER BY ts, id",
		beforeMillis)
}

func (s *Store) EventsAfterID(ctx context.Context, afterID int64, limit int) ([]events.TimelineEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx,
		"SELECT id, ts, type, data FROM events WHERE id > ? ORDER BY id LIMIT ?",
		afterID, limit)
}

func (s *Store) DeleteBefore(ctx context.Context, beforeMillis int64) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", beforeMillis)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return int(n), nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]events.TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]events.TimelineEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (events.TimelineEvent, error) {
	var (
		ev   events.TimelineEvent
		typ  string
		data string
	)
	if err := row.Scan(&ev.ID, &ev.TimestampMillis, &typ, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ev, err
		}
		return ev, fmt.Errorf("scan event: %w", err)
	}
	payload, err := events.UnmarshalPayload(events.Type(typ), []byte(data))
	if err != nil {
		return ev, fmt.Errorf("event %d: %w", ev.ID, err)
	}
	ev.Payload = payload
	return ev, nil
}
