package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// #region schema
const logSchema = `
CREATE TABLE IF NOT EXISTS session_events (
	offset_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id      TEXT NOT NULL UNIQUE,
	session_id    TEXT NOT NULL,
	message_index INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	body          TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS consumer_offsets (
	group_name    TEXT PRIMARY KEY,
	committed     INTEGER NOT NULL,
	updated_at    TEXT NOT NULL
);
`

// #endregion schema

// #region log-struct

// pollInterval is how often an idle Poll or Subscribe rechecks the table.
const pollInterval = 50 * time.Millisecond

// Log is an append-only SQLite event log with a single consumer-group cursor.
type Log struct {
	db    *sql.DB
	group string

	mu       sync.Mutex
	position int64
}

// OpenLog migrates the event tables and positions the cursor at the
// group's last committed offset.
func OpenLog(ctx context.Context, db *sql.DB, group string) (*Log, error) {
	if _, err := db.ExecContext(ctx, logSchema); err != nil {
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	l := &Log{db: db, group: group}
	committed, err := l.Committed(ctx)
	if err != nil {
		return nil, err
	}
	l.position = committed
	return l, nil
}

// #endregion log-struct

// #region append

// Append stores ev and returns its offset. Re-appending an event id is a
// no-op that returns the original offset.
func (l *Log) Append(ctx context.Context, ev Event) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	ev.Offset = 0
	body, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO session_events (event_id, session_id, message_index, kind, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		ev.ID, ev.SessionID, ev.MessageIndex, string(ev.Kind), string(body),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	var offset int64
	err = l.db.QueryRowContext(ctx,
		`SELECT offset_id FROM session_events WHERE event_id = ?`, ev.ID,
	).Scan(&offset)
	if err != nil {
		return 0, fmt.Errorf("read offset %s: %w", ev.ID, err)
	}
	return offset, nil
}

// #endregion append

// #region poll

// Poll returns events after the in-memory cursor and advances it.
// The cursor only becomes durable through Commit.
func (l *Log) Poll(ctx context.Context, max int, timeout time.Duration) ([]Event, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		from := l.position
		l.mu.Unlock()

		batch, err := l.readAfter(ctx, from, max)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			l.mu.Lock()
			if last := batch[len(batch)-1].Offset; last > l.position {
				l.position = last
			}
			l.mu.Unlock()
			return batch, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Rewind moves the cursor back to the last committed offset so that
// uncommitted events are redelivered.
func (l *Log) Rewind(ctx context.Context) error {
	committed, err := l.Committed(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.position = committed
	l.mu.Unlock()
	return nil
}

func (l *Log) readAfter(ctx context.Context, offset int64, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT offset_id, event_id, session_id, message_index, kind, body
		 FROM session_events WHERE offset_id > ? ORDER BY offset_id ASC LIMIT ?`,
		offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			off       int64
			id, sid   string
			idx       int
			kind, raw string
		)
		if err := rows.Scan(&off, &id, &sid, &idx, &kind, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			// Keep the envelope so the consumer can log and skip it.
			ev = Event{ID: id, SessionID: sid, MessageIndex: idx, Kind: Kind(kind)}
		}
		ev.Offset = off
		out = append(out, ev)
	}
	return out, rows.Err()
}

// #endregion poll

// #region commit

// Commit durably records offset as processed for the group. Offsets
// never move backwards.
func (l *Log) Commit(ctx context.Context, offset int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO consumer_offsets (group_name, committed, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(group_name) DO UPDATE SET
			committed = MAX(consumer_offsets.committed, excluded.committed),
			updated_at = excluded.updated_at`,
		l.group, offset, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("commit offset %d: %w", offset, err)
	}
	return nil
}

// Committed returns the group's last committed offset, or 0.
func (l *Log) Committed(ctx context.Context) (int64, error) {
	var committed int64
	err := l.db.QueryRowContext(ctx,
		`SELECT committed FROM consumer_offsets WHERE group_name = ?`, l.group,
	).Scan(&committed)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read committed offset: %w", err)
	}
	return committed, nil
}

// #endregion commit

// #region subscribe

// Subscribe streams events appended after the call until ctx is done.
func (l *Log) Subscribe(ctx context.Context) (<-chan Event, error) {
	var tail int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(offset_id), 0) FROM session_events`,
	).Scan(&tail)
	if err != nil {
		return nil, fmt.Errorf("read tail: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			batch, err := l.readAfter(ctx, tail, 256)
			if err != nil {
				return
			}
			for _, ev := range batch {
				select {
				case out <- ev:
					tail = ev.Offset
				case <-ctx.Done():
					return
				}
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// #endregion subscribe
