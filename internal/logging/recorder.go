package logging

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueFull is returned when a record is dropped because the writer is
// behind.
var ErrQueueFull = errors.New("assessment log queue full")

// writeTimeout bounds a single background insert.
const writeTimeout = 5 * time.Second

// #region recorder
// AsyncRecorder writes records from a bounded queue on its own goroutine.
// A full queue or failed write is logged and the record dropped; callers
// never wait on the database.
type AsyncRecorder struct {
	db     *sql.DB
	logger *slog.Logger
	queue  chan Record

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

// NewAsyncRecorder starts the writer goroutine.
func NewAsyncRecorder(db *sql.DB, buffer int, logger *slog.Logger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &AsyncRecorder{
		db:     db,
		logger: logger,
		queue:  make(chan Record, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues rec without blocking.
func (r *AsyncRecorder) Record(rec Record) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(rec, ErrQueueFull)
		return ErrQueueFull
	}
	select {
	case r.queue <- rec:
		return nil
	default:
		r.drop(rec, ErrQueueFull)
		return ErrQueueFull
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := Write(ctx, r.db, rec)
		cancel()
		if err != nil {
			r.drop(rec, err)
			continue
		}
		r.written.Add(1)
	}
}

func (r *AsyncRecorder) drop(rec Record, err error) {
	r.dropped.Add(1)
	r.logger.Warn("assessment record dropped",
		slog.String("tier", string(rec.Tier)),
		slog.String("session_id", rec.SessionID),
		slog.String("event_id", rec.EventID),
		slog.Any("error", err),
	)
}

// Close stops accepting records and waits for queued ones to be written.
func (r *AsyncRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

// Dropped returns how many records were discarded.
func (r *AsyncRecorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many records were persisted.
func (r *AsyncRecorder) Written() int64 { return r.written.Load() }

// #endregion recorder
