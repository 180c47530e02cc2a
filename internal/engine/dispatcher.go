package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
)

// #region dispatcher

// Dispatcher runs medium and heavy assessments off the synchronous path.
// At most concurrency tasks run at once; tasks beyond maxPending are
// dropped rather than queued without bound.
type Dispatcher struct {
	sem        *semaphore.Weighted
	maxPending int64
	pending    atomic.Int64
	timeout    time.Duration
	logger     *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher creates a dispatcher. A zero timeout lets tasks run until
// Stop.
func NewDispatcher(concurrency int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sem:        semaphore.NewWeighted(int64(concurrency)),
		maxPending: int64(concurrency) * 64,
		timeout:    timeout,
		logger:     logger,
		base:       base,
		cancel:     cancel,
	}
}

// Go schedules fn and returns immediately. It reports false when the task
// was dropped. Task errors are logged, never retried.
func (d *Dispatcher) Go(task, sessionID string, fn func(ctx context.Context) error) bool {
	if d.base.Err() != nil {
		d.drop(task, sessionID, "stopped")
		return false
	}
	if d.pending.Add(1) > d.maxPending {
		d.pending.Add(-1)
		d.drop(task, sessionID, "backlog full")
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.pending.Add(-1)

		if err := d.sem.Acquire(d.base, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		ctx, cancel := d.base, context.CancelFunc(func() {})
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(d.base, d.timeout)
		}
		defer cancel()

		if err := fn(ctx); err != nil {
			d.failed.Add(1)
			d.logger.Warn("background task failed",
				slog.String("task", task), slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}()
	return true
}

func (d *Dispatcher) drop(task, sessionID, why string) {
	d.dropped.Add(1)
	d.logger.Warn("background task dropped",
		slog.String("task", task), slog.String("session_id", sessionID), slog.String("reason", why))
}

// Wait blocks until every scheduled task has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Stop cancels running tasks and waits for them to return.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Dropped reports tasks rejected by the backlog bound or after Stop.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed reports tasks that returned an error.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// #endregion dispatcher

// #region rate-limit

// NewLimiter returns a limiter allowing perSecond calls with a matching
// burst. Zero or less means unlimited.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(math.Max(1, math.Ceil(perSecond))))
}

// Limit wraps a backend so every capability call waits on limiter first.
func Limit(b capability.Backend, limiter *rate.Limiter) capability.Backend {
	if b == nil || limiter == nil {
		return b
	}
	return &limitedBackend{Backend: b, limiter: limiter}
}

type limitedBackend struct {
	capability.Backend
	limiter *rate.Limiter
}

func (l *limitedBackend) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %v", capability.ErrUnavailable, err)
	}
	return nil
}

func (l *limitedBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Backend.Embed(ctx, text)
}

func (l *limitedBackend) Summarize(ctx context.Context, messages []capability.Message) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	return l.Backend.Summarize(ctx, messages)
}

func (l *limitedBackend) Analyze(ctx context.Context, transcript string) (capability.Analysis, error) {
	if err := l.wait(ctx); err != nil {
		return capability.Analysis{}, err
	}
	return l.Backend.Analyze(ctx, transcript)
}

// #endregion rate-limit
