package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/eval"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/update"
)

// #region config

// Config holds the engine's own tunables plus the per-session component
// settings it hands to every new session.
type Config struct {
	Shards            int
	MaxBatch          int
	PollTimeout       time.Duration
	InactivityTimeout time.Duration // zero never sweeps
	PruneInterval     time.Duration // zero never prunes

	Detector      signals.DetectorConfig
	Breaker       breaker.Config
	MaxFailureRun int
	Checkpoint    checkpoint.Config
	Eval          eval.EvalConfig
	Update        update.UpdateConfig

	Concurrency        int
	TaskTimeout        time.Duration
	MaxTranscriptBytes int // transcript handed to session analysis
	MaxSegmentMessages int // messages kept for a checkpoint summary
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Shards:             4,
		MaxBatch:           256,
		PollTimeout:        500 * time.Millisecond,
		InactivityTimeout:  30 * time.Minute,
		PruneInterval:      time.Hour,
		Detector:           signals.DefaultDetectorConfig(),
		Breaker:            breaker.DefaultConfig(),
		MaxFailureRun:      5,
		Checkpoint:         checkpoint.DefaultConfig(),
		Eval:               eval.DefaultEvalConfig(),
		Update:             update.DefaultUpdateConfig(),
		Concurrency:        4,
		TaskTimeout:        60 * time.Second,
		MaxTranscriptBytes: 64 * 1024,
		MaxSegmentMessages: 200,
	}
}

// #endregion config

// #region collaborators

// SessionStore persists session ordinals and closure.
type SessionStore interface {
	SessionOrdinal(ctx context.Context, sessionID string) (int, bool, error)
	StartSession(ctx context.Context, sessionID string, ordinal int, at time.Time) (int, error)
	EndSession(ctx context.Context, sessionID string, at time.Time, heavyReason string) error
}

// Recorder accepts assessment records without blocking.
type Recorder interface {
	Record(rec logging.Record) error
}

// Pruner deletes assessment records past their retention window.
type Pruner func(ctx context.Context, now time.Time) (int64, error)

// #endregion collaborators

// #region sinks

// InterventionSink receives interventions as they are emitted. Deliver is
// called on the synchronous path and must not block.
type InterventionSink interface {
	Deliver(ctx context.Context, iv breaker.Intervention)
}

// ChannelSink hands interventions to a buffered channel and drops them
// when nobody is reading.
type ChannelSink struct {
	C       chan breaker.Intervention
	dropped atomic.Int64
}

// NewChannelSink creates a sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{C: make(chan breaker.Intervention, buffer)}
}

func (s *ChannelSink) Deliver(_ context.Context, iv breaker.Intervention) {
	select {
	case s.C <- iv:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports interventions lost to a full channel.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// LogSink writes interventions to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, iv breaker.Intervention) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, iv.Message,
		slog.String("session_id", iv.SessionID),
		slog.String("intervention", string(iv.Type)),
		slog.String("condition", string(iv.Condition)),
		slog.Int("sequence", iv.Sequence))
}

// MultiSink fans an intervention out to several sinks.
type MultiSink []InterventionSink

func (m MultiSink) Deliver(ctx context.Context, iv breaker.Intervention) {
	for _, s := range m {
		s.Deliver(ctx, iv)
	}
}

// #endregion sinks
