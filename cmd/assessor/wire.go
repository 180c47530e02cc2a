package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/codec"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/config"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/engine"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/llm"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/store"
)

// recorderBuffer bounds assessment records queued for the writer.
const recorderBuffer = 4096

// #region app

// app holds the opened process resources shared by subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	log      *events.Log
	registry *adaptive.Registry
}

// openApp opens the database, the event log for the configured consumer
// group and the parameter registry.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.NewStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Database, err)
	}
	if err := logging.EnsureSchema(ctx, st.DB()); err != nil {
		st.Close()
		return nil, err
	}
	evLog, err := events.OpenLog(ctx, st.DB(), cfg.ConsumerGroup)
	if err != nil {
		st.Close()
		return nil, err
	}
	reg := adaptive.NewRegistry(nil, st)
	if err := reg.Load(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("load parameters: %w", err)
	}
	return &app{cfg: cfg, logger: logger, store: st, log: evLog, registry: reg}, nil
}

func (a *app) Close() error { return a.store.Close() }

// #endregion app

// #region backend

// newBackend connects the configured capability backend. A nil backend
// means capabilities are disabled.
func newBackend(cfg *config.Config) (capability.Backend, error) {
	var (
		b   capability.Backend
		err error
	)
	switch cfg.Capability.Backend {
	case config.BackendCodec:
		b, err = codec.NewCodecClient(cfg.Capability.CodecAddr)
	case config.BackendOpenAI:
		b, err = llm.New(cfg.LLMConfig())
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s backend: %w", cfg.Capability.Backend, err)
	}
	return engine.Limit(b, engine.NewLimiter(cfg.Background.LLMRatePerSecond)), nil
}

// #endregion backend

// #region engine

// engineConfig maps the process config onto the engine's settings.
func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.Shards = cfg.Shards
	ec.MaxBatch = cfg.Poll.MaxBatch
	ec.PollTimeout = cfg.Poll.Timeout
	ec.InactivityTimeout = cfg.Session.InactivityTimeout
	ec.Detector = cfg.DetectorConfig()
	ec.Breaker = cfg.BreakerConfig()
	ec.MaxFailureRun = cfg.Breaker.MaxFailureRun
	ec.Checkpoint = cfg.CheckpointConfig()
	ec.Concurrency = cfg.Background.Concurrency
	ec.TaskTimeout = cfg.Background.TaskTimeout
	return ec
}

// assembly is a wired engine plus the resources it must release.
type assembly struct {
	engine   *engine.Engine
	recorder *logging.AsyncRecorder
	backend  capability.Backend
}

// buildEngine wires the engine over an opened app.
func (a *app) buildEngine(ctx context.Context) (*assembly, error) {
	backend, err := newBackend(a.cfg)
	if err != nil {
		return nil, err
	}
	seen, err := a.store.SessionCount(ctx)
	if err != nil {
		closeBackend(backend)
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	var embedder capability.Embedder
	var summarizer capability.Summarizer
	if backend != nil {
		embedder, summarizer = backend, backend
	}

	rec := logging.NewAsyncRecorder(a.store.DB(), recorderBuffer, a.logger)
	retention := a.cfg.RetentionPolicy()
	db := a.store.DB()

	eng, err := engine.New(engineConfig(a.cfg), engine.Deps{
		Sessions:    a.store,
		Recorder:    rec,
		Registry:    a.registry,
		Sampler:     checkpoint.NewSampler(a.cfg.SamplingConfig(), nil, seen),
		Attribution: attribution.NewEngine(a.cfg.AttributionConfig(), a.store, embedder, a.registry, nil, a.logger),
		Summarizer:  summarizer,
		Sink:        engine.LogSink{Logger: a.logger},
		Pruner: func(ctx context.Context, now time.Time) (int64, error) {
			return logging.PruneAll(ctx, db, retention, now)
		},
		Logger: a.logger,
	})
	if err != nil {
		rec.Close()
		closeBackend(backend)
		return nil, err
	}
	return &assembly{engine: eng, recorder: rec, backend: backend}, nil
}

// shutdown waits up to grace for background assessments, cancels the
// rest and flushes pending records.
func (as *assembly) shutdown(grace time.Duration, logger *slog.Logger) error {
	done := make(chan struct{})
	go func() {
		as.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("background assessments still running, cancelling", slog.Duration("grace", grace))
		as.engine.Stop()
	}
	as.recorder.Close()
	logger.Info("assessment records flushed",
		slog.Int64("written", as.recorder.Written()),
		slog.Int64("dropped", as.recorder.Dropped()))
	return closeBackend(as.backend)
}

func closeBackend(b capability.Backend) error {
	if b == nil {
		return nil
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("close capability backend: %w", err)
	}
	return nil
}

// #endregion engine
