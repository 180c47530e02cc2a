package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/eval"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/logging"
)

// #region deps

// Deps are the engine's injected collaborators. Attribution, Summarizer,
// Sink and Pruner may be nil; the matching work is then skipped.
type Deps struct {
	Sessions    SessionStore
	Recorder    Recorder
	Registry    *adaptive.Registry
	Sampler     *checkpoint.Sampler
	Attribution *attribution.Engine
	Summarizer  capability.Summarizer
	Sink        InterventionSink
	Pruner      Pruner
	Thresholds  breaker.Thresholds // defaults to thresholds sampled from Registry
	Logger      *slog.Logger
}

// #endregion deps

// #region engine

// Engine consumes the event stream. Sessions are sharded by id: one shard
// processes its events in order while shards run concurrently.
type Engine struct {
	config      Config
	sessions    SessionStore
	recorder    Recorder
	registry    *adaptive.Registry
	sampler     *checkpoint.Sampler
	attribution *attribution.Engine
	summarizer  capability.Summarizer
	sink        InterventionSink
	pruner      Pruner
	thresholds  breaker.Thresholds
	harness     *eval.EvalHarness
	dispatch    *Dispatcher
	logger      *slog.Logger
	shards      []*shard
	planned     sync.Map // session id -> plannedSession
	now         func() time.Time
	lastPrune   time.Time
}

// plannedSession is an ordinal handed out by PlanInjection before the
// session's first event.
type plannedSession struct {
	ordinal int
	at      time.Time
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// New wires an engine. Sessions, Recorder, Registry and Sampler are
// required.
func New(config Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("engine: session store is required")
	case deps.Recorder == nil:
		return nil, errors.New("engine: recorder is required")
	case deps.Registry == nil:
		return nil, errors.New("engine: parameter registry is required")
	case deps.Sampler == nil:
		return nil, errors.New("engine: sampler is required")
	}
	if config.Shards < 1 {
		config.Shards = 1
	}
	if config.MaxBatch < 1 {
		config.MaxBatch = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	thresholds := deps.Thresholds
	if thresholds == nil {
		thresholds = breaker.AdaptiveThresholds{Registry: deps.Registry, MaxFailureRun: config.MaxFailureRun}
	}

	e := &Engine{
		config:      config,
		sessions:    deps.Sessions,
		recorder:    deps.Recorder,
		registry:    deps.Registry,
		sampler:     deps.Sampler,
		attribution: deps.Attribution,
		summarizer:  deps.Summarizer,
		sink:        deps.Sink,
		pruner:      deps.Pruner,
		thresholds:  thresholds,
		harness:     eval.NewEvalHarness(config.Eval),
		dispatch:    NewDispatcher(config.Concurrency, config.TaskTimeout, logger),
		logger:      logger,
		shards:      make([]*shard, config.Shards),
		now:         time.Now,
	}
	for i := range e.shards {
		e.shards[i] = &shard{sessions: make(map[string]*session)}
	}
	return e, nil
}

// #endregion engine

// #region run

// Run polls the stream until ctx is cancelled. Each batch is processed to
// completion and its last offset committed before the next poll, so a
// cancelled run always finishes and commits the batch in flight.
func (e *Engine) Run(ctx context.Context, stream events.Stream) error {
	e.logger.Info("engine started", slog.Int("shards", len(e.shards)), slog.Int("max_batch", e.config.MaxBatch))
	for {
		if ctx.Err() != nil {
			e.logger.Info("engine stopping", slog.Int("open_sessions", e.OpenSessions()))
			return nil
		}
		batch, err := stream.Poll(ctx, e.config.MaxBatch, e.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		work := context.WithoutCancel(ctx)
		if len(batch) > 0 {
			last := e.ProcessBatch(work, batch)
			if err := stream.Commit(work, last); err != nil {
				return fmt.Errorf("commit offset %d: %w", last, err)
			}
		}
		now := e.now()
		e.Sweep(now)
		e.maybePrune(now)
	}
}

// ProcessBatch runs a batch through the shards and returns the offset of
// its last event.
func (e *Engine) ProcessBatch(ctx context.Context, batch []events.Event) int64 {
	if len(batch) == 0 {
		return 0
	}
	groups := make([][]events.Event, len(e.shards))
	for _, ev := range batch {
		i := e.shardIndex(ev.SessionID)
		groups[i] = append(groups[i], ev)
	}

	var g errgroup.Group
	for _, evs := range groups {
		if len(evs) == 0 {
			continue
		}
		g.Go(func() error {
			for _, ev := range evs {
				if _, err := e.Process(ctx, ev); err != nil {
					e.logger.Warn("event skipped", slog.String("event_id", ev.ID), slog.Any("error", err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return batch[len(batch)-1].Offset
}

func (e *Engine) shardIndex(sessionID string) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(e.shards)))
}

// #endregion run

// #region process

// Process runs one event through its session's synchronous path. The
// returned error is only ever events.ErrMalformed; every other failure is
// logged and absorbed.
func (e *Engine) Process(ctx context.Context, ev events.Event) (Step, error) {
	if err := ev.Validate(); err != nil {
		return Step{Event: ev, Skipped: true}, err
	}

	sh := e.shards[e.shardIndex(ev.SessionID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[ev.SessionID]
	if !ok {
		if ev.Kind == events.KindSessionEnd {
			e.logger.Debug("end of unknown session", slog.String("session_id", ev.SessionID), slog.String("event_id", ev.ID))
			return Step{Event: ev, Skipped: true}, nil
		}
		s = e.openSession(ev)
		sh.sessions[ev.SessionID] = s
	}
	if _, dup := s.seen[ev.ID]; dup {
		return Step{Event: ev, Skipped: true}, nil
	}
	s.seen[ev.ID] = struct{}{}
	s.lastSeen = e.now()

	st := s.pipe.Step(ev)
	s.absorb(ev, st, e.config.MaxSegmentMessages)

	if st.Intervention != nil {
		e.logger.Info("intervention",
			slog.String("session_id", s.id),
			slog.String("event_id", ev.ID),
			slog.String("intervention", string(st.Intervention.Type)),
			slog.String("condition", string(st.Intervention.Condition)))
		if e.sink != nil {
			e.sink.Deliver(ctx, *st.Intervention)
		}
	}

	e.record(logging.TierLightweight, s.id, ev.ID, s.lineage, st.Lightweight(), ev.ID)

	if st.Checkpoint != nil {
		e.scheduleMedium(s, *st.Checkpoint, ev.ID)
	}
	if ev.Kind == events.KindSessionEnd {
		delete(sh.sessions, s.id)
		e.closeSession(s)
	}
	return st, nil
}

// openSession assigns the session an ordinal from memory and persists it in
// the background, so the shard lock is never held across storage I/O. A
// session already known to the store keeps its stored ordinal once the
// start task has read it back.
func (e *Engine) openSession(ev events.Event) *session {
	var ordinal int
	if p, ok := e.planned.LoadAndDelete(ev.SessionID); ok {
		ordinal = p.(plannedSession).ordinal
	} else {
		ordinal = e.sampler.Begin()
	}
	pipe := NewPipeline(ev.SessionID, e.config, e.thresholds)
	s := newSession(ev.SessionID, ordinal, ev.Timestamp, pipe, e.config.MaxTranscriptBytes)
	e.dispatch.Go("start", s.id, func(ctx context.Context) error {
		stored, err := e.sessions.StartSession(ctx, s.id, ordinal, s.startedAt)
		if err != nil {
			return fmt.Errorf("persist session ordinal: %w", err)
		}
		if stored != ordinal {
			s.ordinal.Store(int64(stored))
		}
		return nil
	})
	e.logger.Debug("session opened", slog.String("session_id", ev.SessionID), slog.Int("ordinal", ordinal))
	return s
}

// ordinal returns the session's persisted ordinal, assigning the next one
// on first sight.
func (e *Engine) ordinal(ctx context.Context, sessionID string, at time.Time) (int, error) {
	if n, ok, err := e.sessions.SessionOrdinal(ctx, sessionID); err == nil && ok {
		return n, nil
	}
	next := e.sampler.Begin()
	n, err := e.sessions.StartSession(ctx, sessionID, next, at)
	if err != nil {
		return next, err
	}
	return n, nil
}

// record builds and enqueues an assessment record keyed for idempotent
// rewrites.
func (e *Engine) record(tier logging.Tier, sessionID, eventID string, lineage events.Lineage, body interface{}, key string) {
	rec, err := logging.NewRecord(tier, sessionID, eventID, lineage, body, e.now())
	if err != nil {
		e.logger.Warn("assessment record dropped", slog.String("tier", string(tier)),
			slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	_ = e.recorder.Record(rec.Keyed(key))
}

// #endregion process

// #region lifecycle

// Sweep closes sessions idle longer than the inactivity timeout.
func (e *Engine) Sweep(now time.Time) int {
	if e.config.InactivityTimeout <= 0 {
		return 0
	}
	var idle []*session
	for _, sh := range e.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if now.Sub(s.lastSeen) >= e.config.InactivityTimeout {
				idle = append(idle, s)
				delete(sh.sessions, id)
			}
		}
		sh.mu.Unlock()
	}
	for _, s := range idle {
		e.logger.Info("session closed after inactivity", slog.String("session_id", s.id))
		e.closeSession(s)
	}
	e.planned.Range(func(id, p any) bool {
		if now.Sub(p.(plannedSession).at) >= e.config.InactivityTimeout {
			e.planned.Delete(id)
		}
		return true
	})
	return len(idle)
}

// closeSession decides whether the ended session gets a heavy assessment
// and hands it to the dispatcher if so.
func (e *Engine) closeSession(s *session) {
	reason, heavy := e.sampler.Decide(s.summary())
	c := s.close()
	if !heavy {
		e.dispatch.Go("end", s.id, func(ctx context.Context) error {
			return e.assessEnd(ctx, c)
		})
		return
	}
	e.logger.Debug("heavy assessment scheduled", slog.String("session_id", s.id), slog.String("reason", string(reason)))
	e.dispatch.Go("heavy", s.id, func(ctx context.Context) error {
		return e.assessHeavy(ctx, c, reason)
	})
}

// OpenSessions reports how many sessions are currently open.
func (e *Engine) OpenSessions() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

func (e *Engine) maybePrune(now time.Time) {
	if e.pruner == nil || e.config.PruneInterval <= 0 || now.Sub(e.lastPrune) < e.config.PruneInterval {
		return
	}
	e.lastPrune = now
	e.dispatch.Go("prune", "", func(ctx context.Context) error {
		n, err := e.pruner(ctx, now)
		if err != nil {
			return fmt.Errorf("prune assessment log: %w", err)
		}
		if n > 0 {
			e.logger.Info("assessment records pruned", slog.Int64("records", n))
		}
		return nil
	})
}

// Wait blocks until scheduled background work has finished.
func (e *Engine) Wait() { e.dispatch.Wait() }

// Stop cancels background work still in flight. Open sessions are left
// unassessed.
func (e *Engine) Stop() { e.dispatch.Stop() }

// #endregion lifecycle

// #region injection

// PlanInjection splits candidate learnings for a session about to start
// into those to inject and those to withhold for ablation. Burn-in
// sessions and engines without attribution never withhold.
func (e *Engine) PlanInjection(ctx context.Context, sessionID string, candidates []string) (inject, withhold []string) {
	if e.attribution == nil {
		return candidates, nil
	}
	ordinal, err := e.ordinal(ctx, sessionID, e.now())
	if err != nil {
		e.logger.Warn("injection planned without ordinal", slog.String("session_id", sessionID), slog.Any("error", err))
		return candidates, nil
	}
	e.planned.Store(sessionID, plannedSession{ordinal: ordinal, at: e.now()})
	if e.sampler.InBurnIn(ordinal) {
		return candidates, nil
	}
	return e.attribution.PlanInjection(ctx, candidates)
}

// #endregion injection
