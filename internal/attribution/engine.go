package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

// #region store
// Store is the persistence the attribution layers need. It is keyed by
// learning and session id only.
type Store interface {
	EmbeddingCache
	Learnings(ctx context.Context, ids []string) ([]Learning, error)
	RecordExposure(ctx context.Context, x Exposure) error
	Exposures(ctx context.Context, learningID string) ([]Exposure, error)
	SaveAttribution(ctx context.Context, a Attribution) error
	Attributions(ctx context.Context, learningID string) ([]Attribution, error)
	SaveValue(ctx context.Context, v LearningValue) error
	Value(ctx context.Context, learningID string) (LearningValue, bool, error)
}

// #endregion store

// #region session-input
// SessionInput is everything an assessment knows about a session. Lexical
// sessions skip the embedder and activate on keywords and references only.
type SessionInput struct {
	SessionID string
	Active    []string
	Withheld  []string
	Outputs   []Output
	Signals   []signals.Signal
	Score     float64
	Lexical   bool
}

// Report is the result of attributing one session.
type Report struct {
	SessionID    string
	Activations  []ActivationResult
	Attributions []Attribution
	Values       []LearningValue
}

// #endregion session-input

// #region engine
// Engine runs the four attribution layers for ended sessions. Value
// recomputation is serialized per learning id.
type Engine struct {
	config     Config
	store      Store
	activator  *Activator
	lexical    *Activator
	temporal   Temporal
	aggregator Aggregator
	planner    *Planner
	logger     *slog.Logger
	locks      keyedLocks
	now        func() time.Time
}

// NewEngine wires the layers. embedder may be nil.
func NewEngine(config Config, store Store, embedder capability.Embedder, params ParameterSampler, src rand.Source, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:     config,
		store:      store,
		activator:  NewActivator(config, embedder, store, params, logger),
		lexical:    NewActivator(config, nil, nil, params, logger),
		temporal:   Temporal{Lookahead: config.Lookahead, DecayRate: config.DecayRate},
		aggregator: NewAggregator(config),
		planner:    NewPlanner(config, params, src),
		logger:     logger,
		locks:      keyedLocks{m: make(map[string]*sync.Mutex)},
		now:        time.Now,
	}
}

// AssessSession activates, attributes and re-aggregates every learning the
// session touched. Reprocessing the same session overwrites rather than
// adds, so it is safe under at-least-once delivery.
func (e *Engine) AssessSession(ctx context.Context, in SessionInput) (Report, error) {
	report := Report{SessionID: in.SessionID}
	now := e.now()

	learnings, err := e.store.Learnings(ctx, in.Active)
	if err != nil {
		return report, fmt.Errorf("load learnings: %w", err)
	}
	activator := e.activator
	if in.Lexical {
		activator = e.lexical
	}
	report.Activations = activator.Activate(ctx, in.SessionID, in.Outputs, learnings)

	activated := make(map[string]bool, len(report.Activations))
	var errs []error
	for _, act := range report.Activations {
		if !act.Activated {
			continue
		}
		activated[act.LearningID] = true
		attr := e.temporal.Attribute(act.LearningID, in.SessionID, act.ActivationIndex, in.Signals, now)
		attr.WasActivated = true
		attr.ActivationScore = act.Score
		if err := e.store.SaveAttribution(ctx, attr); err != nil {
			errs = append(errs, fmt.Errorf("save attribution %s: %w", act.LearningID, err))
			continue
		}
		report.Attributions = append(report.Attributions, attr)
	}

	touched := make([]string, 0, len(in.Active)+len(in.Withheld))
	for _, id := range in.Active {
		x := Exposure{LearningID: id, SessionID: in.SessionID, Activated: activated[id], Score: in.Score, RecordedAt: now}
		if err := e.store.RecordExposure(ctx, x); err != nil {
			errs = append(errs, fmt.Errorf("record exposure %s: %w", id, err))
			continue
		}
		touched = append(touched, id)
	}
	for _, id := range in.Withheld {
		x := Exposure{LearningID: id, SessionID: in.SessionID, Withheld: true, Score: in.Score, RecordedAt: now}
		if err := e.store.RecordExposure(ctx, x); err != nil {
			errs = append(errs, fmt.Errorf("record exposure %s: %w", id, err))
			continue
		}
		touched = append(touched, id)
	}

	for _, id := range touched {
		v, err := e.Recompute(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Values = append(report.Values, v)
	}
	return report, errors.Join(errs...)
}

// Recompute rebuilds a learning's value from its stored exposures and
// attributions.
func (e *Engine) Recompute(ctx context.Context, learningID string) (LearningValue, error) {
	unlock := e.locks.lock(learningID)
	defer unlock()

	exposures, err := e.store.Exposures(ctx, learningID)
	if err != nil {
		return LearningValue{}, fmt.Errorf("load exposures %s: %w", learningID, err)
	}
	attrs, err := e.store.Attributions(ctx, learningID)
	if err != nil {
		return LearningValue{}, fmt.Errorf("load attributions %s: %w", learningID, err)
	}

	var ablation *AblationResult
	res, err := NewExperiment(learningID, exposures).MarginalValue(e.config.MinWithheld, e.config.Significance)
	switch {
	case err == nil:
		ablation = &res
	case !errors.Is(err, ErrInsufficientSamples):
		return LearningValue{}, err
	}

	nets := make([]float64, 0, len(attrs))
	for _, a := range attrs {
		nets = append(nets, a.Net)
	}

	v := e.aggregator.ComputeValue(learningID, ablation, nets, activationRate(exposures), e.now())
	if err := e.store.SaveValue(ctx, v); err != nil {
		return v, fmt.Errorf("save value %s: %w", learningID, err)
	}
	if v.FlaggedForRemoval {
		e.logger.Info("learning flagged for removal",
			slog.String("learning_id", learningID), slog.Float64("value", v.EstimatedValue), slog.String("source", string(v.Source)))
	}
	return v, nil
}

// PlanInjection decides which candidate learnings to withhold from a new
// session. Learnings whose stored value comes from a significant ablation
// are re-ablated only at the drift rate. Store errors count as "not
// significant".
func (e *Engine) PlanInjection(ctx context.Context, candidates []string) (inject, withhold []string) {
	return e.planner.Plan(candidates, func(id string) bool {
		v, ok, err := e.store.Value(ctx, id)
		if err != nil {
			e.logger.Warn("value lookup failed", slog.String("learning_id", id), slog.Any("error", err))
			return false
		}
		return ok && v.Source == SourceAblation
	})
}

// #endregion engine

// #region helpers
// activationRate is activated sessions over sessions where the learning
// was injected.
func activationRate(exposures []Exposure) float64 {
	var present, activated int
	for _, x := range exposures {
		if x.Withheld {
			continue
		}
		present++
		if x.Activated {
			activated++
		}
	}
	if present == 0 {
		return 0
	}
	return float64(activated) / float64(present)
}

// keyedLocks hands out one mutex per key.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// #endregion helpers
