package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/store"
)

// #region fixtures

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type harness struct {
	engine   *Engine
	store    *store.Store
	recorder *logging.AsyncRecorder
	registry *adaptive.Registry
	sink     *ChannelSink
}

type options struct {
	config     Config
	sampling   checkpoint.SamplingConfig
	priors     map[string]adaptive.Parameter
	summarizer capability.Summarizer
	thresholds breaker.Thresholds
	sessions   func(SessionStore) SessionStore
}

func defaultOptions() options {
	cfg := DefaultConfig()
	cfg.Shards = 2
	return options{
		config:     cfg,
		sampling:   checkpoint.DefaultSamplingConfig(),
		thresholds: breaker.FixedThresholds{Failures: 3, Frustration: 0.95},
	}
}

func newHarness(t *testing.T, opt options) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.NewStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, logging.EnsureSchema(ctx, st.DB()))

	rec := logging.NewAsyncRecorder(st.DB(), 4096, logger)
	reg := adaptive.NewRegistry(opt.priors, st)
	sink := NewChannelSink(16)
	attr := attribution.NewEngine(attribution.DefaultConfig(), st, nil, reg, rand.NewPCG(3, 4), logger)

	var sessions SessionStore = st
	if opt.sessions != nil {
		sessions = opt.sessions(st)
	}
	e, err := New(opt.config, Deps{
		Sessions:    sessions,
		Recorder:    rec,
		Registry:    reg,
		Sampler:     checkpoint.NewSampler(opt.sampling, rand.NewPCG(1, 2), 0),
		Attribution: attr,
		Summarizer:  opt.summarizer,
		Sink:        sink,
		Thresholds:  opt.thresholds,
		Logger:      logger,
	})
	require.NoError(t, err)
	return &harness{engine: e, store: st, recorder: rec, registry: reg, sink: sink}
}

// drain waits for background work and flushes the recorder.
func (h *harness) drain() {
	h.engine.Wait()
	h.recorder.Close()
}

func (h *harness) records(t *testing.T, session string, tier logging.Tier) []logging.Record {
	t.Helper()
	recs, err := logging.Records(context.Background(), h.store.DB(), session, tier)
	require.NoError(t, err)
	return recs
}

func ev(id, session string, idx int, at time.Duration, kind events.Kind, p events.Payload) events.Event {
	return events.Event{
		ID:           id,
		SessionID:    session,
		MessageIndex: idx,
		Timestamp:    t0.Add(at),
		Kind:         kind,
		Payload:      p,
	}
}

func user(id, session string, idx int, at time.Duration, text string) events.Event {
	return ev(id, session, idx, at, events.KindUserInput, events.Payload{Content: text})
}

func assistant(id, session string, idx int, at time.Duration, text string) events.Event {
	return ev(id, session, idx, at, events.KindAssistantOutput, events.Payload{Content: text})
}

func exit(code int) *int { return &code }

type fakeSummarizer struct {
	fail      bool
	summaries atomic.Int32
	analyses  atomic.Int32
}

func (f *fakeSummarizer) Embed(context.Context, string) ([]float32, error) { return nil, capability.ErrUnavailable }
func (f *fakeSummarizer) Close() error                                     { return nil }

func (f *fakeSummarizer) Summarize(_ context.Context, msgs []capability.Message) (string, error) {
	if f.fail {
		return "", capability.ErrUnavailable
	}
	f.summaries.Add(1)
	return "segment of " + string(rune('0'+len(msgs))) + " messages", nil
}

// gatedSessions holds every StartSession until release is closed.
type gatedSessions struct {
	SessionStore
	release chan struct{}
	waiting atomic.Int32
}

func (g *gatedSessions) StartSession(ctx context.Context, id string, ordinal int, at time.Time) (int, error) {
	g.waiting.Add(1)
	defer g.waiting.Add(-1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return g.SessionStore.StartSession(ctx, id, ordinal, at)
}

func (f *fakeSummarizer) Analyze(context.Context, string) (capability.Analysis, error) {
	if f.fail {
		return capability.Analysis{}, capability.ErrUnavailable
	}
	f.analyses.Add(1)
	return capability.Analysis{Outcome: 0.2, Confidence: 0.5, Summary: "rough session"}, nil
}

// #endregion fixtures

// #region end-to-end

func TestCorrectionStormEndToEnd(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()

	require.NoError(t, h.store.UpsertLearning(ctx, attribution.Learning{
		ID:      "L-pool",
		Content: "Prefer pgx connection pooling for postgres databases",
	}))

	start := ev("e0", "s1", 0, 0, events.KindSessionStart, events.Payload{})
	start.Lineage = events.Lineage{ActiveLearnings: []string{"L-pool"}, InjectionMethod: "system_prompt", HarnessID: "cli"}

	stream := []events.Event{
		start,
		user("e1", "s1", 1, 10*time.Second, "No, that's not what I asked for"),
		user("e2", "s1", 2, 20*time.Second, "that's wrong, use the other API"),
		ev("e3", "s1", 3, 30*time.Second, events.KindToolPost, events.Payload{
			ToolName: "go build", ToolOutput: "./main.go:12:2: undefined: parseConfig", ExitCode: exit(1),
		}),
		user("e4", "s1", 4, 40*time.Second, "I said use the flag parser"),
		assistant("e5", "s1", 5, 50*time.Second, "Updated the handler."),
		ev("e6", "s1", 6, 60*time.Second, events.KindSessionEnd, events.Payload{}),
	}

	var interventions []breaker.Intervention
	for _, e := range stream {
		st, err := h.engine.Process(ctx, e)
		require.NoError(t, err)
		if st.Intervention != nil {
			interventions = append(interventions, *st.Intervention)
		}
	}
	h.drain()

	require.Len(t, interventions, 1)
	assert.Equal(t, breaker.ClarificationPause, interventions[0].Type)
	assert.Equal(t, breaker.ConditionCorrectionStorm, interventions[0].Condition)
	assert.Equal(t, "s1", interventions[0].SessionID)
	require.Len(t, h.sink.C, 1)

	light := h.records(t, "s1", logging.TierLightweight)
	assert.Len(t, light, len(stream), "one lightweight record per event")
	for _, r := range light {
		assert.Equal(t, "system_prompt", r.Lineage.InjectionMethod)
	}

	heavy := h.records(t, "s1", logging.TierHeavy)
	require.Len(t, heavy, 1)
	var body logging.HeavyEvent
	require.NoError(t, heavy[0].Decode(&body))
	assert.Equal(t, checkpoint.ReasonBurnIn, body.Reason)
	require.Len(t, body.Activations, 1)
	assert.False(t, body.Activations[0].Activated)
	assert.Empty(t, body.Attributions)

	attrs, err := h.store.Attributions(ctx, "L-pool")
	require.NoError(t, err)
	assert.Empty(t, attrs, "an unactivated learning gets no attribution")

	v, ok, err := h.store.Value(ctx, "L-pool")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, attribution.SourcePrior, v.Source)
}

func TestActivatedLearningIsAttributed(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()

	require.NoError(t, h.store.UpsertLearning(ctx, attribution.Learning{ID: "L-tests", Content: "run table driven tests"}))
	start := ev("e0", "s2", 0, 0, events.KindSessionStart, events.Payload{})
	start.Lineage = events.Lineage{ActiveLearnings: []string{"L-tests"}}

	for _, e := range []events.Event{
		start,
		assistant("e1", "s2", 1, time.Second, "Following L-tests I added table driven tests."),
		ev("e2", "s2", 2, 2*time.Second, events.KindToolPost, events.Payload{ToolOutput: "ok  \texample.com/pkg\t0.01s", ExitCode: exit(0)}),
		user("e3", "s2", 3, 3*time.Second, "thanks, that works perfectly"),
		ev("e4", "s2", 4, 4*time.Second, events.KindSessionEnd, events.Payload{}),
	} {
		_, err := h.engine.Process(ctx, e)
		require.NoError(t, err)
	}
	h.drain()

	attrs, err := h.store.Attributions(ctx, "L-tests")
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, 1, attrs[0].ActivationIndex)
	assert.Greater(t, attrs[0].Net, 0.0)

	v, ok, err := h.store.Value(ctx, "L-tests")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, attribution.SourceTemporal, v.Source)
	assert.Greater(t, v.EstimatedValue, 0.0)
}

// #endregion end-to-end

// #region process

func TestMalformedEventsAreSkipped(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()

	bad := user("e1", "", 1, 0, "hello")
	_, err := h.engine.Process(ctx, bad)
	require.ErrorIs(t, err, events.ErrMalformed)

	unknown := ev("e2", "s1", 1, 0, events.Kind("telepathy"), events.Payload{})
	_, err = h.engine.Process(ctx, unknown)
	require.ErrorIs(t, err, events.ErrMalformed)

	h.drain()
	assert.Zero(t, h.engine.OpenSessions())
	assert.Empty(t, h.records(t, "s1", ""))
}

func TestDuplicateEventsAreIgnored(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()

	e1 := user("e1", "s1", 1, 0, "No, that's not what I asked for")
	first, err := h.engine.Process(ctx, e1)
	require.NoError(t, err)
	require.NotEmpty(t, first.Signals)

	again, err := h.engine.Process(ctx, e1)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Empty(t, again.Signals)

	h.drain()
	assert.Len(t, h.records(t, "s1", logging.TierLightweight), 1)
}

func TestEndOfUnknownSessionIsIgnored(t *testing.T) {
	h := newHarness(t, defaultOptions())
	st, err := h.engine.Process(context.Background(), ev("e1", "ghost", 0, 0, events.KindSessionEnd, events.Payload{}))
	require.NoError(t, err)
	assert.True(t, st.Skipped)
	h.drain()
	assert.Empty(t, h.records(t, "ghost", ""))
}

func TestSessionsAreIsolated(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()

	// Two corrections in each of three sessions never reach the storm limit.
	for i, s := range []string{"a", "b", "c"} {
		for j := 0; j < 2; j++ {
			id := s + string(rune('0'+j))
			st, err := h.engine.Process(ctx, user(id, s, j, time.Duration(i*10+j)*time.Second, "No, that's not what I asked for"))
			require.NoError(t, err)
			assert.Nil(t, st.Intervention)
		}
	}
	assert.Equal(t, 3, h.engine.OpenSessions())
	h.drain()
}

// #endregion process

// #region checkpoints

func TestCheckpointProducesMediumRecord(t *testing.T) {
	opt := defaultOptions()
	opt.config.Checkpoint = checkpoint.Config{MessageCount: 2}
	sum := &fakeSummarizer{}
	opt.summarizer = sum
	h := newHarness(t, opt)
	ctx := context.Background()

	_, err := h.engine.Process(ctx, user("e1", "s1", 1, 0, "add a health endpoint"))
	require.NoError(t, err)
	st, err := h.engine.Process(ctx, assistant("e2", "s1", 2, time.Second, "Added /healthz."))
	require.NoError(t, err)
	require.NotNil(t, st.Checkpoint)
	assert.Equal(t, checkpoint.TriggerMessageCount, st.Checkpoint.Trigger)

	h.drain()
	medium := h.records(t, "s1", logging.TierMedium)
	require.Len(t, medium, 1)
	var body logging.MediumEvent
	require.NoError(t, medium[0].Decode(&body))
	assert.Equal(t, "segment of 2 messages", body.Summary)
	assert.Equal(t, 1, body.Checkpoint.Sequence)
	assert.EqualValues(t, 1, sum.summaries.Load())
}

func TestSummarizerFailureDropsMediumOnly(t *testing.T) {
	opt := defaultOptions()
	opt.config.Checkpoint = checkpoint.Config{MessageCount: 1}
	opt.summarizer = &fakeSummarizer{fail: true}
	h := newHarness(t, opt)
	ctx := context.Background()

	for _, e := range []events.Event{
		user("e1", "s1", 1, 0, "hello"),
		ev("e2", "s1", 2, time.Second, events.KindSessionEnd, events.Payload{}),
	} {
		_, err := h.engine.Process(ctx, e)
		require.NoError(t, err)
	}
	h.drain()

	assert.Empty(t, h.records(t, "s1", logging.TierMedium))
	assert.Len(t, h.records(t, "s1", logging.TierLightweight), 2)

	heavy := h.records(t, "s1", logging.TierHeavy)
	require.Len(t, heavy, 1, "heavy assessment survives analysis failure")
	var body logging.HeavyEvent
	require.NoError(t, heavy[0].Decode(&body))
	assert.Nil(t, body.Analysis)
	assert.Equal(t, body.HeuristicScore, body.Score)
	assert.GreaterOrEqual(t, h.engine.dispatch.Failed(), int64(1))
}

func TestHeavyBlendsAnalysis(t *testing.T) {
	opt := defaultOptions()
	sum := &fakeSummarizer{}
	opt.summarizer = sum
	h := newHarness(t, opt)
	ctx := context.Background()

	for _, e := range []events.Event{
		user("e1", "s1", 1, 0, "refactor the cache"),
		assistant("e2", "s1", 2, time.Second, "Done."),
		ev("e3", "s1", 3, 2*time.Second, events.KindSessionEnd, events.Payload{}),
	} {
		_, err := h.engine.Process(ctx, e)
		require.NoError(t, err)
	}
	h.drain()

	heavy := h.records(t, "s1", logging.TierHeavy)
	require.Len(t, heavy, 1)
	var body logging.HeavyEvent
	require.NoError(t, heavy[0].Decode(&body))
	require.NotNil(t, body.Analysis)
	assert.InDelta(t, 0.5*0.2+0.5*body.HeuristicScore, body.Score, 1e-9)
	assert.EqualValues(t, 1, sum.analyses.Load())
}

// #endregion checkpoints

// #region lifecycle

func TestInactivitySweepClosesSessions(t *testing.T) {
	opt := defaultOptions()
	opt.config.InactivityTimeout = time.Minute
	h := newHarness(t, opt)
	ctx := context.Background()

	clock := t0
	h.engine.now = func() time.Time { return clock }

	_, err := h.engine.Process(ctx, user("e1", "s1", 1, 0, "hello"))
	require.NoError(t, err)
	assert.Zero(t, h.engine.Sweep(clock.Add(30*time.Second)))
	assert.Equal(t, 1, h.engine.Sweep(clock.Add(time.Minute)))
	assert.Zero(t, h.engine.OpenSessions())

	h.drain()
	assert.Len(t, h.records(t, "s1", logging.TierHeavy), 1, "burn-in session is assessed")
}

func TestSlowSessionStoreDoesNotBlockShard(t *testing.T) {
	opt := defaultOptions()
	opt.config.Shards = 1
	gate := &gatedSessions{release: make(chan struct{})}
	opt.sessions = func(st SessionStore) SessionStore {
		gate.SessionStore = st
		return gate
	}
	h := newHarness(t, opt)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, errA := h.engine.Process(ctx, user("a1", "A", 1, 0, "first session"))
		_, errB := h.engine.Process(ctx, user("b1", "B", 1, 0, "second session"))
		assert.NoError(t, errA)
		assert.NoError(t, errB)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(gate.release)
		t.Fatal("Process waited on the session store")
	}
	assert.Eventually(t, func() bool { return gate.waiting.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.engine.OpenSessions())

	close(gate.release)
	h.drain()
	a, ok, err := h.store.SessionOrdinal(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, err := h.store.SessionOrdinal(ctx, "B")
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []int{1, 2}, []int{a, b})
}

func TestKnownSessionKeepsStoredOrdinal(t *testing.T) {
	opt := defaultOptions()
	opt.sampling = checkpoint.SamplingConfig{BurnInSessions: 1}
	h := newHarness(t, opt)
	ctx := context.Background()

	// Redelivered after a restart: the store already gave it ordinal 5.
	_, err := h.store.StartSession(ctx, "old", 5, t0)
	require.NoError(t, err)

	_, err = h.engine.Process(ctx, user("e1", "old", 1, 0, "picking up again"))
	require.NoError(t, err)
	h.engine.Wait()
	_, err = h.engine.Process(ctx, ev("e2", "old", 2, time.Second, events.KindSessionEnd, events.Payload{}))
	require.NoError(t, err)
	h.drain()

	assert.Empty(t, h.records(t, "old", logging.TierHeavy), "stored ordinal is past burn-in")
	n, _, err := h.store.SessionOrdinal(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSkippedSessionFeedsAblation(t *testing.T) {
	opt := defaultOptions()
	opt.sampling = checkpoint.SamplingConfig{}
	h := newHarness(t, opt)
	ctx := context.Background()

	require.NoError(t, h.store.UpsertLearning(ctx, attribution.Learning{ID: "L-vet", Content: "Run go vet before committing"}))
	require.NoError(t, h.store.UpsertLearning(ctx, attribution.Learning{ID: "L-tabs", Content: "Makefiles need tabs"}))

	start := ev("e0", "s1", 0, 0, events.KindSessionStart, events.Payload{})
	start.Lineage = events.Lineage{ActiveLearnings: []string{"L-vet"}, WithheldLearnings: []string{"L-tabs"}}
	for _, e := range []events.Event{
		start,
		assistant("e1", "s1", 1, time.Second, "Ran go vet per L-vet, all clean."),
		user("e2", "s1", 2, 2*time.Second, "thanks, looks good"),
		ev("e3", "s1", 3, 3*time.Second, events.KindSessionEnd, events.Payload{}),
	} {
		_, err := h.engine.Process(ctx, e)
		require.NoError(t, err)
	}
	h.drain()

	assert.Empty(t, h.records(t, "s1", logging.TierHeavy))

	active, err := h.store.Exposures(ctx, "L-vet")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.False(t, active[0].Withheld)
	assert.True(t, active[0].Activated)

	withheld, err := h.store.Exposures(ctx, "L-tabs")
	require.NoError(t, err)
	require.Len(t, withheld, 1)
	assert.True(t, withheld[0].Withheld)
	assert.Equal(t, active[0].Score, withheld[0].Score)
}

func TestSkippedSessionStillEnds(t *testing.T) {
	opt := defaultOptions()
	opt.sampling = checkpoint.SamplingConfig{}
	h := newHarness(t, opt)
	ctx := context.Background()

	for _, e := range []events.Event{
		user("e1", "s1", 1, 0, "hello"),
		ev("e2", "s1", 2, time.Second, events.KindSessionEnd, events.Payload{}),
	} {
		_, err := h.engine.Process(ctx, e)
		require.NoError(t, err)
	}
	h.drain()
	assert.Empty(t, h.records(t, "s1", logging.TierHeavy))

	var ended bool
	require.NoError(t, h.store.DB().QueryRow(
		`SELECT ended_at IS NOT NULL FROM sessions WHERE session_id = ?`, "s1").Scan(&ended))
	assert.True(t, ended)
}

func TestRunCommitsAndStopsGracefully(t *testing.T) {
	opt := defaultOptions()
	opt.config.PollTimeout = 20 * time.Millisecond
	h := newHarness(t, opt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log, err := events.OpenLog(ctx, h.store.DB(), "assessment")
	require.NoError(t, err)

	var last int64
	for i, e := range []events.Event{
		user("e1", "s1", 1, 0, "No, that's not what I asked for"),
		user("e2", "s2", 1, 0, "add retries"),
		assistant("e3", "s1", 2, time.Second, "Sorry, fixing."),
		ev("e4", "s2", 2, time.Second, events.KindSessionEnd, events.Payload{}),
	} {
		off, err := log.Append(ctx, e)
		require.NoError(t, err, "append %d", i)
		last = off
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, log) }()

	require.Eventually(t, func() bool {
		c, err := log.Committed(context.Background())
		return err == nil && c == last
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	h.drain()

	assert.Len(t, h.records(t, "s1", logging.TierLightweight), 2)
	assert.Len(t, h.records(t, "s2", logging.TierLightweight), 2)
	assert.Len(t, h.records(t, "s2", logging.TierHeavy), 1)
	assert.Equal(t, 1, h.engine.OpenSessions())
}

// #endregion lifecycle

// #region injection

func TestPlanInjectionNeverWithholdsInBurnIn(t *testing.T) {
	opt := defaultOptions()
	opt.sampling.BurnInSessions = 1
	priors := adaptive.DefaultPriors()
	priors[adaptive.KeyAblationRate] = adaptive.NewParameterWithPrior(100000, 1)
	opt.priors = priors
	h := newHarness(t, opt)
	ctx := context.Background()

	candidates := []string{"L1", "L2", "L3"}
	inject, withhold := h.engine.PlanInjection(ctx, "first", candidates)
	assert.Equal(t, candidates, inject)
	assert.Empty(t, withhold)

	inject, withhold = h.engine.PlanInjection(ctx, "second", candidates)
	assert.Empty(t, inject)
	assert.ElementsMatch(t, candidates, withhold)

	// The ordinal assigned at planning time is kept when the session opens.
	_, err := h.engine.Process(ctx, user("e1", "first", 1, 0, "hi"))
	require.NoError(t, err)
	n, ok, err := h.store.SessionOrdinal(ctx, "first")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, n)
	h.drain()
}

// #endregion injection

// #region dispatcher

func TestDispatcherDropsAfterStop(t *testing.T) {
	d := NewDispatcher(1, time.Second, slog.New(slog.DiscardHandler))
	var ran atomic.Int32
	require.True(t, d.Go("t", "s1", func(context.Context) error { ran.Add(1); return nil }))
	d.Wait()
	d.Stop()
	assert.False(t, d.Go("t", "s1", func(context.Context) error { ran.Add(1); return nil }))
	assert.EqualValues(t, 1, ran.Load())
	assert.EqualValues(t, 1, d.Dropped())
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	d := NewDispatcher(2, 0, slog.New(slog.DiscardHandler))
	var running, peak atomic.Int32
	for i := 0; i < 10; i++ {
		d.Go("t", "s", func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	d.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatcherCountsFailures(t *testing.T) {
	d := NewDispatcher(1, time.Second, slog.New(slog.DiscardHandler))
	d.Go("t", "s", func(context.Context) error { return errors.New("boom") })
	d.Wait()
	assert.EqualValues(t, 1, d.Failed())
}

func TestLimitMapsCancellationToUnavailable(t *testing.T) {
	b := Limit(&fakeSummarizer{}, NewLimiter(0.001))
	ctx := context.Background()

	// The first call consumes the burst.
	_, err := b.Summarize(ctx, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = b.Analyze(ctx, "transcript")
	require.ErrorIs(t, err, capability.ErrUnavailable)
}

func TestUnlimitedLimiterNeverWaits(t *testing.T) {
	b := Limit(&fakeSummarizer{}, NewLimiter(0))
	for i := 0; i < 100; i++ {
		_, err := b.Summarize(context.Background(), nil)
		require.NoError(t, err)
	}
}

// #endregion dispatcher
