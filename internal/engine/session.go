package engine

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/eval"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

// #region pipeline

// Pipeline is the synchronous per-event path of one session: detector,
// then breaker, then checkpoint manager. It performs no I/O.
type Pipeline struct {
	sessionID   string
	detector    *signals.Detector
	breaker     *breaker.Breaker
	checkpoints *checkpoint.Manager
}

// NewPipeline builds the per-session components from cfg.
func NewPipeline(sessionID string, cfg Config, thresholds breaker.Thresholds) *Pipeline {
	return &Pipeline{
		sessionID:   sessionID,
		detector:    signals.NewDetector(cfg.Detector),
		breaker:     breaker.New(sessionID, cfg.Breaker, thresholds),
		checkpoints: checkpoint.NewManager(sessionID, cfg.Checkpoint),
	}
}

// Step is what the synchronous path produced for one event.
type Step struct {
	Event        events.Event
	Signals      []signals.Signal
	Frustration  float64
	Success      float64
	Breaker      breaker.Status
	Intervention *breaker.Intervention
	Checkpoint   *checkpoint.Checkpoint
	Skipped      bool // event already seen in this session
}

// Step runs one event through the session's components.
func (p *Pipeline) Step(ev events.Event) Step {
	sigs := p.detector.Detect(ev)

	p.breaker.SetFrustration(p.detector.Frustration())
	for _, s := range sigs {
		p.breaker.Observe(s)
	}

	st := Step{
		Event:       ev,
		Signals:     sigs,
		Frustration: p.detector.Frustration(),
		Success:     p.detector.Success(),
	}
	if iv, ok := p.breaker.ShouldIntervene(ev.Timestamp); ok {
		st.Intervention = &iv
	}
	if cp, ok := p.checkpoints.Observe(ev, sigs); ok {
		st.Checkpoint = &cp
	}
	st.Breaker = p.breaker.Status()
	return st
}

// Breaker exposes the session's breaker for end-of-session decisions.
func (p *Pipeline) Breaker() *breaker.Breaker { return p.breaker }

// Detector exposes the session's detector.
func (p *Pipeline) Detector() *signals.Detector { return p.detector }

// Lightweight renders the step as a lightweight assessment body.
func (s Step) Lightweight() logging.LightweightEvent {
	return logging.LightweightEvent{
		EventID:      s.Event.ID,
		MessageIndex: s.Event.MessageIndex,
		Kind:         s.Event.Kind,
		Signals:      s.Signals,
		Frustration:  s.Frustration,
		Success:      s.Success,
		Breaker:      s.Breaker,
		Intervention: s.Intervention,
		Checkpoint:   s.Checkpoint,
	}
}

// #endregion pipeline

// #region session

// session is the in-memory state of one open session. It is only touched
// by the shard that owns its id, except for ordinal.
type session struct {
	id        string
	ordinal   atomic.Int64 // corrected by the start task for known sessions
	startedAt time.Time
	pipe      *Pipeline
	lineage   events.Lineage
	seen      map[string]struct{}
	lastSeen  time.Time // wall clock of the last event
	lastAt    time.Time // event time of the last event

	signals    []signals.Signal
	outputs    []attribution.Output
	messages   int
	feedback   *float64
	segment    []capability.Message
	segSignals []signals.Signal
	transcript transcript
}

func newSession(id string, ordinal int, startedAt time.Time, pipe *Pipeline, maxTranscript int) *session {
	s := &session{
		id:         id,
		startedAt:  startedAt,
		pipe:       pipe,
		seen:       make(map[string]struct{}),
		transcript: transcript{max: maxTranscript},
	}
	s.ordinal.Store(int64(ordinal))
	return s
}

// absorb folds the event and its step into the session's history.
func (s *session) absorb(ev events.Event, st Step, maxSegment int) {
	s.lineage = mergeLineage(s.lineage, ev.Lineage)
	s.lastAt = ev.Timestamp
	s.signals = append(s.signals, st.Signals...)
	s.segSignals = append(s.segSignals, st.Signals...)

	switch ev.Kind {
	case events.KindUserInput:
		s.messages++
		s.addSegment(capability.Message{Role: "user", Content: ev.UserContent()}, maxSegment)
		s.transcript.add("user", ev.UserContent())
	case events.KindAssistantOutput:
		s.messages++
		s.outputs = append(s.outputs, attribution.Output{Index: ev.MessageIndex, Text: ev.AssistantContent()})
		s.addSegment(capability.Message{Role: "assistant", Content: ev.AssistantContent()}, maxSegment)
		s.transcript.add("assistant", ev.AssistantContent())
	case events.KindToolPost:
		s.transcript.add("tool", toolLine(ev))
	case events.KindFeedback:
		if ev.Payload.Rating != nil {
			r := *ev.Payload.Rating
			s.feedback = &r
		}
	}
}

func (s *session) addSegment(m capability.Message, max int) {
	s.segment = append(s.segment, m)
	if max > 0 && len(s.segment) > max {
		s.segment = s.segment[len(s.segment)-max:]
	}
}

// takeSegment returns and resets the messages since the last checkpoint.
func (s *session) takeSegment() ([]capability.Message, []signals.Signal) {
	msgs, sigs := s.segment, s.segSignals
	s.segment, s.segSignals = nil, nil
	return msgs, sigs
}

func (s *session) summary() checkpoint.SessionSummary {
	return checkpoint.SessionSummary{
		SessionID:    s.id,
		Ordinal:      int(s.ordinal.Load()),
		BreakerFired: s.pipe.Breaker().Fired(),
		HasFeedback:  s.feedback != nil,
		Messages:     s.messages,
	}
}

// closed is the immutable view of an ended session handed to background
// assessment.
type closed struct {
	id            string
	ordinal       int
	lineage       events.Lineage
	startedAt     time.Time
	endedAt       time.Time
	signals       []signals.Signal
	outputs       []attribution.Output
	interventions []breaker.Intervention
	frustration   float64
	success       float64
	feedback      *float64
	transcript    string
}

func (s *session) close() closed {
	return closed{
		id:            s.id,
		ordinal:       int(s.ordinal.Load()),
		lineage:       s.lineage,
		startedAt:     s.startedAt,
		endedAt:       s.lastAt,
		signals:       s.signals,
		outputs:       s.outputs,
		interventions: s.pipe.Breaker().History(),
		frustration:   s.pipe.Detector().Frustration(),
		success:       s.pipe.Detector().Success(),
		feedback:      s.feedback,
		transcript:    s.transcript.String(),
	}
}

func (c closed) evidence() eval.SessionEvidence {
	return eval.SessionEvidence{
		Signals:          c.signals,
		Interventions:    len(c.interventions),
		FinalFrustration: c.frustration,
		FinalSuccess:     c.success,
		Feedback:         c.feedback,
	}
}

// #endregion session

// #region helpers

// mergeLineage fills fields of cur that are still empty from next.
func mergeLineage(cur, next events.Lineage) events.Lineage {
	if len(cur.ActiveLearnings) == 0 {
		cur.ActiveLearnings = next.ActiveLearnings
	}
	if len(cur.WithheldLearnings) == 0 {
		cur.WithheldLearnings = next.WithheldLearnings
	}
	if cur.InjectionMethod == "" {
		cur.InjectionMethod = next.InjectionMethod
	}
	if cur.HarnessID == "" {
		cur.HarnessID = next.HarnessID
	}
	if cur.ProjectID == "" {
		cur.ProjectID = next.ProjectID
	}
	if cur.UserID == "" {
		cur.UserID = next.UserID
	}
	return cur
}

func toolLine(ev events.Event) string {
	out := ev.ToolOutput()
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	if len(out) > 200 {
		out = out[:200]
	}
	if ev.Payload.ExitCode != nil {
		return fmt.Sprintf("%s exit=%d %s", ev.Payload.ToolName, *ev.Payload.ExitCode, out)
	}
	return strings.TrimSpace(ev.Payload.ToolName + " " + out)
}

// transcript keeps the most recent lines under a byte budget.
type transcript struct {
	max   int
	lines []string
	size  int
}

func (t *transcript) add(role, text string) {
	if text == "" {
		return
	}
	line := role + ": " + text
	if t.max > 0 && len(line) > t.max {
		line = line[len(line)-t.max:]
	}
	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.max > 0 && t.size > t.max && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *transcript) String() string { return strings.Join(t.lines, "\n") }

// #endregion helpers
