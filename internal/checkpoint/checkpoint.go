package checkpoint

import (
	"time"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

// #region trigger
// Trigger names why a checkpoint was declared.
type Trigger string

const (
	TriggerCommit       Trigger = "commit"
	TriggerBuildPass    Trigger = "build_pass"
	TriggerTaskBoundary Trigger = "task_boundary"
	TriggerMessageCount Trigger = "message_count"
	TriggerTimeElapsed  Trigger = "time_elapsed"
)

// #endregion trigger

// #region config
// Config controls the count and time triggers. Zero disables a trigger.
type Config struct {
	MessageCount int
	Interval     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MessageCount: 20, Interval: 15 * time.Minute}
}

// #endregion config

// #region checkpoint
// Checkpoint is a declared segment boundary. FromIndex..ToIndex is the
// inclusive message-index range the medium assessment should summarize.
type Checkpoint struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Trigger   Trigger   `json:"trigger"`
	FromIndex int       `json:"from_index"`
	ToIndex   int       `json:"to_index"`
	Messages  int       `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
}

// #endregion checkpoint

// #region manager
// Manager declares checkpoints for one session. Not safe for concurrent use.
type Manager struct {
	config    Config
	sessionID string

	started   bool
	fromIndex int
	lastAt    time.Time
	messages  int
	sequence  int
}

// NewManager creates a manager for sessionID.
func NewManager(sessionID string, config Config) *Manager {
	return &Manager{config: config, sessionID: sessionID}
}

// Observe folds one event and its signals into the manager and reports a
// checkpoint when any trigger fires. At most one checkpoint is declared per
// event; structural markers win over count and time.
func (m *Manager) Observe(ev events.Event, sigs []signals.Signal) (Checkpoint, bool) {
	if !m.started {
		m.started = true
		m.fromIndex = ev.MessageIndex
		m.lastAt = ev.Timestamp
	}
	if ev.Kind == events.KindUserInput || ev.Kind == events.KindAssistantOutput {
		m.messages++
	}

	trigger, ok := m.trigger(ev, sigs)
	if !ok {
		return Checkpoint{}, false
	}
	m.sequence++
	cp := Checkpoint{
		SessionID: m.sessionID,
		Sequence:  m.sequence,
		Trigger:   trigger,
		FromIndex: m.fromIndex,
		ToIndex:   ev.MessageIndex,
		Messages:  m.messages,
		Timestamp: ev.Timestamp,
	}
	m.fromIndex = ev.MessageIndex + 1
	m.lastAt = ev.Timestamp
	m.messages = 0
	return cp, true
}

func (m *Manager) trigger(ev events.Event, sigs []signals.Signal) (Trigger, bool) {
	var commit, build, boundary bool
	for _, s := range sigs {
		switch s.Kind {
		case signals.KindCommit:
			commit = true
		case signals.KindBuildPass:
			build = true
		case signals.KindTaskBoundary:
			boundary = true
		}
	}
	switch {
	case commit:
		return TriggerCommit, true
	case build:
		return TriggerBuildPass, true
	case boundary:
		return TriggerTaskBoundary, true
	case m.config.MessageCount > 0 && m.messages >= m.config.MessageCount:
		return TriggerMessageCount, true
	case m.config.Interval > 0 && !ev.Timestamp.Before(m.lastAt.Add(m.config.Interval)):
		return TriggerTimeElapsed, true
	}
	return "", false
}

// Pending reports how many messages have accumulated since the last checkpoint.
func (m *Manager) Pending() int { return m.messages }

// Declared returns how many checkpoints this session has produced.
func (m *Manager) Declared() int { return m.sequence }

// #endregion manager
