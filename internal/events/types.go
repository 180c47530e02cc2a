package events

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks an event the engine cannot interpret.
var ErrMalformed = errors.New("malformed event")

// #region kind

// Kind discriminates the event payload.
type Kind string

const (
	KindSessionStart    Kind = "session_start"
	KindSessionEnd      Kind = "session_end"
	KindUserInput       Kind = "user_input"
	KindAssistantOutput Kind = "assistant_output"
	KindToolPre         Kind = "tool_pre"
	KindToolPost        Kind = "tool_post"
	KindHook            Kind = "hook"
	KindFeedback        Kind = "feedback"
)

func (k Kind) valid() bool {
	switch k {
	case KindSessionStart, KindSessionEnd, KindUserInput, KindAssistantOutput,
		KindToolPre, KindToolPost, KindHook, KindFeedback:
		return true
	}
	return false
}

// #endregion kind

// #region payload

// Payload carries the kind-specific fields. Only the fields relevant to
// the event's Kind are populated.
type Payload struct {
	Content    string   `json:"content,omitempty"`
	ToolName   string   `json:"tool_name,omitempty"`
	ToolOutput string   `json:"tool_output,omitempty"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	HookName   string   `json:"hook_name,omitempty"`
	Rating     *float64 `json:"rating,omitempty"` // explicit user feedback in [0,1]
}

// Lineage identifies what was injected into the session and where it ran,
// so downstream consumers can reconstruct causality without joins.
type Lineage struct {
	ActiveLearnings   []string `json:"active_learnings,omitempty"`
	WithheldLearnings []string `json:"withheld_learnings,omitempty"`
	InjectionMethod   string   `json:"injection_method,omitempty"`
	HarnessID         string   `json:"harness_id,omitempty"`
	ProjectID         string   `json:"project_id,omitempty"`
	UserID            string   `json:"user_id,omitempty"`
}

// #endregion payload

// #region event

// Event is one entry of the ordered session event stream.
type Event struct {
	ID           string    `json:"id"`
	Offset       int64     `json:"offset,omitempty"`
	SessionID    string    `json:"session_id"`
	MessageIndex int       `json:"message_index"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         Kind      `json:"kind"`
	Payload      Payload   `json:"payload"`
	Lineage      Lineage   `json:"lineage"`
}

// UserContent returns the user's text for user input events.
func (e Event) UserContent() string {
	if e.Kind != KindUserInput {
		return ""
	}
	return e.Payload.Content
}

// AssistantContent returns the assistant's text for output events.
func (e Event) AssistantContent() string {
	if e.Kind != KindAssistantOutput {
		return ""
	}
	return e.Payload.Content
}

// ToolOutput returns captured tool output for post-tool events.
func (e Event) ToolOutput() string {
	if e.Kind != KindToolPost {
		return ""
	}
	return e.Payload.ToolOutput
}

// Validate reports whether the event carries the fields the engine needs.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformed)
	case e.SessionID == "":
		return fmt.Errorf("%w: event %s missing session_id", ErrMalformed, e.ID)
	case !e.Kind.valid():
		return fmt.Errorf("%w: event %s has unknown kind %q", ErrMalformed, e.ID, e.Kind)
	case e.MessageIndex < 0:
		return fmt.Errorf("%w: event %s has negative message_index", ErrMalformed, e.ID)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: event %s missing timestamp", ErrMalformed, e.ID)
	}
	return nil
}

// #endregion event
