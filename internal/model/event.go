package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a timeline event.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventDecisionMade     EventType = "decision_made"
	EventActionExecuted   EventType = "action_executed"
	EventCommandRun       EventType = "command_run"
	EventSessionPaused    EventType = "session_paused"
	EventSessionResumed   EventType = "session_resumed"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventNoteAdded        EventType = "note_added"
)

// TimelineEvent is an append-only audit record of one session-level
// occurrence. Source of truth for incident review. Never mutated or deleted.
type TimelineEvent struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    uuid.UUID `json:"user_id"`
	Data      any       `json:"data"`
}

// SessionStartedPayload is the payload for session_started events.
type SessionStartedPayload struct {
	RunbookID      uuid.UUID `json:"runbook_id"`
	RunbookTitle   string    `json:"runbook_title"`
	RunbookVersion int       `json:"runbook_version"`
	RootNodeID     string    `json:"root_node_id"`
	ContainerID    string    `json:"container_id,omitempty"`
}

// DecisionMadePayload is the payload for decision_made events.
type DecisionMadePayload struct {
	NodeID            string `json:"node_id"`
	Question          string `json:"question"`
	OptionIndex       int    `json:"option_index"`
	OptionDescription string `json:"option_description"`
	NextNodeID        string `json:"next_node_id"`
}

// CommandRunPayload is the payload for command_run events.
type CommandRunPayload struct {
	NodeID     string `json:"node_id"`
	Command    string `json:"command"`
	ExitCode   *int   `json:"exit_code"` // nil when the command timed out
	TimedOut   bool   `json:"timed_out"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ActionExecutedPayload is the payload for action_executed events.
type ActionExecutedPayload struct {
	NodeID        string `json:"node_id"`
	Title         string `json:"title"`
	Success       bool   `json:"success"`
	CommandsRun   int    `json:"commands_run"`
	FailureDetail string `json:"failure_detail,omitempty"`
}

// SessionPausedPayload is the payload for session_paused events.
type SessionPausedPayload struct {
	NodeID string `json:"node_id"`
}

// SessionResumedPayload is the payload for session_resumed events.
type SessionResumedPayload struct {
	NodeID string `json:"node_id"`
}

// SessionCompletedPayload is the payload for session_completed events.
type SessionCompletedPayload struct {
	NodeID     string `json:"node_id"`
	PathLength int    `json:"path_length"`
}

// SessionFailedPayload is the payload for session_failed events.
type SessionFailedPayload struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// NoteAddedPayload is the payload for note_added events: a free-form
// operator annotation tied to the node the session was at.
type NoteAddedPayload struct {
	NodeID string `json:"node_id"`
	Note   string `json:"note"`
}
