package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a runbook execution session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transitions are accepted from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is one operator's live traversal of a runbook's decision tree.
// Sessions pin the runbook version captured at start and are unaffected
// by later edits. They are never deleted, only terminated into
// completed or failed for audit retention.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	RunbookID      uuid.UUID     `json:"runbook_id"`
	RunbookVersion int           `json:"runbook_version"`
	UserID         uuid.UUID     `json:"user_id"`
	Status         SessionStatus `json:"status"`
	CurrentNodeID  string        `json:"current_node_id"`

	// ExecutionPath is the append-only history of visited node ids.
	// Its last element always equals CurrentNodeID.
	ExecutionPath []string `json:"execution_path"`

	// ContainerID is the provisioned sandbox handle, empty once released.
	ContainerID string `json:"container_id,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
