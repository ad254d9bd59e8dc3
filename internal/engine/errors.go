package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for illegal or conflicting transitions. All of these
// are recoverable from the caller's perspective: the session is left
// exactly as it was before the call.
var (
	// ErrInvalidChoice is returned when a decision's option index is out of range.
	ErrInvalidChoice = errors.New("engine: option index out of range")

	// ErrSessionTerminated is returned for any operation on a completed or failed session.
	ErrSessionTerminated = errors.New("engine: session is terminated")

	// ErrSessionNotActive is returned when a transition requires an active session.
	ErrSessionNotActive = errors.New("engine: session is not active")

	// ErrSessionNotPaused is returned when resume is called on a session that is not paused.
	ErrSessionNotPaused = errors.New("engine: session is not paused")

	// ErrConcurrencyConflict is returned when another transition is already
	// in flight for the same session. The caller may retry.
	ErrConcurrencyConflict = errors.New("engine: concurrent transition in flight")

	// ErrNotDecisionNode is returned when a decision is submitted at an action node.
	ErrNotDecisionNode = errors.New("engine: current node is not a decision node")

	// ErrNotActionNode is returned when an action execution is requested at a decision node.
	ErrNotActionNode = errors.New("engine: current node is not an action node")
)

// ProvisionError indicates the execution environment could not be
// created or driven. The session is never left active without a usable
// environment.
type ProvisionError struct {
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("engine: environment provisioning failed: %v", e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
