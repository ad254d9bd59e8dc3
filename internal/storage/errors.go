package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrRunbookInUse is returned when deleting a runbook that sessions
// reference. Executed runbooks are part of the audit record.
var ErrRunbookInUse = errors.New("storage: runbook referenced by sessions")

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
var ErrDuplicate = errors.New("storage: duplicate")
