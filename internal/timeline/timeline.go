// Package timeline records the append-only audit trail of session activity.
//
// The timeline is the audit-of-record: a failure to persist an event
// propagates to the caller rather than being dropped, and recorded
// events are never mutated or deleted.
package timeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/storage"
)

// Recorder appends and reads session timeline events.
type Recorder interface {
	// Record appends one event. Must not fail silently.
	Record(ctx context.Context, event model.TimelineEvent) error

	// ListForSession returns a session's events ordered by time ascending.
	ListForSession(ctx context.Context, sessionID uuid.UUID) ([]model.TimelineEvent, error)
}

// StorageRecorder is the Postgres-backed Recorder.
type StorageRecorder struct {
	db *storage.DB
}

var _ Recorder = (*StorageRecorder)(nil)

// NewStorageRecorder creates a Recorder over the given storage layer.
func NewStorageRecorder(db *storage.DB) *StorageRecorder {
	return &StorageRecorder{db: db}
}

// Record appends one event to the persistent timeline.
func (r *StorageRecorder) Record(ctx context.Context, event model.TimelineEvent) error {
	return r.db.InsertTimelineEvent(ctx, event)
}

// ListForSession returns a session's events in append order.
func (r *StorageRecorder) ListForSession(ctx context.Context, sessionID uuid.UUID) ([]model.TimelineEvent, error) {
	return r.db.ListTimelineEvents(ctx, sessionID)
}
