package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/decisionfirst/runbookd/internal/model"
)

// execer covers both *pgxpool.Pool and pgx.Tx so events can be inserted
// standalone or inside a transition transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertTimelineEvent appends one event to the timeline. A persistence
// failure propagates to the caller — the timeline is the audit-of-record
// and must never silently drop entries.
func (db *DB) InsertTimelineEvent(ctx context.Context, e model.TimelineEvent) error {
	return insertTimelineEvent(ctx, db.pool, e)
}

func insertTimelineEvent(ctx context.Context, ex execer, e model.TimelineEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := ex.Exec(ctx,
		`INSERT INTO timeline_events (id, session_id, event_type, timestamp, user_id, data)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SessionID, e.EventType, e.Timestamp, e.UserID, e.Data,
	)
	if err != nil {
		return fmt.Errorf("storage: insert timeline event: %w", err)
	}
	return nil
}

// ListTimelineEvents returns a session's events in append order
// (timestamp ascending, ties broken by insert sequence).
func (db *DB) ListTimelineEvents(ctx context.Context, sessionID uuid.UUID) ([]model.TimelineEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, event_type, timestamp, user_id, data
		 FROM timeline_events
		 WHERE session_id = $1
		 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list timeline events: %w", err)
	}
	defer rows.Close()

	var events []model.TimelineEvent
	for rows.Next() {
		var e model.TimelineEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Timestamp, &e.UserID, &e.Data); err != nil {
			return nil, fmt.Errorf("storage: scan timeline event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
