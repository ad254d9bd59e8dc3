package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/decisionfirst/runbookd/internal/model"
)

const sessionColumns = `id, runbook_id, runbook_version, user_id, status,
	current_node_id, execution_path, container_id, completed_at, created_at, updated_at`

// CreateSession inserts a new session row together with its initial
// timeline events in a single transaction, so a session never exists
// without its session_started audit record.
func (db *DB) CreateSession(ctx context.Context, s model.Session, events ...model.TimelineEvent) (model.Session, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, runbook_id, runbook_version, user_id, status,
		 current_node_id, execution_path, container_id, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.RunbookID, s.RunbookVersion, s.UserID, s.Status,
		s.CurrentNodeID, s.ExecutionPath, s.ContainerID, s.CompletedAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}

	for _, e := range events {
		e.SessionID = s.ID
		if err := insertTimelineEvent(ctx, tx, e); err != nil {
			return model.Session{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Session{}, fmt.Errorf("storage: commit create session: %w", err)
	}
	return s, nil
}

// GetSession returns one session by id.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ListSessions returns sessions newest first, optionally filtered by user.
func (db *DB) ListSessions(ctx context.Context, userID *uuid.UUID, limit, offset int) ([]model.Session, int, error) {
	where := ``
	countSQL := `SELECT COUNT(*) FROM sessions`
	args := []any{limit, offset}
	countArgs := []any{}
	if userID != nil {
		where = `WHERE user_id = $3`
		countSQL = `SELECT COUNT(*) FROM sessions WHERE user_id = $1`
		args = append(args, *userID)
		countArgs = append(countArgs, *userID)
	}

	var total int
	if err := db.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions `+where+`
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.Session, 0, limit)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	return sessions, total, nil
}

// ApplyTransition persists one state-machine transition atomically:
// the session's mutable fields and the timeline events it emitted are
// written in a single transaction, so a transition is either fully
// applied or not applied at all. Serialization failures and deadlocks
// are retried with backoff.
func (db *DB) ApplyTransition(ctx context.Context, s model.Session, events []model.TimelineEvent) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return db.applyTransition(ctx, s, events)
	})
}

func (db *DB) applyTransition(ctx context.Context, s model.Session, events []model.TimelineEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET status = $2, current_node_id = $3, execution_path = $4,
		 container_id = $5, completed_at = $6, updated_at = now()
		 WHERE id = $1`,
		s.ID, s.Status, s.CurrentNodeID, s.ExecutionPath, s.ContainerID, s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	for _, e := range events {
		if err := insertTimelineEvent(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit transition: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	err := row.Scan(
		&s.ID, &s.RunbookID, &s.RunbookVersion, &s.UserID, &s.Status,
		&s.CurrentNodeID, &s.ExecutionPath, &s.ContainerID, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: scan session: %w", err)
	}
	return s, nil
}
