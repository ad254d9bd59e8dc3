package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/decisionfirst/runbookd/internal/model"
)

const runbookColumns = `id, version, title, description, owner_id, severity,
	execution_environment, decision_tree, tags, created_at, updated_at`

// CreateRunbook inserts a new runbook at version 1.
// The caller is responsible for validating the decision tree first;
// an invalid tree must never reach this method.
func (db *DB) CreateRunbook(ctx context.Context, rb model.Runbook) (model.Runbook, error) {
	if rb.ID == uuid.Nil {
		rb.ID = uuid.New()
	}
	rb.Version = 1
	now := time.Now().UTC()
	rb.CreatedAt = now
	rb.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO runbooks (id, version, title, description, owner_id, severity,
		 execution_environment, decision_tree, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rb.ID, rb.Version, rb.Title, rb.Description, rb.OwnerID, rb.Severity,
		rb.ExecutionEnvironment, rb.DecisionTree, rb.Tags, rb.CreatedAt, rb.UpdatedAt,
	)
	if err != nil {
		return model.Runbook{}, fmt.Errorf("storage: create runbook: %w", err)
	}
	return rb, nil
}

// InsertRunbookVersion inserts rb as the next version of an existing
// runbook and returns the stored row. Published versions are immutable,
// so an edit is always a new row.
func (db *DB) InsertRunbookVersion(ctx context.Context, rb model.Runbook) (model.Runbook, error) {
	now := time.Now().UTC()
	rb.UpdatedAt = now

	err := db.pool.QueryRow(ctx,
		`INSERT INTO runbooks (id, version, title, description, owner_id, severity,
		 execution_environment, decision_tree, tags, created_at, updated_at)
		 SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		 FROM runbooks WHERE id = $1
		 RETURNING version, created_at`,
		rb.ID, rb.Title, rb.Description, rb.OwnerID, rb.Severity,
		rb.ExecutionEnvironment, rb.DecisionTree, rb.Tags, now, now,
	).Scan(&rb.Version, &rb.CreatedAt)
	if err != nil {
		return model.Runbook{}, fmt.Errorf("storage: insert runbook version: %w", err)
	}
	return rb, nil
}

// GetRunbook returns the latest version of the runbook with the given id.
func (db *DB) GetRunbook(ctx context.Context, id uuid.UUID) (model.Runbook, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runbookColumns+` FROM runbooks
		 WHERE id = $1 ORDER BY version DESC LIMIT 1`, id)
	return scanRunbook(row)
}

// GetRunbookVersion returns one specific published version of a runbook.
// Sessions resolve their pinned runbook through this method.
func (db *DB) GetRunbookVersion(ctx context.Context, id uuid.UUID, version int) (model.Runbook, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runbookColumns+` FROM runbooks
		 WHERE id = $1 AND version = $2`, id, version)
	return scanRunbook(row)
}

// ListRunbooks returns the latest version of each runbook, newest first,
// with the total count of distinct runbooks.
func (db *DB) ListRunbooks(ctx context.Context, limit, offset int) ([]model.Runbook, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT id) FROM runbooks`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runbooks: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runbookColumns+` FROM (
		   SELECT DISTINCT ON (id) `+runbookColumns+` FROM runbooks
		   ORDER BY id, version DESC
		 ) latest
		 ORDER BY updated_at DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runbooks: %w", err)
	}
	defer rows.Close()

	runbooks := make([]model.Runbook, 0, limit)
	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, 0, err
		}
		runbooks = append(runbooks, rb)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list runbooks: %w", err)
	}
	return runbooks, total, nil
}

// DeleteRunbook removes all versions of a runbook. The foreign key from
// sessions is RESTRICT, so a runbook that was ever executed cannot be
// deleted — the audit trail keeps it referenced.
func (db *DB) DeleteRunbook(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM runbooks WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return ErrRunbookInUse
		}
		return fmt.Errorf("storage: delete runbook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRunbook(row pgx.Row) (model.Runbook, error) {
	var rb model.Runbook
	err := row.Scan(
		&rb.ID, &rb.Version, &rb.Title, &rb.Description, &rb.OwnerID, &rb.Severity,
		&rb.ExecutionEnvironment, &rb.DecisionTree, &rb.Tags, &rb.CreatedAt, &rb.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Runbook{}, ErrNotFound
	}
	if err != nil {
		return model.Runbook{}, fmt.Errorf("storage: scan runbook: %w", err)
	}
	return rb, nil
}
