package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/voiceops/callgate/pkg/models"
)

// BatchStore persists batch-call campaigns. Batches are created by an
// external collaborator; callgate only mutates them through the aggregator,
// which goes through Update so the read-modify-write of the serialized
// recipient list is serialized by a row lock.
type BatchStore struct {
	db *sqlx.DB
}

// NewBatchStore creates a new BatchStore.
func NewBatchStore(db *sqlx.DB) *BatchStore {
	return &BatchStore{db: db}
}

// Create inserts a batch row. Used by tests and the campaign collaborator.
func (s *BatchStore) Create(ctx context.Context, batch *models.BatchCall) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO batch_calls (batch_id, tenant_id, status, recipients, completed, failed, successful, created_at, completed_at)
		VALUES (:batch_id, :tenant_id, :status, :recipients, :completed, :failed, :successful, :created_at, :completed_at)`,
		batch)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// Get loads a batch by id.
func (s *BatchStore) Get(ctx context.Context, batchID string) (*models.BatchCall, error) {
	var batch models.BatchCall
	err := s.db.GetContext(ctx, &batch,
		`SELECT * FROM batch_calls WHERE batch_id = $1`, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

// Update applies fn to the batch row under a transaction with a row lock,
// then writes the mutated row back. The aggregator's recipient-list
// rewrites and counter recomputation all go through here.
func (s *BatchStore) Update(ctx context.Context, batchID string, fn func(*models.BatchCall) error) (*models.BatchCall, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var batch models.BatchCall
	err = tx.GetContext(ctx, &batch,
		`SELECT * FROM batch_calls WHERE batch_id = $1 FOR UPDATE`, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock batch: %w", err)
	}

	if err := fn(&batch); err != nil {
		return nil, err
	}

	_, err = tx.NamedExecContext(ctx, `
		UPDATE batch_calls
		SET status = :status, recipients = :recipients, completed = :completed,
		    failed = :failed, successful = :successful, completed_at = :completed_at
		WHERE batch_id = :batch_id`,
		&batch)
	if err != nil {
		return nil, fmt.Errorf("failed to update batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch update: %w", err)
	}
	return &batch, nil
}

// ListOpenSince returns PENDING and IN_PROGRESS batches created after the
// cutoff, used for the phone-number fallback match.
func (s *BatchStore) ListOpenSince(ctx context.Context, tenantID int64, since time.Time) ([]models.BatchCall, error) {
	var batches []models.BatchCall
	err := s.db.SelectContext(ctx, &batches, `
		SELECT * FROM batch_calls
		WHERE tenant_id = $1 AND status IN ($2, $3) AND created_at > $4
		ORDER BY created_at DESC`,
		tenantID, models.BatchPending, models.BatchInProgress, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list open batches: %w", err)
	}
	return batches, nil
}
