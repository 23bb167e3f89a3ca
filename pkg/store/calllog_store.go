package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/voiceops/callgate/pkg/models"
)

// CallLogStore persists the tenant-visible call history rows.
type CallLogStore struct {
	db *sqlx.DB
}

// NewCallLogStore creates a new CallLogStore.
func NewCallLogStore(db *sqlx.DB) *CallLogStore {
	return &CallLogStore{db: db}
}

// Create inserts a call-log row, minting an id when absent.
func (s *CallLogStore) Create(ctx context.Context, log *models.CallLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO call_logs (call_log_id, call_id, tenant_id, direction, outcome,
		    duration_seconds, duration_minutes, usage_source, transcript, batch_call_id, created_at)
		VALUES (:call_log_id, :call_id, :tenant_id, :direction, :outcome,
		    :duration_seconds, :duration_minutes, :usage_source, :transcript, :batch_call_id, :created_at)`,
		log)
	if err != nil {
		return fmt.Errorf("failed to create call log: %w", err)
	}
	return nil
}

// ListByTenant returns a tenant's call history, newest first.
func (s *CallLogStore) ListByTenant(ctx context.Context, tenantID int64, limit int) ([]models.CallLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []models.CallLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM call_logs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list call logs: %w", err)
	}
	return logs, nil
}
