package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/voiceops/callgate/pkg/models"
)

// TenantStore manages tenant subscription rows and their per-tenant
// active-call counters. All counter mutations are conditional updates;
// reads may be stale and must never be used as a gate.
type TenantStore struct {
	db *sqlx.DB
}

// NewTenantStore creates a new TenantStore.
func NewTenantStore(db *sqlx.DB) *TenantStore {
	return &TenantStore{db: db}
}

// GetSubscription loads a tenant's subscription row.
func (s *TenantStore) GetSubscription(ctx context.Context, tenantID int64) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.GetContext(ctx, &sub,
		`SELECT * FROM subscriptions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// ConditionalIncrement bumps active_calls only while it is below limit,
// in a single conditional update. Returns false when the tenant is at its
// cap (zero rows modified).
func (s *TenantStore) ConditionalIncrement(ctx context.Context, tenantID int64, limit int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET active_calls = active_calls + 1, updated_at = now()
		WHERE tenant_id = $1 AND active_calls < $2`,
		tenantID, limit)
	if err != nil {
		return false, fmt.Errorf("failed to increment active calls: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// Decrement lowers active_calls with a floor at zero, so a mis-paired
// release leaves the counter at 0 instead of going negative.
func (s *TenantStore) Decrement(ctx context.Context, tenantID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET active_calls = GREATEST(active_calls - 1, 0), updated_at = now()
		WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return fmt.Errorf("failed to decrement active calls: %w", err)
	}
	return nil
}

// FloorNegativeCounters resets any counter that has drifted below zero.
// Run by the reconciliation sweep as a safety net.
func (s *TenantStore) FloorNegativeCounters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET active_calls = 0, updated_at = now()
		WHERE active_calls < 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to floor negative counters: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows, nil
}

// AddUsedMinutes records minute usage and reports which bucket absorbed it:
// the included allowance, then promotional credit, then metered overage.
// Classification reads the counters the UPDATE itself returns, so two
// concurrent call-ends near a bucket boundary cannot both claim the
// cheaper bucket.
func (s *TenantStore) AddUsedMinutes(ctx context.Context, tenantID int64, minutes int) (models.UsageSource, error) {
	var row struct {
		UsedMinutes     int `db:"used_minutes"`
		IncludedMinutes int `db:"included_minutes"`
		CreditMinutes   int `db:"credit_minutes"`
	}
	err := s.db.GetContext(ctx, &row, `
		UPDATE subscriptions
		SET used_minutes = used_minutes + $2, updated_at = now()
		WHERE tenant_id = $1
		RETURNING used_minutes, included_minutes, credit_minutes`,
		tenantID, minutes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to record used minutes: %w", err)
	}

	switch {
	case row.UsedMinutes <= row.IncludedMinutes:
		return models.UsagePackage, nil
	case row.UsedMinutes <= row.IncludedMinutes+row.CreditMinutes:
		return models.UsageCredit, nil
	default:
		return models.UsageOverage, nil
	}
}
