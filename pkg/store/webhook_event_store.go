package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// WebhookEventStore records processed provider events for idempotency.
// Every upstream event may be redelivered; duplicates within the retention
// window are acknowledged without side effects.
type WebhookEventStore struct {
	db *sqlx.DB
}

// NewWebhookEventStore creates a new WebhookEventStore.
func NewWebhookEventStore(db *sqlx.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

// MarkProcessed records an event and reports whether it was already seen.
// The insert races benignly with concurrent deliveries; the unique key on
// (tenant_id, event_type, external_event_id) makes exactly one win.
func (s *WebhookEventStore) MarkProcessed(ctx context.Context, tenantID int64, eventType, externalEventID string) (duplicate bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (tenant_id, event_type, external_event_id, processed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, event_type, external_event_id) DO NOTHING`,
		tenantID, eventType, externalEventID)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 0, nil
}

// PurgeOlderThan removes processed-event rows past the retention window.
func (s *WebhookEventStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows, nil
}
