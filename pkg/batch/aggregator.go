// Package batch maintains per-campaign recipient state and aggregate
// progress counters derived from call lifecycle events.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voiceops/callgate/pkg/models"
	"github.com/voiceops/callgate/pkg/store"
)

// fallbackWindow bounds how far back the phone-number fallback match looks
// for an open batch when an event arrives without batch ids.
const fallbackWindow = 24 * time.Hour

// Store is the persistence surface the aggregator needs.
type Store interface {
	Update(ctx context.Context, batchID string, fn func(*models.BatchCall) error) (*models.BatchCall, error)
	ListOpenSince(ctx context.Context, tenantID int64, since time.Time) ([]models.BatchCall, error)
}

// Event is one call lifecycle observation relevant to a batch.
type Event struct {
	TenantID    int64
	BatchCallID string // may be empty; falls back to phone matching
	RecipientID string
	PhoneNumber string // external number, used by the fallback
	Started     bool   // true for call-started, false for call-ended
	Success     bool   // meaningful on call-ended
	CallLogID   string
}

// Aggregator applies call events to batch campaigns.
type Aggregator struct {
	batches Store
}

// NewAggregator creates a batch aggregator.
func NewAggregator(batches Store) *Aggregator {
	return &Aggregator{batches: batches}
}

// Apply updates the recipient's status mirror and recomputes the aggregate
// counters. When the direct ids are missing it matches by external phone
// number against PENDING/IN_PROGRESS recipients of recent open batches.
// An event that matches no batch is ignored with a warning; batch linkage
// is best-effort and must never fail call processing.
func (a *Aggregator) Apply(ctx context.Context, evt Event) error {
	batchID := evt.BatchCallID
	recipientID := evt.RecipientID

	if batchID == "" || recipientID == "" {
		var err error
		batchID, recipientID, err = a.matchByPhone(ctx, evt)
		if err != nil {
			return err
		}
		if batchID == "" {
			slog.Warn("Batch event matched no open batch",
				"tenant_id", evt.TenantID, "phone", evt.PhoneNumber)
			return nil
		}
	}

	_, err := a.batches.Update(ctx, batchID, func(batch *models.BatchCall) error {
		return applyToBatch(batch, recipientID, evt)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Batch event referenced unknown batch", "batch_id", batchID)
			return nil
		}
		return fmt.Errorf("failed to apply batch event: %w", err)
	}
	return nil
}

// matchByPhone finds the newest open batch with a pending or in-progress
// recipient at the event's phone number.
func (a *Aggregator) matchByPhone(ctx context.Context, evt Event) (batchID, recipientID string, err error) {
	if evt.PhoneNumber == "" {
		return "", "", nil
	}
	batches, err := a.batches.ListOpenSince(ctx, evt.TenantID, time.Now().Add(-fallbackWindow))
	if err != nil {
		return "", "", fmt.Errorf("failed to list open batches: %w", err)
	}
	for _, batch := range batches {
		recipients, err := DecodeRecipients(batch.Recipients)
		if err != nil {
			slog.Warn("Skipping batch with unparsable recipients", "batch_id", batch.ID, "error", err)
			continue
		}
		for _, r := range recipients {
			if r.PhoneNumber != evt.PhoneNumber {
				continue
			}
			if r.Status == models.RecipientPending || r.Status == models.RecipientInProgress {
				return batch.ID, r.ID, nil
			}
		}
	}
	return "", "", nil
}

// applyToBatch mutates one recipient and recomputes the aggregates.
func applyToBatch(batch *models.BatchCall, recipientID string, evt Event) error {
	recipients, err := DecodeRecipients(batch.Recipients)
	if err != nil {
		return fmt.Errorf("failed to decode recipients for batch %s: %w", batch.ID, err)
	}

	now := time.Now().UTC()
	found := false
	for i := range recipients {
		if recipients[i].ID != recipientID {
			continue
		}
		found = true
		switch {
		case evt.Started:
			// A settled recipient stays settled; late starts are ignored.
			if recipients[i].Status == models.RecipientPending {
				recipients[i].Status = models.RecipientInProgress
				recipients[i].UpdatedAt = &now
			}
		case evt.Success:
			recipients[i].Status = models.RecipientCompleted
			recipients[i].UpdatedAt = &now
			if evt.CallLogID != "" {
				id := evt.CallLogID
				recipients[i].CallLogID = &id
			}
		default:
			recipients[i].Status = models.RecipientFailed
			recipients[i].UpdatedAt = &now
		}
		break
	}
	if !found {
		slog.Warn("Batch event referenced unknown recipient",
			"batch_id", batch.ID, "recipient_id", recipientID)
		return nil
	}

	encoded, err := json.Marshal(recipients)
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}
	batch.Recipients = encoded

	// Recompute aggregates from the list rather than incrementing, so a
	// redelivered event cannot skew the counters.
	completed, failed := 0, 0
	for _, r := range recipients {
		switch r.Status {
		case models.RecipientCompleted:
			completed++
		case models.RecipientFailed:
			failed++
		}
	}
	batch.Completed = completed
	batch.Successful = completed
	batch.Failed = failed

	settled := completed + failed
	switch {
	case settled == len(recipients) && len(recipients) > 0:
		if batch.Status != models.BatchCompleted {
			batch.Status = models.BatchCompleted
			batch.CompletedAt = &now
		}
	case settled > 0 || evt.Started:
		if batch.Status == models.BatchPending {
			batch.Status = models.BatchInProgress
		}
	}
	return nil
}

// DecodeRecipients parses a batch's serialized recipient list.
func DecodeRecipients(raw []byte) ([]models.BatchRecipient, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var recipients []models.BatchRecipient
	if err := json.Unmarshal(raw, &recipients); err != nil {
		return nil, err
	}
	return recipients, nil
}

// EncodeRecipients serializes a recipient list for storage.
func EncodeRecipients(recipients []models.BatchRecipient) ([]byte, error) {
	return json.Marshal(recipients)
}
