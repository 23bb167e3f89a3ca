package models

import "time"

// Webhook event types accepted from the upstream provider.
const (
	EventCallStarted = "call-started"
	EventCallEnded   = "call-ended"
	EventPostCall    = "post-call-transcription"
)

// WebhookEvent is one processed provider event, keyed for idempotency on
// (tenant_id, event_type, external_event_id). Duplicates within the
// retention window are acknowledged without side effects.
type WebhookEvent struct {
	ID              int64     `db:"id" json:"id"`
	TenantID        int64     `db:"tenant_id" json:"tenant_id"`
	EventType       string    `db:"event_type" json:"event_type"`
	ExternalEventID string    `db:"external_event_id" json:"external_event_id"`
	ProcessedAt     time.Time `db:"processed_at" json:"processed_at"`
}

// PhoneNumber maps a provider phone number to its tenant and inbound
// assistant. Consulted when resolving inbound call-started events.
type PhoneNumber struct {
	ID              string  `db:"phone_number_id" json:"phone_number_id"`
	TenantID        int64   `db:"tenant_id" json:"tenant_id"`
	Number          string  `db:"number" json:"number"`
	AssistantID     *string `db:"assistant_id" json:"assistant_id,omitempty"`
	AssistantActive bool    `db:"assistant_active" json:"assistant_active"`
}
