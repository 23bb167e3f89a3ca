package models

import "time"

// UsageSource classifies which bucket paid for a call's minutes.
type UsageSource string

const (
	UsagePackage UsageSource = "package"
	UsageCredit  UsageSource = "credit"
	UsageOverage UsageSource = "overage"
)

// CallLog is the final per-call record written when a call ends. It is the
// tenant-visible call history row; terminated_* sessions get one too so
// capacity events are observable rather than silent drops.
type CallLog struct {
	ID              string      `db:"call_log_id" json:"call_log_id"`
	CallID          string      `db:"call_id" json:"call_id"`
	TenantID        int64       `db:"tenant_id" json:"tenant_id"`
	Direction       Direction   `db:"direction" json:"direction"`
	Outcome         string      `db:"outcome" json:"outcome"`
	DurationSeconds int         `db:"duration_seconds" json:"duration_seconds"`
	DurationMinutes int         `db:"duration_minutes" json:"duration_minutes"`
	UsageSource     UsageSource `db:"usage_source" json:"usage_source"`
	Transcript      *string     `db:"transcript" json:"transcript,omitempty"`
	BatchCallID     *string     `db:"batch_call_id" json:"batch_call_id,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
}
