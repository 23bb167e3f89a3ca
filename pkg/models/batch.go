package models

import "time"

// BatchStatus is the aggregate state of a batch call campaign.
type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchInProgress BatchStatus = "IN_PROGRESS"
	BatchCompleted  BatchStatus = "COMPLETED"
)

// RecipientStatus mirrors the per-recipient call state inside a batch.
type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientInProgress RecipientStatus = "in_progress"
	RecipientCompleted  RecipientStatus = "completed"
	RecipientFailed     RecipientStatus = "failed"
)

// BatchRecipient is one entry in a batch's serialized recipient list.
type BatchRecipient struct {
	ID          string          `json:"id"`
	PhoneNumber string          `json:"phone_number"`
	Status      RecipientStatus `json:"status"`
	CallLogID   *string         `json:"call_log_id,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

// BatchCall is a campaign of outbound call recipients tracked as a single
// aggregate. Invariant: Completed+Failed <= len(Recipients); status is
// COMPLETED iff Completed+Failed == len(Recipients).
type BatchCall struct {
	ID          string      `db:"batch_id" json:"batch_id"`
	TenantID    int64       `db:"tenant_id" json:"tenant_id"`
	Status      BatchStatus `db:"status" json:"status"`
	Recipients  []byte      `db:"recipients" json:"-"`
	Completed   int         `db:"completed" json:"completed"`
	Failed      int         `db:"failed" json:"failed"`
	Successful  int         `db:"successful" json:"successful"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	CompletedAt *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}
