package models

import "time"

// Direction is the direction of a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SessionStatus is the lifecycle state of a call session.
// active is the only non-terminal state; transitions out of a terminal
// state are ignored.
type SessionStatus string

const (
	SessionActive             SessionStatus = "active"
	SessionEnded              SessionStatus = "ended"
	SessionTerminatedCapacity SessionStatus = "terminated_capacity"
	SessionTerminatedDisabled SessionStatus = "terminated_disabled"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	return s != SessionActive
}

// End reasons recorded on MarkEnded.
const (
	EndReasonCompleted   = "completed"
	EndReasonOrphaned    = "orphaned"
	EndReasonProvider429 = "provider_429"
)

// Session is one admitted call attempt. Postgres is the system of record
// for completed-session facts; a row with status=active implies a matching
// entry in the global capacity store's active-calls map.
type Session struct {
	CallID    string        `db:"call_id" json:"call_id"`
	TenantID  int64         `db:"tenant_id" json:"tenant_id"`
	Plan      Plan          `db:"plan" json:"plan"`
	Direction Direction     `db:"direction" json:"direction"`
	Status    SessionStatus `db:"status" json:"status"`
	EndReason *string       `db:"end_reason" json:"end_reason,omitempty"`
	StartedAt time.Time     `db:"started_at" json:"started_at"`
	EndedAt   *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	Metadata  JSONMap       `db:"metadata" json:"metadata,omitempty"`
}
