package models

import "time"

// SubscriptionStatus is the billing state of a tenant subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionTrial     SubscriptionStatus = "TRIAL"
	SubscriptionPastDue   SubscriptionStatus = "PAST_DUE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// AllowsCalls reports whether the subscription state permits new calls.
func (s SubscriptionStatus) AllowsCalls() bool {
	return s == SubscriptionActive || s == SubscriptionTrial
}

// Subscription is a tenant's plan row, including the per-tenant active-call
// counter mutated by conditional update.
type Subscription struct {
	TenantID        int64              `db:"tenant_id" json:"tenant_id"`
	Plan            Plan               `db:"plan" json:"plan"`
	Status          SubscriptionStatus `db:"status" json:"status"`
	ConcurrentLimit *int               `db:"concurrent_limit" json:"concurrent_limit,omitempty"`
	ActiveCalls     int                `db:"active_calls" json:"active_calls"`
	IncludedMinutes int                `db:"included_minutes" json:"included_minutes"`
	CreditMinutes   int                `db:"credit_minutes" json:"credit_minutes"`
	UsedMinutes     int                `db:"used_minutes" json:"used_minutes"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// EffectiveLimit returns the tenant's concurrent-call limit: the per-tenant
// override when set, otherwise the plan default.
func (s *Subscription) EffectiveLimit() int {
	if s.ConcurrentLimit != nil {
		return *s.ConcurrentLimit
	}
	return s.Plan.DefaultConcurrentLimit()
}
