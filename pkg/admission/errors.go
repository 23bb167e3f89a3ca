// Package admission orchestrates slot acquisition and release across the
// global capacity store, the tenant counter, and the session registry.
package admission

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies why an admission was refused.
type Code string

const (
	CodeSubscriptionNotFound    Code = "SUBSCRIPTION_NOT_FOUND"
	CodeSubscriptionInactive    Code = "SUBSCRIPTION_INACTIVE"
	CodeConcurrentCallsDisabled Code = "CONCURRENT_CALLS_DISABLED"
	CodeGlobalCapacityExceeded  Code = "GLOBAL_CAPACITY_EXCEEDED"
	CodeBusinessLimitExceeded   Code = "BUSINESS_CONCURRENT_LIMIT_EXCEEDED"
	CodeGlobalSlotFailed        Code = "GLOBAL_SLOT_FAILED"
)

// Error is a structured admission refusal. Capacity refusals carry the
// observed counter values and a retry hint derived from average call
// duration; they are expected traffic and are never logged as errors.
type Error struct {
	Code       Code          `json:"error"`
	Message    string        `json:"message"`
	Current    int           `json:"current,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RetryAfterMS returns the retry hint in milliseconds, 0 when absent.
func (e *Error) RetryAfterMS() int64 {
	return e.RetryAfter.Milliseconds()
}

// IsCapacity reports whether the refusal is a capacity condition (as
// opposed to a subscription or infrastructure problem).
func (e *Error) IsCapacity() bool {
	switch e.Code {
	case CodeGlobalCapacityExceeded, CodeBusinessLimitExceeded, CodeConcurrentCallsDisabled:
		return true
	}
	return false
}

// AsError extracts an admission *Error from err, or nil.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}
