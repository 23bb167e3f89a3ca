package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voiceops/callgate/pkg/capacity"
	"github.com/voiceops/callgate/pkg/metrics"
	"github.com/voiceops/callgate/pkg/models"
	"github.com/voiceops/callgate/pkg/store"
)

// SlotStore is the global capacity store (C1 surface the controller needs).
type SlotStore interface {
	CheckCapacity(ctx context.Context) (capacity.Capacity, error)
	Lookup(ctx context.Context, callID string) (capacity.LookupResult, error)
	AcquireSlot(ctx context.Context, callID string, plan models.Plan, tenantID int64) (capacity.AcquireResult, error)
	ReleaseSlot(ctx context.Context, callID string) (capacity.ReleaseResult, error)
}

// TenantCounter is the per-tenant conditional counter.
type TenantCounter interface {
	GetSubscription(ctx context.Context, tenantID int64) (*models.Subscription, error)
	ConditionalIncrement(ctx context.Context, tenantID int64, limit int) (bool, error)
	Decrement(ctx context.Context, tenantID int64) error
}

// SessionRegistry is the durable session store.
type SessionRegistry interface {
	Create(ctx context.Context, session *models.Session) error
	MarkEnded(ctx context.Context, callID, reason string) error
}

// AcquireRequest asks for one concurrent-call slot.
type AcquireRequest struct {
	TenantID  int64
	CallID    string // minted when empty
	Direction models.Direction
	Metadata  models.JSONMap
}

// AcquireResult reports a granted slot.
type AcquireResult struct {
	CallID       string      `json:"call_id"`
	Plan         models.Plan `json:"plan"`
	GlobalActive int         `json:"global_active"`
	TenantLimit  int         `json:"tenant_limit"`
	Idempotent   bool        `json:"idempotent,omitempty"`
}

// Controller is the only writer that mutates the capacity store, the tenant
// counter, and the session registry together. It is reentrant; all
// coordination lives in the stores' atomic primitives, and rollback is
// always performed in the scope of a single Acquire.
type Controller struct {
	slots      SlotStore
	tenants    TenantCounter
	sessions   SessionRegistry
	retryAfter time.Duration
}

// NewController creates an admission controller. retryAfter is the hint
// attached to capacity refusals, derived from average call duration.
func NewController(slots SlotStore, tenants TenantCounter, sessions SessionRegistry, retryAfter time.Duration) *Controller {
	return &Controller{
		slots:      slots,
		tenants:    tenants,
		sessions:   sessions,
		retryAfter: retryAfter,
	}
}

// Acquire admits one call. The step ordering matters for rollback
// correctness: the cheap advisory check comes first, the tenant conditional
// increment guards tenant overflow before a global slot is committed, the
// global atomic increment linearizes concurrent acquires, and persistence
// comes last so any failure can be unwound.
func (c *Controller) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	// 1. Subscription gate.
	sub, err := c.tenants.GetSubscription(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, c.reject(&Error{
				Code:    CodeSubscriptionNotFound,
				Message: fmt.Sprintf("no subscription for tenant %d", req.TenantID),
			})
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if !sub.Status.AllowsCalls() {
		return nil, c.reject(&Error{
			Code:    CodeSubscriptionInactive,
			Message: fmt.Sprintf("subscription status %s does not allow calls", sub.Status),
		})
	}
	limit := sub.EffectiveLimit()
	if limit == 0 {
		return nil, c.reject(&Error{
			Code:    CodeConcurrentCallsDisabled,
			Message: "concurrent calls are disabled for this tenant",
			Limit:   0,
		})
	}

	// 2. Retried acquires short-circuit here. A call that already holds its
	// slot must not be re-counted against a saturated tenant or a full
	// platform, so the lookup runs before any capacity gate. Counters end
	// unchanged. Lookup failures fall through; the atomic acquire below is
	// idempotent on the same hash entry.
	if req.CallID != "" {
		held, lerr := c.slots.Lookup(ctx, req.CallID)
		if lerr != nil {
			slog.Warn("Slot lookup failed, treating acquire as fresh",
				"call_id", req.CallID, "error", lerr)
		} else if held.Found {
			return &AcquireResult{
				CallID:       req.CallID,
				Plan:         sub.Plan,
				GlobalActive: held.Current,
				TenantLimit:  limit,
				Idempotent:   true,
			}, nil
		}
	}

	// 3. Advisory global check. Cheaper than the tenant update, so a full
	// platform fast-fails here. Store errors fail open; the atomic acquire
	// below still gates.
	headroom, err := c.slots.CheckCapacity(ctx)
	if err != nil {
		slog.Warn("Global capacity check failed, proceeding on tenant limit only", "error", err)
	} else if !headroom.Available {
		return nil, c.reject(&Error{
			Code:       CodeGlobalCapacityExceeded,
			Message:    "platform concurrent call capacity exhausted",
			Current:    headroom.Current,
			Limit:      headroom.Limit,
			RetryAfter: c.retryAfter,
		})
	}

	// 4. Tenant conditional increment under active_calls < limit.
	ok, err := c.tenants.ConditionalIncrement(ctx, req.TenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to increment tenant counter: %w", err)
	}
	if !ok {
		return nil, c.reject(&Error{
			Code:       CodeBusinessLimitExceeded,
			Message:    "tenant concurrent call limit reached",
			Current:    limit,
			Limit:      limit,
			RetryAfter: c.retryAfter,
		})
	}

	// 5. Mint a call id when the provider did not assign one.
	callID := req.CallID
	if callID == "" {
		callID = MintCallID(req.TenantID)
	}

	// 6. Atomic global acquire.
	slot, err := c.slots.AcquireSlot(ctx, callID, sub.Plan, req.TenantID)
	if err != nil {
		c.rollbackTenant(ctx, req.TenantID)
		return nil, c.reject(&Error{
			Code:    CodeGlobalSlotFailed,
			Message: "global capacity store unavailable",
		})
	}
	if !slot.Success {
		c.rollbackTenant(ctx, req.TenantID)
		return nil, c.reject(&Error{
			Code:       CodeGlobalCapacityExceeded,
			Message:    "platform concurrent call capacity exhausted",
			Current:    slot.Current,
			Limit:      c.limitOf(headroom),
			RetryAfter: c.retryAfter,
		})
	}
	if slot.Idempotent {
		// Retried acquire: the slot already exists, so undo this attempt's
		// tenant increment. Counters end unchanged.
		c.rollbackTenant(ctx, req.TenantID)
		return &AcquireResult{
			CallID:       callID,
			Plan:         sub.Plan,
			GlobalActive: slot.Current,
			TenantLimit:  limit,
			Idempotent:   true,
		}, nil
	}

	// 7. Persist the session row.
	err = c.sessions.Create(ctx, &models.Session{
		CallID:    callID,
		TenantID:  req.TenantID,
		Plan:      sub.Plan,
		Direction: req.Direction,
		Status:    models.SessionActive,
		StartedAt: time.Now().UTC(),
		Metadata:  req.Metadata,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// An active row already exists for this call id. Unwind this
			// attempt entirely and report it as an idempotent admit.
			if _, rerr := c.slots.ReleaseSlot(ctx, callID); rerr != nil {
				slog.Error("Failed to release slot after duplicate session", "call_id", callID, "error", rerr)
			}
			c.rollbackTenant(ctx, req.TenantID)
			return &AcquireResult{
				CallID:      callID,
				Plan:        sub.Plan,
				TenantLimit: limit,
				Idempotent:  true,
			}, nil
		}
		if _, rerr := c.slots.ReleaseSlot(ctx, callID); rerr != nil {
			slog.Error("Failed to release slot after session write failure", "call_id", callID, "error", rerr)
		}
		c.rollbackTenant(ctx, req.TenantID)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	metrics.AdmissionsTotal.WithLabelValues(string(req.Direction)).Inc()
	metrics.GlobalActiveSlots.Set(float64(slot.Current))
	slog.Info("Call admitted",
		"call_id", callID,
		"tenant_id", req.TenantID,
		"plan", sub.Plan,
		"direction", req.Direction,
		"global_active", slot.Current)

	return &AcquireResult{
		CallID:       callID,
		Plan:         sub.Plan,
		GlobalActive: slot.Current,
		TenantLimit:  limit,
	}, nil
}

// Release frees the slot held by callID. Best-effort by design: the tenant
// counter is always decremented first so a store outage cannot leak the
// tenant's own budget; slot and registry failures are logged and left for
// the reconciliation sweep.
func (c *Controller) Release(ctx context.Context, tenantID int64, callID, reason string) {
	if err := c.tenants.Decrement(ctx, tenantID); err != nil {
		slog.Error("Failed to decrement tenant counter on release",
			"tenant_id", tenantID, "call_id", callID, "error", err)
	}

	if callID != "" {
		if res, err := c.slots.ReleaseSlot(ctx, callID); err != nil {
			slog.Error("Failed to release global slot",
				"call_id", callID, "error", err)
		} else {
			metrics.GlobalActiveSlots.Set(float64(res.Current))
		}
		if err := c.sessions.MarkEnded(ctx, callID, reason); err != nil {
			slog.Error("Failed to mark session ended",
				"call_id", callID, "error", err)
		}
	}

	slog.Info("Call released", "call_id", callID, "tenant_id", tenantID, "reason", reason)
}

func (c *Controller) rollbackTenant(ctx context.Context, tenantID int64) {
	if err := c.tenants.Decrement(ctx, tenantID); err != nil {
		slog.Error("Failed to roll back tenant counter", "tenant_id", tenantID, "error", err)
	}
}

func (c *Controller) reject(e *Error) error {
	metrics.AdmissionRejections.WithLabelValues(string(e.Code)).Inc()
	return e
}

func (c *Controller) limitOf(headroom capacity.Capacity) int {
	if headroom.Limit > 0 {
		return headroom.Limit
	}
	return 0
}

// MintCallID generates a call id for requests that arrive without one.
func MintCallID(tenantID int64) string {
	return fmt.Sprintf("call_%d_%d", time.Now().UnixMilli(), tenantID)
}
