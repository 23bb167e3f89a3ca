package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voiceops/callgate/pkg/admission"
	"github.com/voiceops/callgate/pkg/batch"
	"github.com/voiceops/callgate/pkg/metrics"
	"github.com/voiceops/callgate/pkg/models"
	"github.com/voiceops/callgate/pkg/store"
)

// Inbound reject directives returned to the provider with action=reject_call.
const (
	RejectNoInboundAssistant    = "NO_INBOUND_ASSISTANT"
	RejectInboundAssistantInact = "INBOUND_ASSISTANT_INACTIVE"
	RejectPhoneInboundDisabled  = "PHONE_INBOUND_DISABLED"
)

// Admitter is the admission surface the processor drives.
type Admitter interface {
	Acquire(ctx context.Context, req admission.AcquireRequest) (*admission.AcquireResult, error)
	Release(ctx context.Context, tenantID int64, callID, reason string)
}

// SessionLookup reads and writes session rows outside the admission path.
// Create is used for terminated_* records that never held a slot.
type SessionLookup interface {
	Get(ctx context.Context, callID string) (*models.Session, error)
	Create(ctx context.Context, session *models.Session) error
}

// EventLedger is the idempotency table.
type EventLedger interface {
	MarkProcessed(ctx context.Context, tenantID int64, eventType, externalEventID string) (duplicate bool, err error)
}

// PhoneDirectory resolves provider phone numbers and assistants to tenants.
type PhoneDirectory interface {
	GetByID(ctx context.Context, id string) (*models.PhoneNumber, error)
	GetByNumber(ctx context.Context, number string) (*models.PhoneNumber, error)
	GetByAssistantID(ctx context.Context, assistantID string) (*models.PhoneNumber, error)
}

// TenantAccount books call minutes and reads subscription facts.
type TenantAccount interface {
	GetSubscription(ctx context.Context, tenantID int64) (*models.Subscription, error)
	AddUsedMinutes(ctx context.Context, tenantID int64, minutes int) (models.UsageSource, error)
}

// CallLogWriter appends the final per-call record.
type CallLogWriter interface {
	Create(ctx context.Context, log *models.CallLog) error
}

// BatchSink receives batch-linked lifecycle events.
type BatchSink interface {
	Apply(ctx context.Context, evt batch.Event) error
}

// StartOutcome is the processor's verdict on a call-started event, from
// which the HTTP layer derives the response. Exactly one of Admitted,
// RejectCode, Capacity, Duplicate, or Ignored is meaningful.
type StartOutcome struct {
	Admitted   bool
	Duplicate  bool
	Ignored    bool // tenant could not be resolved; acknowledged without action
	RejectCode string
	Capacity   *admission.Error
	Result     *admission.AcquireResult
}

// Usage reports the minute accounting of a finished call.
type Usage struct {
	DurationMinutes int                `json:"durationMinutes"`
	Source          models.UsageSource `json:"source"`
}

// EndOutcome is the processor's verdict on a call-ended event.
type EndOutcome struct {
	Duplicate bool
	Ignored   bool
	Usage     *Usage
}

// Processor handles provider lifecycle webhooks. Each handler runs under a
// fixed budget so the acknowledgement to the provider is prompt; anything
// that can run after the ack is best-effort and only logged on failure.
type Processor struct {
	admitter       Admitter
	sessions       SessionLookup
	events         EventLedger
	phones         PhoneDirectory
	tenants        TenantAccount
	logs           CallLogWriter
	batches        BatchSink
	inboundEnabled bool
	budget         time.Duration
}

// NewProcessor wires a webhook processor.
func NewProcessor(
	admitter Admitter,
	sessions SessionLookup,
	events EventLedger,
	phones PhoneDirectory,
	tenants TenantAccount,
	logs CallLogWriter,
	batches BatchSink,
	inboundEnabled bool,
	budget time.Duration,
) *Processor {
	if budget <= 0 {
		budget = 10 * time.Second
	}
	return &Processor{
		admitter:       admitter,
		sessions:       sessions,
		events:         events,
		phones:         phones,
		tenants:        tenants,
		logs:           logs,
		batches:        batches,
		inboundEnabled: inboundEnabled,
		budget:         budget,
	}
}

// HandleCallStarted admits or rejects a starting call.
func (p *Processor) HandleCallStarted(ctx context.Context, evt *CallStartedEvent) (*StartOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	if evt.ConversationID == "" {
		return nil, fmt.Errorf("call-started event missing conversation_id")
	}

	tenantID, phone := p.resolveTenant(ctx, evt.Metadata, evt.AgentID)
	if tenantID == 0 {
		slog.Warn("Could not resolve tenant for call-started event",
			"conversation_id", evt.ConversationID, "agent_id", evt.AgentID)
		return &StartOutcome{Ignored: true}, nil
	}

	duplicate, err := p.events.MarkProcessed(ctx, tenantID, models.EventCallStarted, evt.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	if duplicate {
		metrics.DuplicateWebhooksTotal.Inc()
		return &StartOutcome{Duplicate: true}, nil
	}

	direction := models.DirectionOutbound
	if evt.Metadata.PhoneCall != nil && evt.Metadata.PhoneCall.Direction == string(models.DirectionInbound) {
		direction = models.DirectionInbound
	}

	if direction == models.DirectionInbound {
		if outcome := p.inboundGate(ctx, tenantID, evt, phone); outcome != nil {
			return outcome, nil
		}
	}

	result, err := p.admitter.Acquire(ctx, admission.AcquireRequest{
		TenantID:  tenantID,
		CallID:    evt.ConversationID,
		Direction: direction,
		Metadata:  startMetadata(evt),
	})
	if err != nil {
		var admErr *admission.Error
		if !errors.As(err, &admErr) {
			return nil, err
		}
		if admErr.Code == admission.CodeGlobalCapacityExceeded || admErr.Code == admission.CodeBusinessLimitExceeded {
			if direction == models.DirectionInbound {
				// The tenant gets a durable record of the drop; the
				// terminated row never held a slot so no counters move.
				p.persistTerminated(ctx, tenantID, evt, models.SessionTerminatedCapacity)
			}
			// A batch-linked call that never got a slot is a failed
			// recipient, not one stuck in progress.
			p.propagateBatch(ctx, tenantID, evt.Metadata, evt.ConversationID, batch.Event{})
			return &StartOutcome{Capacity: admErr}, nil
		}
		p.propagateBatch(ctx, tenantID, evt.Metadata, evt.ConversationID, batch.Event{})
		return &StartOutcome{RejectCode: string(admErr.Code)}, nil
	}

	p.propagateBatch(ctx, tenantID, evt.Metadata, evt.ConversationID, batch.Event{Started: true})
	return &StartOutcome{Admitted: true, Result: result}, nil
}

// inboundGate applies the inbound-only policy checks. A nil return means
// the call may proceed to admission.
func (p *Processor) inboundGate(ctx context.Context, tenantID int64, evt *CallStartedEvent, phone *models.PhoneNumber) *StartOutcome {
	if phone == nil || phone.AssistantID == nil {
		return &StartOutcome{RejectCode: RejectNoInboundAssistant}
	}
	if !phone.AssistantActive {
		return &StartOutcome{RejectCode: RejectInboundAssistantInact}
	}
	if !p.inboundEnabled {
		metrics.InboundDisabledTotal.Inc()
		p.persistTerminated(ctx, tenantID, evt, models.SessionTerminatedDisabled)
		return &StartOutcome{RejectCode: RejectPhoneInboundDisabled}
	}
	return nil
}

// HandleCallEnded releases the call's slot and books its usage.
func (p *Processor) HandleCallEnded(ctx context.Context, evt *CallEndedEvent) (*EndOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	if evt.ConversationID == "" {
		return nil, fmt.Errorf("call-ended event missing conversation_id")
	}

	session, err := p.sessions.Get(ctx, evt.ConversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	tenantID, _ := p.resolveTenant(ctx, evt.Metadata, evt.AgentID)
	if tenantID == 0 && session != nil {
		tenantID = session.TenantID
	}
	if tenantID == 0 {
		slog.Warn("Could not resolve tenant for call-ended event",
			"conversation_id", evt.ConversationID)
		return &EndOutcome{Ignored: true}, nil
	}

	duplicate, err := p.events.MarkProcessed(ctx, tenantID, models.EventCallEnded, evt.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	if duplicate {
		metrics.DuplicateWebhooksTotal.Inc()
		return &EndOutcome{Duplicate: true}, nil
	}

	// An end without a matching active session releases the slot and stops.
	// It never writes usage or a call log, and never creates a session row.
	if session == nil {
		slog.Warn("Call-ended with no session row, releasing slot only",
			"call_id", evt.ConversationID, "tenant_id", tenantID)
		p.admitter.Release(ctx, tenantID, evt.ConversationID, models.EndReasonCompleted)
		return &EndOutcome{Ignored: true}, nil
	}
	if session.Status.Terminal() {
		slog.Info("Call-ended for already-terminal session, no-op",
			"call_id", evt.ConversationID, "status", session.Status)
		return &EndOutcome{Duplicate: true}, nil
	}

	p.admitter.Release(ctx, tenantID, evt.ConversationID, models.EndReasonCompleted)

	durationSecs := evt.Data.Metadata.CallDurationSecs
	minutes := (durationSecs + 59) / 60
	source := models.UsagePackage
	if minutes > 0 {
		source, err = p.tenants.AddUsedMinutes(ctx, tenantID, minutes)
		if err != nil {
			slog.Error("Failed to book call minutes",
				"call_id", evt.ConversationID, "tenant_id", tenantID, "error", err)
			source = models.UsagePackage
		}
	}

	callLog := &models.CallLog{
		CallID:          evt.ConversationID,
		TenantID:        tenantID,
		Direction:       session.Direction,
		Outcome:         models.EndReasonCompleted,
		DurationSeconds: durationSecs,
		DurationMinutes: minutes,
		UsageSource:     source,
	}
	if evt.Transcript != "" {
		callLog.Transcript = &evt.Transcript
	}
	if evt.Metadata.BatchCall != nil {
		callLog.BatchCallID = &evt.Metadata.BatchCall.BatchCallID
	}
	if err := p.logs.Create(ctx, callLog); err != nil {
		slog.Error("Failed to write call log",
			"call_id", evt.ConversationID, "error", err)
	}

	// A call that ended with zero connected seconds never went through;
	// its batch recipient settles as failed.
	p.propagateBatch(ctx, tenantID, evt.Metadata, evt.ConversationID, batch.Event{
		Success:   durationSecs > 0,
		CallLogID: callLog.ID,
	})

	return &EndOutcome{Usage: &Usage{DurationMinutes: minutes, Source: source}}, nil
}

// HandlePostCallTranscription is the delayed form of call-ended; the
// idempotency ledger under the call-ended key keeps the two from
// double-releasing when both arrive.
func (p *Processor) HandlePostCallTranscription(ctx context.Context, evt *CallEndedEvent) (*EndOutcome, error) {
	return p.HandleCallEnded(ctx, evt)
}

// resolveTenant locates the event's tenant: explicit metadata first, then
// the agent-id lookup, then the called phone number. The phone record is
// returned when one was found along the way, for the inbound policy checks.
func (p *Processor) resolveTenant(ctx context.Context, meta EventMetadata, agentID string) (int64, *models.PhoneNumber) {
	var phone *models.PhoneNumber

	lookup := func(fn func() (*models.PhoneNumber, error)) {
		if phone != nil {
			return
		}
		if found, err := fn(); err == nil {
			phone = found
		} else if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Phone directory lookup failed", "error", err)
		}
	}

	if agentID != "" {
		lookup(func() (*models.PhoneNumber, error) { return p.phones.GetByAssistantID(ctx, agentID) })
	}
	if meta.PhoneCall != nil {
		if id := meta.PhoneCall.AgentPhoneNumberID; id != "" {
			lookup(func() (*models.PhoneNumber, error) { return p.phones.GetByID(ctx, id) })
		}
		if num := meta.PhoneCall.ExternalNumber; num != "" && strings.HasPrefix(num, "+") {
			lookup(func() (*models.PhoneNumber, error) { return p.phones.GetByNumber(ctx, num) })
		}
	}

	if meta.TenantID != nil && *meta.TenantID != 0 {
		return *meta.TenantID, phone
	}
	if phone != nil {
		return phone.TenantID, phone
	}
	return 0, nil
}

// persistTerminated writes a session row for a call that was turned away
// before holding a slot. Best-effort; a duplicate row means a concurrent
// delivery already recorded it.
func (p *Processor) persistTerminated(ctx context.Context, tenantID int64, evt *CallStartedEvent, status models.SessionStatus) {
	plan := models.PlanPAYG
	if sub, err := p.tenants.GetSubscription(ctx, tenantID); err == nil {
		plan = sub.Plan
	}
	now := time.Now().UTC()
	err := p.sessions.Create(ctx, &models.Session{
		CallID:    evt.ConversationID,
		TenantID:  tenantID,
		Plan:      plan,
		Direction: models.DirectionInbound,
		Status:    status,
		StartedAt: now,
		EndedAt:   &now,
		Metadata:  startMetadata(evt),
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		slog.Error("Failed to persist terminated session",
			"call_id", evt.ConversationID, "status", status, "error", err)
	}
}

// propagateBatch forwards a lifecycle event to the batch aggregator when
// the metadata carries batch linkage or a matchable phone number.
func (p *Processor) propagateBatch(ctx context.Context, tenantID int64, meta EventMetadata, callID string, evt batch.Event) {
	evt.TenantID = tenantID
	if meta.BatchCall != nil {
		evt.BatchCallID = meta.BatchCall.BatchCallID
		evt.RecipientID = meta.BatchCall.RecipientID
	}
	if meta.PhoneCall != nil {
		evt.PhoneNumber = meta.PhoneCall.ExternalNumber
	}
	if evt.BatchCallID == "" && evt.PhoneNumber == "" {
		return
	}
	if err := p.batches.Apply(ctx, evt); err != nil {
		slog.Error("Failed to propagate batch event", "call_id", callID, "error", err)
	}
}

func startMetadata(evt *CallStartedEvent) models.JSONMap {
	meta := models.JSONMap{"agent_id": evt.AgentID}
	if pc := evt.Metadata.PhoneCall; pc != nil {
		meta["external_number"] = pc.ExternalNumber
		meta["agent_phone_number_id"] = pc.AgentPhoneNumberID
	}
	return meta
}
