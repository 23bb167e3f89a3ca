package webhook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceops/callgate/pkg/admission"
	"github.com/voiceops/callgate/pkg/batch"
	"github.com/voiceops/callgate/pkg/models"
	"github.com/voiceops/callgate/pkg/store"
)

type release struct {
	tenantID int64
	callID   string
	reason   string
}

type fakeAdmitter struct {
	acquireErr error
	acquired   []admission.AcquireRequest
	released   []release
}

func (f *fakeAdmitter) Acquire(_ context.Context, req admission.AcquireRequest) (*admission.AcquireResult, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired = append(f.acquired, req)
	return &admission.AcquireResult{CallID: req.CallID, GlobalActive: 1, TenantLimit: 3}, nil
}

func (f *fakeAdmitter) Release(_ context.Context, tenantID int64, callID, reason string) {
	f.released = append(f.released, release{tenantID, callID, reason})
}

type fakeSessions struct {
	rows map[string]*models.Session
}

func (f *fakeSessions) Get(_ context.Context, callID string) (*models.Session, error) {
	if s, ok := f.rows[callID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeSessions) Create(_ context.Context, s *models.Session) error {
	if _, ok := f.rows[s.CallID]; ok {
		return store.ErrAlreadyExists
	}
	f.rows[s.CallID] = s
	return nil
}

type fakeLedger struct {
	seen map[string]bool
}

func (f *fakeLedger) MarkProcessed(_ context.Context, tenantID int64, eventType, externalEventID string) (bool, error) {
	key := fmt.Sprintf("%d/%s/%s", tenantID, eventType, externalEventID)
	if f.seen[key] {
		return true, nil
	}
	f.seen[key] = true
	return false, nil
}

type fakePhones struct {
	byAssistant map[string]*models.PhoneNumber
	byID        map[string]*models.PhoneNumber
}

func (f *fakePhones) GetByAssistantID(_ context.Context, id string) (*models.PhoneNumber, error) {
	if p, ok := f.byAssistant[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakePhones) GetByID(_ context.Context, id string) (*models.PhoneNumber, error) {
	if p, ok := f.byID[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakePhones) GetByNumber(_ context.Context, _ string) (*models.PhoneNumber, error) {
	return nil, store.ErrNotFound
}

type fakeTenants struct {
	minutes map[int64]int
}

func (f *fakeTenants) GetSubscription(_ context.Context, tenantID int64) (*models.Subscription, error) {
	return &models.Subscription{TenantID: tenantID, Plan: models.PlanPro, Status: models.SubscriptionActive}, nil
}

func (f *fakeTenants) AddUsedMinutes(_ context.Context, tenantID int64, minutes int) (models.UsageSource, error) {
	f.minutes[tenantID] += minutes
	return models.UsagePackage, nil
}

type fakeLogs struct {
	created []*models.CallLog
}

func (f *fakeLogs) Create(_ context.Context, log *models.CallLog) error {
	if log.ID == "" {
		log.ID = fmt.Sprintf("log_%d", len(f.created)+1)
	}
	f.created = append(f.created, log)
	return nil
}

type fakeBatch struct {
	events []batch.Event
}

func (f *fakeBatch) Apply(_ context.Context, evt batch.Event) error {
	f.events = append(f.events, evt)
	return nil
}

type fixture struct {
	proc     *Processor
	admitter *fakeAdmitter
	sessions *fakeSessions
	ledger   *fakeLedger
	phones   *fakePhones
	tenants  *fakeTenants
	logs     *fakeLogs
	batches  *fakeBatch
}

func newFixture(inboundEnabled bool) *fixture {
	f := &fixture{
		admitter: &fakeAdmitter{},
		sessions: &fakeSessions{rows: make(map[string]*models.Session)},
		ledger:   &fakeLedger{seen: make(map[string]bool)},
		phones:   &fakePhones{byAssistant: map[string]*models.PhoneNumber{}, byID: map[string]*models.PhoneNumber{}},
		tenants:  &fakeTenants{minutes: make(map[int64]int)},
		logs:     &fakeLogs{},
		batches:  &fakeBatch{},
	}
	f.proc = NewProcessor(f.admitter, f.sessions, f.ledger, f.phones,
		f.tenants, f.logs, f.batches, inboundEnabled, 10*time.Second)
	return f
}

func inboundPhone(tenantID int64, active bool) *models.PhoneNumber {
	assistant := "asst_1"
	return &models.PhoneNumber{
		ID:              "pn_1",
		TenantID:        tenantID,
		Number:          "+15550100",
		AssistantID:     &assistant,
		AssistantActive: active,
	}
}

func startedEvent(conversationID string, tenantID int64, direction string) *CallStartedEvent {
	return &CallStartedEvent{
		ConversationID: conversationID,
		AgentID:        "asst_1",
		Metadata: EventMetadata{
			TenantID:  &tenantID,
			PhoneCall: &PhoneCallMeta{Direction: direction, ExternalNumber: "+15550200", AgentPhoneNumberID: "pn_1"},
		},
	}
}

func TestHandleCallStarted_OutboundAdmits(t *testing.T) {
	f := newFixture(true)

	out, err := f.proc.HandleCallStarted(context.Background(), startedEvent("conv_1", 7, "outbound"))
	require.NoError(t, err)
	assert.True(t, out.Admitted)
	require.NotNil(t, out.Result)
	assert.Equal(t, "conv_1", out.Result.CallID)
	require.Len(t, f.admitter.acquired, 1)
	assert.Equal(t, models.DirectionOutbound, f.admitter.acquired[0].Direction)
}

func TestHandleCallStarted_DuplicateAcknowledged(t *testing.T) {
	f := newFixture(true)
	evt := startedEvent("conv_1", 7, "outbound")

	_, err := f.proc.HandleCallStarted(context.Background(), evt)
	require.NoError(t, err)
	out, err := f.proc.HandleCallStarted(context.Background(), evt)
	require.NoError(t, err)

	assert.True(t, out.Duplicate)
	assert.Len(t, f.admitter.acquired, 1)
}

func TestHandleCallStarted_UnknownTenantIgnored(t *testing.T) {
	f := newFixture(true)
	evt := &CallStartedEvent{ConversationID: "conv_1", AgentID: "asst_missing"}

	out, err := f.proc.HandleCallStarted(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Empty(t, f.admitter.acquired)
}

func TestHandleCallStarted_InboundNoAssistant(t *testing.T) {
	f := newFixture(true)

	out, err := f.proc.HandleCallStarted(context.Background(), startedEvent("conv_1", 7, "inbound"))
	require.NoError(t, err)
	assert.Equal(t, RejectNoInboundAssistant, out.RejectCode)
	assert.Empty(t, f.admitter.acquired)
}

func TestHandleCallStarted_InboundAssistantInactive(t *testing.T) {
	f := newFixture(true)
	f.phones.byAssistant["asst_1"] = inboundPhone(7, false)

	out, err := f.proc.HandleCallStarted(context.Background(), startedEvent("conv_1", 7, "inbound"))
	require.NoError(t, err)
	assert.Equal(t, RejectInboundAssistantInact, out.RejectCode)
}

func TestHandleCallStarted_InboundKillSwitch(t *testing.T) {
	f := newFixture(false)
	f.phones.byAssistant["asst_1"] = inboundPhone(7, true)

	out, err := f.proc.HandleCallStarted(context.Background(), startedEvent("conv_1", 7, "inbound"))
	require.NoError(t, err)
	assert.Equal(t, RejectPhoneInboundDisabled, out.RejectCode)

	row := f.sessions.rows["conv_1"]
	require.NotNil(t, row)
	assert.Equal(t, models.SessionTerminatedDisabled, row.Status)
	require.NotNil(t, row.EndedAt)
	assert.Empty(t, f.admitter.acquired)
}

func TestHandleCallStarted_InboundCapacityOverflow(t *testing.T) {
	f := newFixture(true)
	f.phones.byAssistant["asst_1"] = inboundPhone(7, true)
	f.admitter.acquireErr = &admission.Error{
		Code:       admission.CodeGlobalCapacityExceeded,
		Current:    5,
		Limit:      5,
		RetryAfter: 90 * time.Second,
	}

	out, err := f.proc.HandleCallStarted(context.Background(), startedEvent("conv_1", 7, "inbound"))
	require.NoError(t, err)
	require.NotNil(t, out.Capacity)
	assert.Equal(t, admission.CodeGlobalCapacityExceeded, out.Capacity.Code)
	assert.Positive(t, out.Capacity.RetryAfterMS())

	row := f.sessions.rows["conv_1"]
	require.NotNil(t, row)
	assert.Equal(t, models.SessionTerminatedCapacity, row.Status)
	assert.Equal(t, models.DirectionInbound, row.Direction)
	assert.Equal(t, models.PlanPro, row.Plan)
	require.NotNil(t, row.EndedAt)
	assert.Empty(t, f.admitter.released)
}

func TestHandleCallStarted_OutboundCapacitySkipsTerminatedRow(t *testing.T) {
	f := newFixture(true)
	f.admitter.acquireErr = &admission.Error{Code: admission.CodeBusinessLimitExceeded}

	out, err := f.proc.HandleCallStarted(context.Background(), startedEvent("conv_1", 7, "outbound"))
	require.NoError(t, err)
	require.NotNil(t, out.Capacity)
	assert.Empty(t, f.sessions.rows)
}

func TestHandleCallStarted_SubscriptionRejectMapsToCode(t *testing.T) {
	f := newFixture(true)
	f.admitter.acquireErr = &admission.Error{Code: admission.CodeSubscriptionInactive}

	out, err := f.proc.HandleCallStarted(context.Background(), startedEvent("conv_1", 7, "outbound"))
	require.NoError(t, err)
	assert.Equal(t, string(admission.CodeSubscriptionInactive), out.RejectCode)
	assert.Nil(t, out.Capacity)
}

func TestHandleCallStarted_CapacityRejectFailsBatchRecipient(t *testing.T) {
	f := newFixture(true)
	f.admitter.acquireErr = &admission.Error{Code: admission.CodeGlobalCapacityExceeded}

	evt := startedEvent("conv_1", 7, "outbound")
	evt.Metadata.BatchCall = &BatchCallMeta{BatchCallID: "batch_1", RecipientID: "rcpt_1"}

	out, err := f.proc.HandleCallStarted(context.Background(), evt)
	require.NoError(t, err)
	require.NotNil(t, out.Capacity)

	// The recipient never got a slot; the batch must see a failure, not
	// stay pending forever.
	require.Len(t, f.batches.events, 1)
	applied := f.batches.events[0]
	assert.Equal(t, "batch_1", applied.BatchCallID)
	assert.Equal(t, "rcpt_1", applied.RecipientID)
	assert.False(t, applied.Started)
	assert.False(t, applied.Success)
}

func endedEvent(conversationID string, tenantID int64, secs int) *CallEndedEvent {
	evt := &CallEndedEvent{
		ConversationID: conversationID,
		Metadata:       EventMetadata{TenantID: &tenantID},
		Transcript:     "hello there",
	}
	evt.Data.Metadata.CallDurationSecs = secs
	return evt
}

func activeSession(callID string, tenantID int64) *models.Session {
	return &models.Session{
		CallID:    callID,
		TenantID:  tenantID,
		Plan:      models.PlanPro,
		Direction: models.DirectionOutbound,
		Status:    models.SessionActive,
		StartedAt: time.Now().UTC().Add(-2 * time.Minute),
	}
}

func TestHandleCallEnded_ReleasesAndBooksUsage(t *testing.T) {
	f := newFixture(true)
	f.sessions.rows["conv_1"] = activeSession("conv_1", 7)

	out, err := f.proc.HandleCallEnded(context.Background(), endedEvent("conv_1", 7, 125))
	require.NoError(t, err)

	require.Len(t, f.admitter.released, 1)
	assert.Equal(t, release{7, "conv_1", models.EndReasonCompleted}, f.admitter.released[0])

	require.NotNil(t, out.Usage)
	assert.Equal(t, 3, out.Usage.DurationMinutes) // 125s rounds up
	assert.Equal(t, models.UsagePackage, out.Usage.Source)
	assert.Equal(t, 3, f.tenants.minutes[7])

	require.Len(t, f.logs.created, 1)
	log := f.logs.created[0]
	assert.Equal(t, "conv_1", log.CallID)
	assert.Equal(t, 125, log.DurationSeconds)
	require.NotNil(t, log.Transcript)
}

func TestHandleCallEnded_DuplicateIsNoOp(t *testing.T) {
	f := newFixture(true)
	f.sessions.rows["conv_1"] = activeSession("conv_1", 7)

	_, err := f.proc.HandleCallEnded(context.Background(), endedEvent("conv_1", 7, 60))
	require.NoError(t, err)
	out, err := f.proc.HandleCallEnded(context.Background(), endedEvent("conv_1", 7, 60))
	require.NoError(t, err)

	assert.True(t, out.Duplicate)
	assert.Len(t, f.admitter.released, 1)
	assert.Equal(t, 1, f.tenants.minutes[7])
	assert.Len(t, f.logs.created, 1)
}

func TestHandleCallEnded_UnmatchedReleasesOnly(t *testing.T) {
	f := newFixture(true)

	out, err := f.proc.HandleCallEnded(context.Background(), endedEvent("conv_ghost", 7, 60))
	require.NoError(t, err)

	assert.True(t, out.Ignored)
	assert.Len(t, f.admitter.released, 1)
	assert.Empty(t, f.logs.created)
	assert.Empty(t, f.sessions.rows)
}

func TestHandleCallEnded_TerminalSessionIsNoOp(t *testing.T) {
	f := newFixture(true)
	now := time.Now().UTC()
	f.sessions.rows["conv_1"] = &models.Session{
		CallID: "conv_1", TenantID: 7, Plan: models.PlanPro,
		Direction: models.DirectionInbound,
		Status:    models.SessionTerminatedCapacity,
		StartedAt: now, EndedAt: &now,
	}

	out, err := f.proc.HandleCallEnded(context.Background(), endedEvent("conv_1", 7, 60))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Empty(t, f.admitter.released)
}

func TestHandleCallEnded_PropagatesBatchEvent(t *testing.T) {
	f := newFixture(true)
	f.sessions.rows["conv_1"] = activeSession("conv_1", 7)

	evt := endedEvent("conv_1", 7, 60)
	evt.Metadata.BatchCall = &BatchCallMeta{BatchCallID: "batch_1", RecipientID: "rcp_a"}

	_, err := f.proc.HandleCallEnded(context.Background(), evt)
	require.NoError(t, err)

	require.Len(t, f.batches.events, 1)
	got := f.batches.events[0]
	assert.Equal(t, "batch_1", got.BatchCallID)
	assert.Equal(t, "rcp_a", got.RecipientID)
	assert.True(t, got.Success)
	assert.NotEmpty(t, got.CallLogID)

	require.Len(t, f.logs.created, 1)
	require.NotNil(t, f.logs.created[0].BatchCallID)
}

func TestHandleCallEnded_ZeroDurationFailsBatchRecipient(t *testing.T) {
	f := newFixture(true)
	f.sessions.rows["conv_1"] = activeSession("conv_1", 7)

	evt := endedEvent("conv_1", 7, 0)
	evt.Metadata.BatchCall = &BatchCallMeta{BatchCallID: "batch_1", RecipientID: "rcp_a"}

	_, err := f.proc.HandleCallEnded(context.Background(), evt)
	require.NoError(t, err)

	// Zero connected seconds means the call never went through.
	require.Len(t, f.batches.events, 1)
	assert.False(t, f.batches.events[0].Success)
	assert.False(t, f.batches.events[0].Started)
}

func TestHandlePostCallTranscription_SharesCallEndedDedup(t *testing.T) {
	f := newFixture(true)
	f.sessions.rows["conv_1"] = activeSession("conv_1", 7)

	_, err := f.proc.HandleCallEnded(context.Background(), endedEvent("conv_1", 7, 60))
	require.NoError(t, err)
	out, err := f.proc.HandlePostCallTranscription(context.Background(), endedEvent("conv_1", 7, 60))
	require.NoError(t, err)

	assert.True(t, out.Duplicate)
	assert.Len(t, f.admitter.released, 1)
}

func TestResolveTenant_AgentLookupWhenNoMetadata(t *testing.T) {
	f := newFixture(true)
	f.phones.byAssistant["asst_1"] = inboundPhone(42, true)

	evt := &CallStartedEvent{ConversationID: "conv_1", AgentID: "asst_1"}
	out, err := f.proc.HandleCallStarted(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, out.Admitted)
	require.Len(t, f.admitter.acquired, 1)
	assert.Equal(t, int64(42), f.admitter.acquired[0].TenantID)
}
