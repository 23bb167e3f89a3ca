// Package reconcile restores consistency between the global capacity store
// and the session registry after crashes, missed events, or clock skew.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voiceops/callgate/pkg/capacity"
	"github.com/voiceops/callgate/pkg/metrics"
	"github.com/voiceops/callgate/pkg/models"
)

// SessionSource is the registry view the worker sweeps.
type SessionSource interface {
	ListActive(ctx context.Context, tenantID *int64) ([]models.Session, error)
	ListOrphaned(ctx context.Context, olderThan time.Time) ([]models.Session, error)
	ActiveCallIDs(ctx context.Context) ([]string, error)
	MarkEnded(ctx context.Context, callID, reason string) error
}

// CounterSource is the tenant-counter surface the worker corrects.
type CounterSource interface {
	Decrement(ctx context.Context, tenantID int64) error
	FloorNegativeCounters(ctx context.Context) (int64, error)
}

// SlotSource is the capacity-store surface the worker corrects.
type SlotSource interface {
	ForceReset(ctx context.Context) error
	AcquireSlot(ctx context.Context, callID string, plan models.Plan, tenantID int64) (capacity.AcquireResult, error)
	ReleaseSlot(ctx context.Context, callID string) (capacity.ReleaseResult, error)
	CleanupStuck(ctx context.Context, activeCallIDs []string) ([]string, error)
	GlobalStatus(ctx context.Context) (capacity.Snapshot, error)
}

// EventPurger removes expired webhook dedup rows.
type EventPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker runs the startup rebuild and the periodic consistency sweep.
// The sweep is the only writer allowed to mutate counters without a
// matching provider event, so it is single-flighted per process and every
// correction is logged.
type Worker struct {
	sessions  SessionSource
	tenants   CounterSource
	slots     SlotSource
	events    EventPurger
	interval  time.Duration
	stuckAge  time.Duration
	retention time.Duration

	sweepMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a reconciliation worker.
func NewWorker(
	sessions SessionSource,
	tenants CounterSource,
	slots SlotSource,
	events EventPurger,
	interval, stuckAge, retention time.Duration,
) *Worker {
	return &Worker{
		sessions:  sessions,
		tenants:   tenants,
		slots:     slots,
		events:    events,
		interval:  interval,
		stuckAge:  stuckAge,
		retention: retention,
	}
}

// RebuildAtStartup resets the capacity store and re-acquires one slot per
// active session row, so counters survive a process restart. Must run
// before any webhook handler accepts traffic.
func (w *Worker) RebuildAtStartup(ctx context.Context) error {
	if err := w.slots.ForceReset(ctx); err != nil {
		return fmt.Errorf("failed to reset capacity store: %w", err)
	}

	active, err := w.sessions.ListActive(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	rebuilt := 0
	for _, session := range active {
		res, err := w.slots.AcquireSlot(ctx, session.CallID, session.Plan, session.TenantID)
		if err != nil {
			return fmt.Errorf("failed to rebuild slot for %s: %w", session.CallID, err)
		}
		if !res.Success {
			// More active rows than the ceiling allows; the overflow rows
			// are older state the sweep will orphan shortly.
			slog.Warn("Active session exceeds global ceiling during rebuild, left for sweep",
				"call_id", session.CallID, "tenant_id", session.TenantID)
			continue
		}
		rebuilt++
	}

	metrics.GlobalActiveSlots.Set(float64(rebuilt))
	slog.Info("Capacity store rebuilt from session registry",
		"active_sessions", len(active), "slots_rebuilt", rebuilt)
	return nil
}

// Start launches the background sweep loop.
func (w *Worker) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.run(ctx)

	slog.Info("Reconciliation worker started",
		"interval", w.interval,
		"stuck_call_age", w.stuckAge,
		"event_retention", w.retention)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	slog.Info("Reconciliation worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunSweep(ctx)
		}
	}
}

// RunSweep performs one consistency pass: orphan stuck sessions, release
// capacity entries with no backing session, floor negative tenant
// counters, and purge expired dedup rows. Safe to invoke manually; a
// concurrent invocation is skipped.
func (w *Worker) RunSweep(ctx context.Context) {
	if !w.sweepMu.TryLock() {
		slog.Warn("Reconciliation sweep already running, skipping")
		return
	}
	defer w.sweepMu.Unlock()

	w.orphanStuckSessions(ctx)
	w.releaseStaleSlots(ctx)
	w.floorCounters(ctx)
	w.purgeEvents(ctx)
	w.publishGauge(ctx)
}

// orphanStuckSessions ends sessions active longer than the stuck-call age
// and unwinds their counters.
func (w *Worker) orphanStuckSessions(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.stuckAge)
	stuck, err := w.sessions.ListOrphaned(ctx, cutoff)
	if err != nil {
		slog.Error("Sweep: failed to list stuck sessions", "error", err)
		return
	}

	for _, session := range stuck {
		if err := w.sessions.MarkEnded(ctx, session.CallID, models.EndReasonOrphaned); err != nil {
			slog.Error("Sweep: failed to orphan session",
				"call_id", session.CallID, "error", err)
			continue
		}
		if err := w.tenants.Decrement(ctx, session.TenantID); err != nil {
			slog.Error("Sweep: failed to decrement tenant counter",
				"tenant_id", session.TenantID, "call_id", session.CallID, "error", err)
		}
		if _, err := w.slots.ReleaseSlot(ctx, session.CallID); err != nil {
			slog.Error("Sweep: failed to release slot",
				"call_id", session.CallID, "error", err)
		}
		metrics.ReconcileCorrections.WithLabelValues("orphaned_session").Inc()
		slog.Warn("Sweep: orphaned stuck session",
			"call_id", session.CallID,
			"tenant_id", session.TenantID,
			"started_at", session.StartedAt)
	}
}

// releaseStaleSlots drops capacity entries whose call id has no active
// session row.
func (w *Worker) releaseStaleSlots(ctx context.Context) {
	activeIDs, err := w.sessions.ActiveCallIDs(ctx)
	if err != nil {
		slog.Error("Sweep: failed to list active call ids", "error", err)
		return
	}
	released, err := w.slots.CleanupStuck(ctx, activeIDs)
	if err != nil {
		slog.Error("Sweep: failed to clean stale slots", "error", err)
		return
	}
	for _, callID := range released {
		metrics.ReconcileCorrections.WithLabelValues("stale_slot").Inc()
		slog.Warn("Sweep: released slot with no backing session", "call_id", callID)
	}
}

func (w *Worker) floorCounters(ctx context.Context) {
	floored, err := w.tenants.FloorNegativeCounters(ctx)
	if err != nil {
		slog.Error("Sweep: failed to floor tenant counters", "error", err)
		return
	}
	if floored > 0 {
		metrics.ReconcileCorrections.WithLabelValues("negative_counter").Inc()
		slog.Warn("Sweep: floored negative tenant counters", "count", floored)
	}
}

func (w *Worker) purgeEvents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.retention)
	purged, err := w.events.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Sweep: failed to purge webhook events", "error", err)
		return
	}
	if purged > 0 {
		slog.Info("Sweep: purged expired webhook events", "count", purged)
	}
}

func (w *Worker) publishGauge(ctx context.Context) {
	snap, err := w.slots.GlobalStatus(ctx)
	if err != nil {
		return
	}
	metrics.GlobalActiveSlots.Set(float64(snap.Active))
}
