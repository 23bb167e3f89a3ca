// Package metrics exposes callgate's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider429Total counts HTTP 429 responses from the upstream provider
	// during outbound call initiation. Each one triggers an immediate slot
	// release.
	Provider429Total = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callgate_provider_429_total",
		Help: "Total provider rate-limit rejections during outbound initiation",
	})

	// AdmissionRejections counts admission failures by structured reason.
	// Capacity rejections are expected traffic, not errors.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callgate_admission_rejections_total",
		Help: "Total admission rejections by reason code",
	}, []string{"reason"})

	// AdmissionsTotal counts successful slot acquisitions by direction.
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callgate_admissions_total",
		Help: "Total successful call admissions by direction",
	}, []string{"direction"})

	// InboundDisabledTotal counts inbound calls rejected by the
	// PHONE_INBOUND_ENABLED kill switch. Kept separate from capacity
	// rejections so operators can tell "feature off" apart from "full".
	InboundDisabledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callgate_inbound_disabled_total",
		Help: "Total inbound calls rejected because inbound admission is disabled",
	})

	// DuplicateWebhooksTotal counts provider events acknowledged as
	// duplicates without side effects.
	DuplicateWebhooksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callgate_duplicate_webhooks_total",
		Help: "Total webhook events recognized as duplicates",
	})

	// ReconcileCorrections counts counter corrections applied by the
	// reconciliation sweep, by kind (orphaned_session, stale_slot).
	ReconcileCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callgate_reconcile_corrections_total",
		Help: "Total corrections applied by the reconciliation sweep",
	}, []string{"kind"})

	// GlobalActiveSlots mirrors the global capacity counter for dashboards.
	// Advisory only; never used as a gate.
	GlobalActiveSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callgate_global_active_slots",
		Help: "Current global active call slots (advisory snapshot)",
	})
)
