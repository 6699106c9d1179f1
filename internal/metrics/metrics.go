// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts inbound webhook requests by channel and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "payments",
		Name:      "webhook_requests_total",
		Help:      "Inbound payment webhooks by channel and HTTP status.",
	}, []string{"channel", "status"})

	// EventsRecordedTotal counts payment events by channel and whether the insert
	// was new or a redelivery.
	EventsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "payments",
		Name:      "events_recorded_total",
		Help:      "Payment events recorded by channel and result (new, duplicate).",
	}, []string{"channel", "result"})

	ApplyOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "reconciler",
		Name:      "apply_outcomes_total",
		Help:      "Reconciler results by channel and outcome.",
	}, []string{"channel", "outcome"})

	ApplyConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "reconciler",
		Name:      "version_conflicts_total",
		Help:      "Optimistic version conflicts hit while applying payments.",
	})

	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "duka",
		Subsystem: "reconciler",
		Name:      "apply_duration_seconds",
		Help:      "Time spent applying one payment event, retries included.",
		Buckets:   prometheus.DefBuckets,
	})

	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duka",
		Subsystem: "dispatcher",
		Name:      "queue_depth",
		Help:      "Payment events waiting for a dispatcher worker.",
	})

	RemindersSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "reminders",
		Name:      "sent_total",
		Help:      "Reminders recorded and fanned out, by type.",
	}, []string{"type"})

	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "confirm",
		Name:      "outbound_total",
		Help:      "Outbound provider confirmations by result.",
	}, []string{"result"})
)
