package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentvault",
		Subsystem: "reconciliation",
		Name:      "pending_resolved_total",
		Help:      "PENDING transactions resolved by reconciliation, by final status.",
	}, []string{"status"})

	stuckPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rentvault",
		Subsystem: "reconciliation",
		Name:      "stuck_pending",
		Help:      "PENDING transactions still undecided after the last run.",
	})

	droppedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rentvault",
		Subsystem: "reconciliation",
		Name:      "dropped_anchor_updates_total",
		Help:      "Anchor callbacks for transactions that are not on record.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rentvault",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rentvault",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation item errors.",
	})
)

func init() {
	prometheus.MustRegister(
		pendingResolved,
		stuckPending,
		droppedUpdates,
		reconcileDuration,
		reconcileErrors,
	)
}
