// Package metrics defines the Adapter's Prometheus collectors, exported
// over GET /metrics by cmd/adapterd.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every gauge/counter the Adapter exports.
type Registry struct {
	CircuitBreakerState prometheus.Gauge
	BufferFullness      prometheus.Gauge
	HLCDrift            prometheus.Gauge
	DLQSize             prometheus.Gauge
	ReceiptsTotal       *prometheus.CounterVec
	SyncCyclesTotal     prometheus.Counter
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiscaladapter",
			Name:      "circuit_breaker_state",
			Help:      "OFD circuit breaker state: 0=CLOSED 1=OPEN 2=HALF_OPEN.",
		}),
		BufferFullness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiscaladapter",
			Name:      "buffer_fullness_fraction",
			Help:      "Fraction of configured buffer capacity occupied by pending+syncing receipts.",
		}),
		HLCDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiscaladapter",
			Name:      "hlc_drift_seconds",
			Help:      "Seconds by which the HLC's retained local component leads the wall clock.",
		}),
		DLQSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiscaladapter",
			Name:      "dlq_size",
			Help:      "Count of unresolved dead-letter entries.",
		}),
		ReceiptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiscaladapter",
			Name:      "receipts_total",
			Help:      "Receipts processed, labeled by terminal outcome.",
		}, []string{"outcome"}),
		SyncCyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiscaladapter",
			Name:      "sync_cycles_total",
			Help:      "Sync Worker cycles completed.",
		}),
	}

	reg.MustRegister(
		m.CircuitBreakerState, m.BufferFullness, m.HLCDrift,
		m.DLQSize, m.ReceiptsTotal, m.SyncCyclesTotal,
	)
	return m
}
