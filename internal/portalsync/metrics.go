package portalsync

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
)

// Metrics exposes Prometheus collectors for portal delivery.
type Metrics struct {
	attempts *prometheus.CounterVec
	depth    *prometheus.GaugeVec
}

// NewMetrics registers delivery metrics against registerer, falling back to
// the default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_pos_sync_attempts_total",
		Help: "Portal delivery attempts partitioned by mutation kind and result.",
	}, []string{"kind", "result"})
	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odyssey_pos_sync_events",
		Help: "Sync events currently held in the outbox by status.",
	}, []string{"status"})
	registerer.MustRegister(attempts, depth)
	return &Metrics{attempts: attempts, depth: depth}
}

func (m *Metrics) observe(kind inventory.MutationKind, status Status) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) setDepth(counts map[inventory.SyncStatus]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.depth.WithLabelValues(string(status)).Set(float64(n))
	}
}
