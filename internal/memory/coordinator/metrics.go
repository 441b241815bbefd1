package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments coordinator operations and the maintenance cycle.
type Metrics struct {
	operations     *prometheus.CounterVec
	consolidations prometheus.Counter
	cycles         *prometheus.CounterVec
	swept          prometheus.Counter
	mined          prometheus.Counter
	degraded       *prometheus.GaugeVec
}

// NewMetrics registers the coordinator collectors. A nil registerer yields
// an unregistered set, which tests use to avoid global registry conflicts.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memstack_operations_total",
			Help: "Coordinator operations by method name.",
		}, []string{"operation"}),
		consolidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memstack_consolidations_total",
			Help: "Conversations promoted into long-term profiles.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memstack_maintenance_cycles_total",
			Help: "Background maintenance cycles by result.",
		}, []string{"result"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memstack_swept_entries_total",
			Help: "Expired short-term entries removed by maintenance.",
		}),
		mined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memstack_mined_triples_total",
			Help: "Semantic relationships mined from successful episodes.",
		}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memstack_tier_degraded",
			Help: "1 when a tier serves from its in-process shadow store.",
		}, []string{"tier"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.consolidations, m.cycles, m.swept, m.mined, m.degraded)
	}
	return m
}

func (m *Metrics) Operation(name string) {
	m.operations.WithLabelValues(name).Inc()
}

func (m *Metrics) Consolidation() {
	m.consolidations.Inc()
}

func (m *Metrics) Cycle(ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.cycles.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(n int) {
	m.swept.Add(float64(n))
}

func (m *Metrics) Mined(n int) {
	m.mined.Add(float64(n))
}

func (m *Metrics) SetDegraded(tier string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.degraded.WithLabelValues(tier).Set(v)
}
