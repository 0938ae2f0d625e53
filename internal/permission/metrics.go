package permission

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics collects Prometheus metrics for the permission engine.
// A nil receiver disables collection, which tests rely on.
type EngineMetrics struct {
	evalDuration *prometheus.HistogramVec
	cacheHits    *prometheus.CounterVec
	cacheMisses  prometheus.Counter
	sweepRetries prometheus.Counter
	sweepResidue prometheus.Counter
	cascadeWidth prometheus.Histogram
	denialsTotal prometheus.Counter
}

// NewEngineMetrics registers the engine collectors on the registry.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		evalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nimbus_permission_eval_duration_seconds",
			Help:    "Durasi resolusi effective permissions per jenis context.",
			Buckets: prometheus.DefBuckets,
		}, []string{"context"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimbus_permission_cache_hits_total",
			Help: "Cache hit per tier (local atau redis).",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_permission_cache_misses_total",
			Help: "Resolusi yang jatuh ke store.",
		}),
		sweepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_permission_invalidation_retries_total",
			Help: "Jumlah retry pada prefix delete.",
		}),
		sweepResidue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_permission_invalidation_residue_total",
			Help: "Sisa key cache setelah seluruh retry habis.",
		}),
		cascadeWidth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nimbus_permission_role_cascade_roles",
			Help:    "Jumlah role yang ditulis ulang per update cascade.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		denialsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_permission_denials_total",
			Help: "Jumlah keputusan deny.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.evalDuration, m.cacheHits, m.cacheMisses,
			m.sweepRetries, m.sweepResidue, m.cascadeWidth, m.denialsTotal)
	}
	return m
}

func (m *EngineMetrics) observeEval(contextKind string, seconds float64) {
	if m == nil {
		return
	}
	m.evalDuration.WithLabelValues(contextKind).Observe(seconds)
}

func (m *EngineMetrics) hit(tier string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(tier).Inc()
}

func (m *EngineMetrics) miss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *EngineMetrics) retry() {
	if m == nil {
		return
	}
	m.sweepRetries.Inc()
}

func (m *EngineMetrics) residue(n int) {
	if m == nil {
		return
	}
	m.sweepResidue.Add(float64(n))
}

func (m *EngineMetrics) cascade(size int) {
	if m == nil {
		return
	}
	m.cascadeWidth.Observe(float64(size))
}

func (m *EngineMetrics) denied() {
	if m == nil {
		return
	}
	m.denialsTotal.Inc()
}
