// Package metrics holds the pipeline's Prometheus instruments. All metrics
// use the capsule_pipeline_ namespace.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the pipeline's Prometheus instruments. A nil *Metrics is
// valid and turns every record call into a no-op, so wiring is optional.
type Metrics struct {
	AdmissionsTotal *prometheus.CounterVec
	DedupHitsTotal  prometheus.Counter
	CacheHitsTotal  prometheus.Counter
	QueueDepth      prometheus.Gauge
	JobDuration     *prometheus.HistogramVec
	SandboxDuration prometheus.Histogram
	BreakerState    prometheus.Gauge
}

// New creates and registers pipeline metrics on the given registry.
// Returns nil if reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capsule",
			Subsystem: "pipeline",
			Name:      "admissions_total",
			Help:      "Admission decisions by job kind and outcome.",
		}, []string{"kind", "outcome"}),

		DedupHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capsule",
			Subsystem: "pipeline",
			Name:      "dedup_hits_total",
			Help:      "Admissions answered from a live idempotency record.",
		}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capsule",
			Subsystem: "pipeline",
			Name:      "semantic_cache_hits_total",
			Help:      "Generation admissions answered from the semantic cache.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capsule",
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Approximate number of in-flight jobs.",
		}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "capsule",
			Subsystem: "pipeline",
			Name:      "job_duration_seconds",
			Help:      "Queued-to-terminal job duration by kind and final status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"kind", "status"}),

		SandboxDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capsule",
			Subsystem: "pipeline",
			Name:      "sandbox_call_duration_seconds",
			Help:      "Wall-clock duration of remote sandbox calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capsule",
			Subsystem: "pipeline",
			Name:      "breaker_state",
			Help:      "Generation circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
	}

	reg.MustRegister(
		m.AdmissionsTotal,
		m.DedupHitsTotal,
		m.CacheHitsTotal,
		m.QueueDepth,
		m.JobDuration,
		m.SandboxDuration,
		m.BreakerState,
	)
	return m
}

// Admission records one admission decision.
func (m *Metrics) Admission(kind, outcome string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(kind, outcome).Inc()
}

// DedupHit records an idempotency-window hit.
func (m *Metrics) DedupHit() {
	if m == nil {
		return
	}
	m.DedupHitsTotal.Inc()
}

// CacheHit records a semantic-cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// SetQueueDepth publishes the approximate in-flight count.
func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveJob records a finished job's duration.
func (m *Metrics) ObserveJob(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(kind, status).Observe(seconds)
}

// ObserveSandbox records one sandbox call's duration.
func (m *Metrics) ObserveSandbox(seconds float64) {
	if m == nil {
		return
	}
	m.SandboxDuration.Observe(seconds)
}

// SetBreakerState publishes the breaker state by name.
func (m *Metrics) SetBreakerState(state string) {
	if m == nil {
		return
	}
	switch state {
	case "closed":
		m.BreakerState.Set(0)
	case "half-open":
		m.BreakerState.Set(1)
	case "open":
		m.BreakerState.Set(2)
	}
}
