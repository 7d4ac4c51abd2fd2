package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts run activity for the /metrics endpoint.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	pollErrors    prometheus.Counter
}

// NewMetrics builds and registers the orchestrator collectors. Double
// registration reuses the existing collectors, which keeps tests that
// build multiple services from panicking.
func NewMetrics() *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrate",
			Subsystem: "orchestrator",
			Name:      "runs_started_total",
			Help:      "Count of runs accepted for execution",
		}, []string{"kind"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrate",
			Subsystem: "orchestrator",
			Name:      "runs_completed_total",
			Help:      "Count of runs reaching a terminal status",
		}, []string{"kind", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "substrate",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of completed runs",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"kind"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "substrate",
			Subsystem: "orchestrator",
			Name:      "backend_poll_errors_total",
			Help:      "Count of transient backend poll failures",
		}),
	}

	m.runsStarted = registerCounterVec(m.runsStarted)
	m.runsCompleted = registerCounterVec(m.runsCompleted)
	m.runDuration = registerHistogramVec(m.runDuration)
	m.pollErrors = registerCounter(m.pollErrors)
	return m
}

func (m *Metrics) runStarted(kind string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(kind).Inc()
}

func (m *Metrics) runCompleted(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(kind, status).Inc()
	m.runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) pollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}

func registerHistogramVec(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return h
}

func registerCounter(c prometheus.Counter) prometheus.Counter {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}
