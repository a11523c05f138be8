// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vyperd"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	poolBusy        prometheus.Gauge
	poolWaiting     prometheus.Gauge
	compileTotal    *prometheus.CounterVec
	compileDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		poolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "busy_workers",
			Help:      "Number of workers currently running a compilation.",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "waiting_tasks",
			Help:      "Number of compilations waiting for a free worker.",
		}),
		compileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_requests_total",
			Help:      "Compile requests by response status.",
		}, []string{"status"}),
		compileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Backend compile time, queueing included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"status"}),
	}
	reg.MustRegister(m.poolBusy, m.poolWaiting, m.compileTotal, m.compileDuration)
	return m
}

func (m *Metrics) TaskWaiting() {
	if m != nil {
		m.poolWaiting.Inc()
	}
}

func (m *Metrics) TaskStarted() {
	if m != nil {
		m.poolWaiting.Dec()
		m.poolBusy.Inc()
	}
}

// TaskAbandoned is recorded when a waiting task never reaches a worker.
func (m *Metrics) TaskAbandoned() {
	if m != nil {
		m.poolWaiting.Dec()
	}
}

func (m *Metrics) TaskFinished() {
	if m != nil {
		m.poolBusy.Dec()
	}
}

// ObserveCompile records one compile request outcome ("success", "failed" or "invalid").
func (m *Metrics) ObserveCompile(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.compileTotal.WithLabelValues(status).Inc()
	if elapsed > 0 {
		m.compileDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	}
}
