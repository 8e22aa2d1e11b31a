// Package metrics exposes scheduler runtime metrics via Prometheus.
// Ported from the teacher's graph.PrometheusMetrics, re-labelled for
// the task pool and job dispatcher instead of node execution.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler collects cylc_ namespaced gauges, histograms and counters
// for the task pool, job dispatcher, and stall/broadcast subsystems.
//
// Metrics:
//   - active_proxies: current pool size. Labels: none.
//   - runahead_waiting: proxies parked beyond the runahead window.
//   - platform_queue_depth: pending submissions per platform. Labels: platform.
//   - job_latency_ms: submit-to-terminal-state duration. Labels: name, status.
//   - submits_total: cumulative submission attempts. Labels: name, platform.
//   - retries_total: cumulative retries. Labels: name, kind (submission/execution).
//   - stalls_total: cumulative stall detections.
type Scheduler struct {
	activeProxies       prometheus.Gauge
	runaheadWaiting     prometheus.Gauge
	platformQueueDepth  *prometheus.GaugeVec
	jobLatency          *prometheus.HistogramVec
	submits             *prometheus.CounterVec
	retries             *prometheus.CounterVec
	stalls              prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// New registers all scheduler metrics with registry (pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation).
func New(registry prometheus.Registerer) *Scheduler {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Scheduler{
		enabled: true,
		activeProxies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cylc",
			Name:      "active_proxies",
			Help:      "Current number of task proxies in the pool",
		}),
		runaheadWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cylc",
			Name:      "runahead_waiting",
			Help:      "Task proxies parked beyond the runahead window",
		}),
		platformQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cylc",
			Name:      "platform_queue_depth",
			Help:      "Pending job submissions per platform",
		}, []string{"platform"}),
		jobLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cylc",
			Name:      "job_latency_ms",
			Help:      "Duration from submission to terminal job state, in milliseconds",
			Buckets:   []float64{100, 500, 1000, 5000, 10000, 60000, 300000, 3600000},
		}, []string{"name", "status"}),
		submits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cylc",
			Name:      "submits_total",
			Help:      "Cumulative job submission attempts",
		}, []string{"name", "platform"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cylc",
			Name:      "retries_total",
			Help:      "Cumulative task retries",
		}, []string{"name", "kind"}),
		stalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cylc",
			Name:      "stalls_total",
			Help:      "Cumulative workflow stall detections",
		}),
	}
}

func (m *Scheduler) UpdateActiveProxies(count int) {
	if !m.isEnabled() {
		return
	}
	m.activeProxies.Set(float64(count))
}

func (m *Scheduler) UpdateRunaheadWaiting(count int) {
	if !m.isEnabled() {
		return
	}
	m.runaheadWaiting.Set(float64(count))
}

func (m *Scheduler) UpdatePlatformQueueDepth(platform string, depth int) {
	if !m.isEnabled() {
		return
	}
	m.platformQueueDepth.WithLabelValues(platform).Set(float64(depth))
}

func (m *Scheduler) RecordJobLatency(name string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.jobLatency.WithLabelValues(name, status).Observe(float64(latency.Milliseconds()))
}

func (m *Scheduler) IncrementSubmits(name, platform string) {
	if !m.isEnabled() {
		return
	}
	m.submits.WithLabelValues(name, platform).Inc()
}

// IncrementRetries records a retry; kind is "submission" or "execution".
func (m *Scheduler) IncrementRetries(name, kind string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(name, kind).Inc()
}

func (m *Scheduler) IncrementStalls() {
	if !m.isEnabled() {
		return
	}
	m.stalls.Inc()
}

func (m *Scheduler) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Scheduler) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Scheduler) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
