// Package metrics exports tuning activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/ktune/internal/result"
)

const namespace = "ktune"

// Metrics holds the collectors of one registry.
type Metrics struct {
	reg *prometheus.Registry

	attempts  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	incorrect *prometheus.CounterVec
	best      *prometheus.GaugeVec
	sessions  *prometheus.GaugeVec

	mu      sync.Mutex
	fastest map[string]float64
}

// New registers the tuning collectors, plus the Go and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg:     reg,
		fastest: make(map[string]float64),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Attempted configurations by kernel and status.",
		}, []string{"kernel", "status"}),
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kernel_duration_seconds",
			Help:      "Kernel duration of successful attempts.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"kernel", "device"}),
		incorrect: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incorrect_total",
			Help:      "Attempts whose outputs did not match the reference.",
		}, []string{"kernel"}),
		best: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_duration_seconds",
			Help:      "Fastest kernel duration recorded so far.",
		}, []string{"kernel"}),
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Tuning sessions by state.",
		}, []string{"state"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe records one result. It has the shape of a tuner result hook.
func (m *Metrics) Observe(r result.Result) {
	m.attempts.WithLabelValues(r.Kernel, string(r.Status)).Inc()
	if !r.Ok() {
		return
	}
	if r.Incorrect() {
		m.incorrect.WithLabelValues(r.Kernel).Inc()
		return
	}
	secs := r.Duration.Seconds()
	m.durations.WithLabelValues(r.Kernel, strconv.Itoa(r.Device)).Observe(secs)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.fastest[r.Kernel]; !ok || secs < cur {
		m.fastest[r.Kernel] = secs
		m.best.WithLabelValues(r.Kernel).Set(secs)
	}
}

// SessionStarted and SessionEnded track running sessions.
func (m *Metrics) SessionStarted() { m.sessions.WithLabelValues("running").Inc() }

func (m *Metrics) SessionEnded(state string) {
	m.sessions.WithLabelValues("running").Dec()
	m.sessions.WithLabelValues(state).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
