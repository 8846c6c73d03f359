// Package metrics exposes prometheus instrumentation for the rendezvous
// service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeNoWaiter = "no_waiter"
	OutcomeBadForm  = "bad_request"
)

// Rendezvous outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeInvalid   = "invalid"
)

// Metrics owns its own prometheus registry so tests can construct as many
// instances as they like. All methods are safe on a nil receiver, which
// disables instrumentation.
type Metrics struct {
	reg          *prometheus.Registry
	submissions  *prometheus.CounterVec
	rendezvous   *prometheus.CounterVec
	waitDuration prometheus.Histogram
}

// New builds and registers the service collectors. activeWaiters, when
// non-nil, backs a gauge reporting the number of live rendezvous entries.
func New(activeWaiters func() int) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cropgate_submissions_total",
				Help: "Decision submissions received, by outcome",
			},
			[]string{"outcome"},
		),
		rendezvous: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cropgate_rendezvous_total",
				Help: "Completed rendezvous waits, by outcome",
			},
			[]string{"outcome"},
		),
		waitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cropgate_wait_duration_seconds",
				Help:    "Time workers spent blocked waiting for a decision",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 11),
			},
		),
	}
	m.reg.MustRegister(m.submissions, m.rendezvous, m.waitDuration)

	if activeWaiters != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cropgate_active_waiters",
				Help: "Waiters currently registered and pending a decision",
			},
			func() float64 { return float64(activeWaiters()) },
		))
	}
	return m
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Submission records one submission outcome.
func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// Rendezvous records one completed wait and its duration.
func (m *Metrics) Rendezvous(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rendezvous.WithLabelValues(outcome).Inc()
	m.waitDuration.Observe(elapsed.Seconds())
}
