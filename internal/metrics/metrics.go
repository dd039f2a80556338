package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the service. All methods are
// safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal     *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	PollAttempts   prometheus.Histogram
	RemoteRequests *prometheus.CounterVec

	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	QueueRejections prometheus.Counter
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundrychat_turns_total",
				Help: "Conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "foundrychat_turn_duration_seconds",
				Help:    "Wall time of a conversation turn",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		),
		PollAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "foundrychat_poll_attempts",
				Help:    "Run status checks issued per turn",
				Buckets: prometheus.LinearBuckets(1, 3, 11),
			},
		),
		RemoteRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundrychat_remote_requests_total",
				Help: "Requests sent to the remote agent API",
			},
			[]string{"op", "status"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "foundrychat_sessions_active",
				Help: "Sessions with a live turn worker",
			},
		),
		SessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "foundrychat_sessions_created_total",
				Help: "Sessions created",
			},
		),
		QueueRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "foundrychat_queue_rejections_total",
				Help: "Turns rejected because the session queue was full",
			},
		),
	}

	registry.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.PollAttempts,
		m.RemoteRequests,
		m.SessionsActive,
		m.SessionsCreated,
		m.QueueRejections,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TurnFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PollFinished(attempts int) {
	if m == nil {
		return
	}
	m.PollAttempts.Observe(float64(attempts))
}

// RemoteRequest counts one remote call; status 0 means the request never got
// a response.
func (m *Metrics) RemoteRequest(op string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.RemoteRequests.WithLabelValues(op, label).Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.QueueRejections.Inc()
}
