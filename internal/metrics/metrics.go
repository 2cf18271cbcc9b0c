// Package metrics counts tunnel sessions and relayed traffic, both as
// Prometheus collectors and as plain counters for the periodic stats line.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsrelay"

// Direction labels for bytes_total.
const (
	DirectionUp   = "up"   // client → target
	DirectionDown = "down" // target → client
)

// Metrics records session events. It is safe for concurrent use.
type Metrics struct {
	sessionsTotal  prometheus.Counter
	sessionsActive prometheus.Gauge
	sessionCloses  *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	bytesTotal     *prometheus.CounterVec

	Counters Counters
}

// Counters are the cumulative totals the stats reporter samples.
type Counters struct {
	Opened    atomic.Int64 // sessions started since process start
	Closed    atomic.Int64 // sessions ended since process start
	BytesUp   atomic.Int64 // bytes written to targets
	BytesDown atomic.Int64 // bytes sent back to clients
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	sessionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "sessions_total",
		Help: "Tunnel sessions started.",
	})
	registerer.MustRegister(sessionsTotal)

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "sessions_active",
		Help: "Tunnel sessions currently running.",
	})
	registerer.MustRegister(sessionsActive)

	sessionCloses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Tunnel sessions ended, by close code.",
		},
		[]string{"code"},
	)
	registerer.MustRegister(sessionCloses)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Tunnel failures, by error kind.",
		},
		[]string{"kind"},
	)
	registerer.MustRegister(errorsTotal)

	bytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Payload bytes relayed, by direction.",
		},
		[]string{"direction"},
	)
	registerer.MustRegister(bytesTotal)

	return &Metrics{
		sessionsTotal:  sessionsTotal,
		sessionsActive: sessionsActive,
		sessionCloses:  sessionCloses,
		errorsTotal:    errorsTotal,
		bytesTotal:     bytesTotal,
	}
}

func (m *Metrics) SessionOpened() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
	m.Counters.Opened.Add(1)
}

func (m *Metrics) SessionClosed(code int) {
	m.sessionsActive.Dec()
	m.sessionCloses.WithLabelValues(strconv.Itoa(code)).Inc()
	m.Counters.Closed.Add(1)
}

// RequestRejected counts an upgrade that never became a session.
func (m *Metrics) RequestRejected(code int) {
	m.sessionCloses.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) Error(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) BytesUp(n int) {
	m.bytesTotal.WithLabelValues(DirectionUp).Add(float64(n))
	m.Counters.BytesUp.Add(int64(n))
}

func (m *Metrics) BytesDown(n int) {
	m.bytesTotal.WithLabelValues(DirectionDown).Add(float64(n))
	m.Counters.BytesDown.Add(int64(n))
}

// Handler serves the metrics gathered by gatherer in the Prometheus text
// format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
