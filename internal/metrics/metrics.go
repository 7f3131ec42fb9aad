package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "votifier"

// Metrics owns its registry so several servers (and tests) can coexist in
// one process.
type Metrics struct {
	reg *prometheus.Registry

	connsAccepted prometheus.Counter
	connsActive   prometheus.Gauge
	votes         *prometheus.CounterVec
	forwarded     *prometheus.CounterVec
	forwardDrops  *prometheus.CounterVec
	errors        *prometheus.CounterVec
	decode        *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted vote connections.",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Vote connections currently open.",
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Votes dispatched, by protocol version.",
		}, []string{"protocol"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_votes_total",
			Help:      "Votes received from a forwarding relay, by transport.",
		}, []string{"transport"}),
		forwardDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_drops_total",
			Help:      "Relay messages dropped, by reason.",
		}, []string{"reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Connections that failed, by error class and kind.",
		}, []string{"class", "kind"}),
		decode: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decode_seconds",
			Help:      "Time spent decoding one vote.",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"protocol"}),
	}
	m.reg.MustRegister(
		m.connsAccepted,
		m.connsActive,
		m.votes,
		m.forwarded,
		m.forwardDrops,
		m.errors,
		m.decode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ConnOpened records an accepted connection and returns the func to call
// when it closes.
func (m *Metrics) ConnOpened() func() {
	if m == nil {
		return func() {}
	}
	m.connsAccepted.Inc()
	m.connsActive.Inc()
	return m.connsActive.Dec
}

func (m *Metrics) IncVote(protocol string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(protocol).Inc()
}

func (m *Metrics) IncForwarded(transport string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncForwardDrop(reason string) {
	if m == nil {
		return
	}
	m.forwardDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncError(class, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(class, kind).Inc()
}

func (m *Metrics) ObserveDecode(protocol string, d time.Duration) {
	if m == nil {
		return
	}
	m.decode.WithLabelValues(protocol).Observe(d.Seconds())
}
