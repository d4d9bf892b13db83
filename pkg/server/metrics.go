package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aeolun/campusnet/pkg/protocol"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registerer prometheus.Registerer

	envelopesReceived *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	malformed         prometheus.Counter
	handlerDuration   *prometheus.HistogramVec
	sessionsActive    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	onlineIdentities  prometheus.Gauge
	rejected          prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registerer: reg,
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campus_envelopes_received_total",
			Help: "Envelopes received from clients, by category",
		}, []string{"category"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campus_envelopes_sent_total",
			Help: "Envelopes sent to clients, by category",
		}, []string{"category"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campus_malformed_envelopes_total",
			Help: "Frames or bodies that could not be decoded",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "campus_handler_duration_seconds",
			Help:    "Time spent in request handlers",
			Buckets: prometheus.DefBuckets,
		}, []string{"category", "outcome"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campus_sessions_active",
			Help: "Live connections",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campus_sessions_total",
			Help: "Connections accepted since start",
		}),
		onlineIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campus_online_identities",
			Help: "Identities with an online session",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campus_connections_rejected_total",
			Help: "Connections refused because the worker pool was full",
		}),
	}

	reg.MustRegister(
		m.envelopesReceived,
		m.envelopesSent,
		m.malformed,
		m.handlerDuration,
		m.sessionsActive,
		m.sessionsTotal,
		m.onlineIdentities,
		m.rejected,
	)
	return m
}

func (m *Metrics) RecordEnvelopeReceived(category protocol.Category) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(category.String()).Inc()
}

func (m *Metrics) RecordEnvelopeSent(category protocol.Category) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(category.String()).Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// ObserveHandler records one handler run. outcome is ok, fail, error or timeout.
func (m *Metrics) ObserveHandler(category protocol.Category, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(category.String(), outcome).Observe(d.Seconds())
}

func (m *Metrics) RecordSessionCreated(active int) {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Set(float64(active))
}

func (m *Metrics) RecordSessionClosed(active, online int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(active))
	m.onlineIdentities.Set(float64(online))
}

func (m *Metrics) RecordOnline(online int) {
	if m == nil {
		return
	}
	m.onlineIdentities.Set(float64(online))
}

func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}
