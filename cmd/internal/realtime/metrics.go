package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime subsystem's Prometheus instruments.
type Metrics struct {
	Connections       prometheus.Gauge
	RoomMemberships   prometheus.Gauge
	MessagesPersisted prometheus.Counter
	EnvelopesSent     prometheus.Counter
	EnvelopesDropped  prometheus.Counter
	HandshakeRejects  *prometheus.CounterVec
}

// NewMetrics registers the realtime instruments on reg. A nil reg registers on
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "visage",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket sessions.",
		}),
		RoomMemberships: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "visage",
			Subsystem: "ws",
			Name:      "room_memberships",
			Help:      "Live (session, room) fan-out subscriptions.",
		}),
		MessagesPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "visage",
			Subsystem: "chat",
			Name:      "messages_persisted_total",
			Help:      "Messages durably written through the send pipeline.",
		}),
		EnvelopesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "visage",
			Subsystem: "ws",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes enqueued to client send queues.",
		}),
		EnvelopesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "visage",
			Subsystem: "ws",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes dropped because a client queue was full or closing.",
		}),
		HandshakeRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visage",
			Subsystem: "ws",
			Name:      "handshake_rejects_total",
			Help:      "Websocket handshakes rejected, by reason.",
		}, []string{"reason"}),
	}
}

// NopMetrics returns unregistered instruments for tests.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
