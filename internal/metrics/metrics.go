package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomserver"

var (
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "active",
		Help:      "Rooms currently open.",
	})
	RoomsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "closed_total",
		Help:      "Rooms closed, by cause.",
	}, []string{"cause"})
	RoomMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "members",
		Help:      "Peers currently joined to a room.",
	})
	PeersRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "peer",
		Name:      "registered",
		Help:      "Registered peers.",
	})
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "connections",
		Help:      "Open signaling connections.",
	})
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "messages_total",
		Help:      "Signaling requests handled, by type and error code.",
	}, []string{"type", "code"})
	MessageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "message_duration_seconds",
		Help:      "Time spent handling a signaling request.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"type"})
	Webhooks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Room callback deliveries, by event and outcome.",
	}, []string{"event", "outcome"})

	initOnce sync.Once
)

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RoomsActive,
			RoomsClosed,
			RoomMembers,
			PeersRegistered,
			Connections,
			Messages,
			MessageDuration,
			Webhooks,
		)
	})
}

// ObserveMessage records one handled request. An empty code means success.
func ObserveMessage(messageType, code string, started time.Time) {
	if code == "" {
		code = "ok"
	}
	Messages.WithLabelValues(messageType, code).Inc()
	MessageDuration.WithLabelValues(messageType).Observe(time.Since(started).Seconds())
}
