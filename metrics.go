package roomkit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "roomkit"

// metrics is a no-op when the engine has no registerer.
type metrics struct {
	enabled bool

	transitions     *prometheus.CounterVec
	joined          prometheus.Gauge
	remoteUsers     prometheus.Gauge
	activeSlots     prometheus.Gauge
	framesDelivered prometheus.Counter
	framesDropped   prometheus.Counter
	messages        *prometheus.CounterVec
	seiExpired      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return &metrics{enabled: false}
	}

	factory := promauto.With(reg)

	return &metrics{
		enabled: true,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by event",
		}, []string{"event"}),
		joined: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "joined",
			Help:      "1 while the session is joined to a room",
		}),
		remoteUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "remote_users",
			Help:      "Remote users in the roster",
		}),
		activeSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "slot",
			Name:      "active",
			Help:      "Bound stream slots",
		}),
		framesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "slot",
			Name:      "frames_delivered_total",
			Help:      "Frames handed to render sinks",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "slot",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a slot buffer was full",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "message",
			Name:      "sent_total",
			Help:      "Custom and SEI messages by path and result",
		}, []string{"path", "result"}),
		seiExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "message",
			Name:      "sei_expired_total",
			Help:      "SEI messages dropped before enough frames carried them",
		}),
	}
}

func (m *metrics) transition(event string) {
	if !m.enabled {
		return
	}

	m.transitions.WithLabelValues(event).Inc()
}

func (m *metrics) setJoined(joined bool) {
	if !m.enabled {
		return
	}

	if joined {
		m.joined.Set(1)
	} else {
		m.joined.Set(0)
	}
}

func (m *metrics) setRemoteUsers(n int) {
	if !m.enabled {
		return
	}

	m.remoteUsers.Set(float64(n))
}

func (m *metrics) slotAdded() {
	if m.enabled {
		m.activeSlots.Inc()
	}
}

func (m *metrics) slotRemoved() {
	if m.enabled {
		m.activeSlots.Dec()
	}
}

func (m *metrics) frameDelivered() {
	if m.enabled {
		m.framesDelivered.Inc()
	}
}

func (m *metrics) frameDropped() {
	if m.enabled {
		m.framesDropped.Inc()
	}
}

func (m *metrics) message(path string, err error) {
	if !m.enabled {
		return
	}

	result := "accepted"
	if err != nil {
		result = "rejected"
	}

	m.messages.WithLabelValues(path, result).Inc()
}

func (m *metrics) seiDropped() {
	if m.enabled {
		m.seiExpired.Inc()
	}
}
