package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

var allPhases = []models.Phase{
	models.PhaseInitial,
	models.PhaseKeysGenerated,
	models.PhaseDiscovering,
	models.PhaseConnected,
	models.PhaseExchangingKeys,
	models.PhaseSecureChat,
}

// Metrics is the coordinator's Prometheus surface. A nil *Metrics records nothing.
type Metrics struct {
	reg               prometheus.Registerer
	phaseTransitions  *prometheus.CounterVec
	phase             *prometheus.GaugeVec
	connectAttempts   prometheus.Counter
	transportFailures *prometheus.CounterVec
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	decodeFailures    *prometheus.CounterVec
	droppedInbound    *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg keeps them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		phaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fusionlink_phase_transitions_total",
			Help: "Coordinator phase transitions by target phase",
		}, []string{"phase"}),
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fusionlink_phase",
			Help: "1 for the current coordinator phase, 0 otherwise",
		}, []string{"phase"}),
		connectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "fusionlink_connect_attempts_total",
			Help: "Relay connect attempts, including automatic reconnects",
		}),
		transportFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fusionlink_transport_failures_total",
			Help: "Failed connect attempts and lost links by reason",
		}, []string{"reason"}),
		messagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "fusionlink_messages_sent_total",
			Help: "Encrypted messages handed to the relay",
		}),
		messagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "fusionlink_messages_received_total",
			Help: "Inbound messages that decrypted and passed replay checks",
		}),
		decodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fusionlink_decode_failures_total",
			Help: "Inbound messages rejected by the channel, by error code",
		}, []string{"code"}),
		droppedInbound: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fusionlink_dropped_inbound_frames_total",
			Help: "Inbound frames dropped before decryption, by reason",
		}, []string{"reason"}),
	}
}

// ObserveTransport exports the session's own frame counters.
func (m *Metrics) ObserveTransport(stats func() transport.Stats) {
	if m == nil || m.reg == nil || stats == nil {
		return
	}
	f := promauto.With(m.reg)
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "fusionlink_transport_rate_limited_frames_total",
		Help: "Inbound frames dropped by the per-link rate limit",
	}, func() float64 { return float64(stats().DroppedFrames) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "fusionlink_transport_malformed_frames_total",
		Help: "Inbound frames that failed relay framing",
	}, func() float64 { return float64(stats().MalformedFrames) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "fusionlink_transport_echoed_frames_total",
		Help: "Own frames handed back by the relay and dropped",
	}, func() float64 { return float64(stats().EchoedFrames) })
}

func (m *Metrics) setPhase(from, to models.Phase) {
	if m == nil || from == to {
		return
	}
	m.phaseTransitions.WithLabelValues(string(to)).Inc()
	for _, p := range allPhases {
		v := 0.0
		if p == to {
			v = 1
		}
		m.phase.WithLabelValues(string(p)).Set(v)
	}
}

func (m *Metrics) connectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) transportFailure(reason string) {
	if m == nil {
		return
	}
	m.transportFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) messageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) messageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) decodeFailure(code models.ErrorCode) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) droppedFrame(reason string) {
	if m == nil {
		return
	}
	m.droppedInbound.WithLabelValues(reason).Inc()
}
