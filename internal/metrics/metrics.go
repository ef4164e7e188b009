package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names. Drops are counted per reason so operators can tell protocol
// noise apart from real faults.
const (
	SignalSent                 = "signal_sent"
	SignalSendFailed           = "signal_send_failed"
	SignalReceived             = "signal_received"
	DropMalformed              = "signal_dropped_malformed"
	DropNotReady               = "signal_dropped_not_ready"
	DropUnexpectedState        = "signal_dropped_unexpected_state"
	DropCandidateNoRemote      = "candidate_dropped_no_remote_description"
	DropUnknownPeerDisconnect  = "signal_dropped_unknown_peer_disconnect"
	DropSelfAddressed          = "signal_dropped_self_addressed"
	LocalDescriptionUnexpected = "local_description_unexpected"
	NegotiationFailed          = "negotiation_failed"
	ConnectivityLost           = "connectivity_lost"
	NativeCreateFailed         = "native_session_create_failed"
	ClientDied                 = "client_died"
	RelayErrorFrame            = "relay_error_frame"
	RelayInvalidFrame          = "relay_invalid_frame"
	RelaySendQueueFull         = "relay_send_queue_full"
	IceServersFallback         = "ice_servers_fallback"

	HubConnections      = "hub_connections"
	HubRejectedIdentity = "hub_rejected_duplicate_identity"
	HubPublished        = "hub_published"
	HubDelivered        = "hub_delivered"
	HubPeerOffline      = "hub_peer_offline"
	HubRateLimited      = "hub_rate_limited"
	HubInvalidFrame     = "hub_invalid_frame"
	HubMessageTooLarge  = "hub_message_too_large"
	HubAuthFailed       = "hub_auth_failed"
)

const namespace = "aero_p2p"

// Metrics owns a private Prometheus registry so independent components (and
// tests) never collide on the global one.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	events      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	sessions    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Internal event counters.",
		}, []string{"event"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Negotiation state transitions.",
		}, []string{"from", "to"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live peer sessions.",
		}),
	}
	m.registry.MustRegister(m.events, m.transitions, m.sessions)
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	return counterValue(m.events.WithLabelValues(name))
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Transitions(from, to string) uint64 {
	if m == nil {
		return 0
	}
	if from == "" {
		from = "none"
	}
	return counterValue(m.transitions.WithLabelValues(from, to))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) ActiveSessions() int {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.sessions.Write(&out); err != nil {
		return 0
	}
	return int(out.GetGauge().GetValue())
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func counterValue(c prometheus.Counter) uint64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}
