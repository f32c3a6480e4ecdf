package monitoring

import (
	"net/http"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector records negotiation and media counters on its own
// registry, so several participants in one process do not collide.
type PrometheusCollector struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsOpened   *prometheus.CounterVec
	signalsSent      *prometheus.CounterVec
	signalsReceived  *prometheus.CounterVec
	signalsDropped   *prometheus.CounterVec
	glareResolutions *prometheus.CounterVec
	restarts         prometheus.Counter
	connectionStates *prometheus.CounterVec
	trackSwitches    *prometheus.CounterVec

	rtpBytes         *prometheus.CounterVec
	rtpPackets       *prometheus.CounterVec
	rtpLost          *prometheus.CounterVec
	rtcpPackets      *prometheus.CounterVec
	keyframeRequests *prometheus.CounterVec
}

var _ ports.SessionMetrics = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "classmesh_peer_sessions_active",
			Help: "Number of live peer sessions",
		}),

		sessionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_peer_sessions_opened_total",
			Help: "Peer sessions created, by negotiation role",
		}, []string{"role"}),

		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_signals_sent_total",
			Help: "Signal messages written to the channel",
		}, []string{"type"}),

		signalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_signals_received_total",
			Help: "Signal messages accepted from the inbox",
		}, []string{"type"}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_signals_dropped_total",
			Help: "Signal messages discarded, by reason",
		}, []string{"reason"}),

		glareResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_glare_resolutions_total",
			Help: "Offer collisions, by outcome",
		}, []string{"outcome"}),

		restarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "classmesh_session_restarts_total",
			Help: "Session restarts scheduled after a failed connection",
		}),

		connectionStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_connection_state_changes_total",
			Help: "Peer connection state transitions",
		}, []string{"state"}),

		trackSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_track_switches_total",
			Help: "Outgoing video source switches",
		}, []string{"source"}),

		rtpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_rtp_received_bytes_total",
			Help: "RTP bytes received on remote tracks",
		}, []string{"kind"}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_rtp_received_packets_total",
			Help: "RTP packets received on remote tracks",
		}, []string{"kind"}),

		rtpLost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_rtp_lost_packets_total",
			Help: "RTP packets missing from sequence numbers",
		}, []string{"kind"}),

		rtcpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_rtcp_received_packets_total",
			Help: "RTCP packets received, by type",
		}, []string{"type"}),

		keyframeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_keyframe_requests_total",
			Help: "Picture loss indications sent",
		}, []string{"kind"}),
	}
}

// Handler serves the collector's registry in the exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusCollector) SessionOpened(initiator bool) {
	p.sessionsActive.Inc()

	role := "responder"
	if initiator {
		role = "initiator"
	}
	p.sessionsOpened.WithLabelValues(role).Inc()
}

func (p *PrometheusCollector) SessionClosed() {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) SignalSent(t domain.SignalType) {
	p.signalsSent.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) SignalReceived(t domain.SignalType) {
	p.signalsReceived.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) SignalDropped(reason string) {
	p.signalsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) GlareResolved(rolledBack bool) {
	outcome := "ignored"
	if rolledBack {
		outcome = "rolled_back"
	}
	p.glareResolutions.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RestartScheduled() {
	p.restarts.Inc()
}

func (p *PrometheusCollector) ConnectionStateChanged(state domain.ConnectionState) {
	p.connectionStates.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) TrackSwitched(kind domain.SourceKind) {
	p.trackSwitches.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RTPReceived(kind string, bytes int) {
	p.rtpPackets.WithLabelValues(kind).Inc()
	p.rtpBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (p *PrometheusCollector) RTPLost(kind string, packets int) {
	p.rtpLost.WithLabelValues(kind).Add(float64(packets))
}

func (p *PrometheusCollector) RTCPReceived(packetType string) {
	p.rtcpPackets.WithLabelValues(packetType).Inc()
}

func (p *PrometheusCollector) KeyframeRequested(kind string) {
	p.keyframeRequests.WithLabelValues(kind).Inc()
}
