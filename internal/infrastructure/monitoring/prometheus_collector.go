package monitoring

import (
	"strconv"
	"time"

	"voicemesh/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MeshMetrics for the client and
// signal.RelayMetrics for the relay, and observes RTCP feedback from the
// webrtc transport.
type PrometheusCollector struct {
	// Session
	sessionJoined prometheus.Gauge
	linksActive   prometheus.Gauge
	linkRecreates prometheus.Counter

	// Negotiation
	offersTotal         *prometheus.CounterVec
	negotiationFailures *prometheus.CounterVec
	negotiationDuration prometheus.Histogram

	speakingTransitions *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec

	// Link quality
	fractionLost *prometheus.HistogramVec
	jitter       *prometheus.HistogramVec
	nacksTotal   *prometheus.CounterVec
	plisTotal    *prometheus.CounterVec

	// Relay
	relayConnections prometheus.Gauge
	relayChannels    prometheus.Gauge
	relayMessages    *prometheus.CounterVec
	relayDropped     *prometheus.CounterVec
}

// NewPrometheusCollector registers every metric with reg; nil means the
// default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionJoined: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_session_joined",
			Help: "1 while the client is in a voice channel",
		}),

		linksActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_peer_links_active",
			Help: "Number of open peer links",
		}),

		linkRecreates: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_peer_link_recreates_total",
			Help: "Peer links rebuilt after a failure",
		}),

		offersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_offers_total",
			Help: "Offers sent to peers",
		}, []string{"ice_restart"}),

		negotiationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_negotiation_failures_total",
			Help: "Negotiation steps that failed",
		}, []string{"step"}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicemesh_negotiation_duration_seconds",
			Help:    "Time from offer to applied answer",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),

		speakingTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_speaking_transitions_total",
			Help: "Local speaking state changes",
		}, []string{"speaking"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_notifications_total",
			Help: "User notifications raised",
		}, []string{"kind"}),

		fractionLost: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicemesh_rtcp_fraction_lost",
			Help:    "Fraction of packets lost as reported by remote peers",
			Buckets: []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		}, []string{"role"}),

		jitter: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicemesh_rtcp_jitter_timestamp_units",
			Help:    "Interarrival jitter as reported by remote peers",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"role"}),

		nacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_rtcp_nacked_packets_total",
			Help: "Packets remote peers asked to retransmit",
		}, []string{"role"}),

		plisTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_rtcp_pli_total",
			Help: "Keyframe requests from remote peers",
		}, []string{"role"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_relay_connections",
			Help: "Authenticated websocket connections on the relay",
		}),

		relayChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_relay_channels",
			Help: "Voice channels with at least one member",
		}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_relay_messages_total",
			Help: "Messages accepted by the relay",
		}, []string{"event"}),

		relayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_relay_dropped_total",
			Help: "Messages or connections dropped by the relay",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) SetJoined(joined bool) {
	if joined {
		p.sessionJoined.Set(1)
		return
	}
	p.sessionJoined.Set(0)
}

func (p *PrometheusCollector) SetActiveLinks(n int) {
	p.linksActive.Set(float64(n))
}

func (p *PrometheusCollector) RecordOffer(iceRestart bool) {
	p.offersTotal.WithLabelValues(strconv.FormatBool(iceRestart)).Inc()
}

func (p *PrometheusCollector) RecordNegotiationFailure(step string) {
	p.negotiationFailures.WithLabelValues(step).Inc()
}

func (p *PrometheusCollector) RecordRecreate() {
	p.linkRecreates.Inc()
}

func (p *PrometheusCollector) ObserveNegotiation(d time.Duration) {
	p.negotiationDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordSpeaking(speaking bool) {
	p.speakingTransitions.WithLabelValues(strconv.FormatBool(speaking)).Inc()
}

func (p *PrometheusCollector) RecordNotification(kind domain.NotificationKind) {
	p.notificationsTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ObserveLoss(_ domain.PeerID, role domain.TrackRole, fractionLost float64) {
	p.fractionLost.WithLabelValues(role.String()).Observe(fractionLost)
}

func (p *PrometheusCollector) ObserveJitter(_ domain.PeerID, role domain.TrackRole, jitter uint32) {
	p.jitter.WithLabelValues(role.String()).Observe(float64(jitter))
}

func (p *PrometheusCollector) RecordNACK(_ domain.PeerID, role domain.TrackRole, lost int) {
	p.nacksTotal.WithLabelValues(role.String()).Add(float64(lost))
}

func (p *PrometheusCollector) RecordPLI(_ domain.PeerID, role domain.TrackRole) {
	p.plisTotal.WithLabelValues(role.String()).Inc()
}

func (p *PrometheusCollector) SetRelayConnections(n int) {
	p.relayConnections.Set(float64(n))
}

func (p *PrometheusCollector) SetRelayChannels(n int) {
	p.relayChannels.Set(float64(n))
}

func (p *PrometheusCollector) RecordRelayMessage(event string) {
	p.relayMessages.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) RecordRelayDropped(reason string) {
	p.relayDropped.WithLabelValues(reason).Inc()
}
