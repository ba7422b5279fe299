package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peerRating  *prometheus.GaugeVec
	activePeers prometheus.Gauge
	knownPeers  prometheus.Gauge
	handshake   *prometheus.CounterVec
	messages    *prometheus.CounterVec
	disconnects *prometheus.CounterVec

	meter             metric.Meter
	handshakeCounter  metric.Int64Counter
	messageCounter    metric.Int64Counter
	disconnectCounter metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peerRating: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "mwnet_p2p_peer_rating",
				Help: "Raw reputation rating per peer.",
			}, []string{"peer"}),
			activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mwnet_p2p_active_peers",
				Help: "Number of peers selected for an active connection.",
			}),
			knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mwnet_p2p_known_peers",
				Help: "Number of peers tracked by the peer manager.",
			}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mwnet_p2p_handshakes_total",
				Help: "Total secure channel handshake outcomes.",
			}, []string{"result"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mwnet_p2p_messages_total",
				Help: "Count of protocol messages by direction and type.",
			}, []string{"direction", "type"}),
			disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mwnet_p2p_disconnects_total",
				Help: "Count of remote initiated disconnects by reason kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(nm.peerRating, nm.activePeers, nm.knownPeers, nm.handshake, nm.messages, nm.disconnects)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("mwnet/p2p")
	fallback := func() metric.Meter { return noop.NewMeterProvider().Meter("mwnet/p2p") }

	handshakes, err := meter.Int64Counter("mwnet.p2p.handshakes")
	if err != nil {
		meter = fallback()
		handshakes, _ = meter.Int64Counter("mwnet.p2p.handshakes")
	}
	messages, err := meter.Int64Counter("mwnet.p2p.messages")
	if err != nil {
		meter = fallback()
		messages, _ = meter.Int64Counter("mwnet.p2p.messages")
	}
	disconnects, err := meter.Int64Counter("mwnet.p2p.disconnects")
	if err != nil {
		meter = fallback()
		disconnects, _ = meter.Int64Counter("mwnet.p2p.disconnects")
	}
	m.meter = meter
	m.handshakeCounter = handshakes
	m.messageCounter = messages
	m.disconnectCounter = disconnects
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshake.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *networkMetrics) recordMessage(direction string, code MsgCode) {
	if m == nil {
		return
	}
	label := code.String()
	m.messages.WithLabelValues(direction, label).Inc()
	if m.messageCounter != nil {
		m.messageCounter.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("type", label),
			))
	}
}

func (m *networkMetrics) recordDisconnect(kind DisconnectKind) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(kind.String()).Inc()
	if m.disconnectCounter != nil {
		m.disconnectCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind.String())))
	}
}

func (m *networkMetrics) observeRating(peer string, rating uint32) {
	if m == nil || peer == "" {
		return
	}
	m.peerRating.WithLabelValues(peer).Set(float64(rating))
}

func (m *networkMetrics) removePeer(peer string) {
	if m == nil || peer == "" {
		return
	}
	m.peerRating.DeleteLabelValues(peer)
}

func (m *networkMetrics) observePeerCounts(known, active int) {
	if m == nil {
		return
	}
	m.knownPeers.Set(float64(known))
	m.activePeers.Set(float64(active))
}
