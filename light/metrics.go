package light

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *lightMetrics
)

type lightMetrics struct {
	tipHeight    prometheus.Gauge
	connections  prometheus.Gauge
	pending      prometheus.Gauge
	completed    *prometheus.CounterVec
	reassigned   prometheus.Counter
	syncs        *prometheus.CounterVec
	rollbacks    prometheus.Counter
	rollbackSize prometheus.Histogram

	syncCounter     metric.Int64Counter
	rollbackCounter metric.Int64Counter
	tracer          trace.Tracer
}

func newLightMetrics() *lightMetrics {
	metricsOnce.Do(func() {
		m := &lightMetrics{
			tipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mwnet_light_tip_height",
				Help: "Height of the verified local tip.",
			}),
			connections: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mwnet_light_secure_connections",
				Help: "Connections whose outbound direction is secure.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mwnet_light_requests_queued",
				Help: "Requests waiting for a capable connection.",
			}),
			completed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mwnet_light_requests_completed_total",
				Help: "Requests answered, by kind.",
			}, []string{"kind"}),
			reassigned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mwnet_light_requests_reassigned_total",
				Help: "In-flight requests returned to the global queue.",
			}),
			syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mwnet_light_sync_total",
				Help: "Sync state transitions by event.",
			}, []string{"event"}),
			rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mwnet_light_rollbacks_total",
				Help: "Local history rollbacks.",
			}),
			rollbackSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "mwnet_light_rollback_depth",
				Help:    "Headers erased per rollback.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			}),
		}
		prometheus.MustRegister(m.tipHeight, m.connections, m.pending, m.completed, m.reassigned, m.syncs, m.rollbacks, m.rollbackSize)
		m.initOtel()
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *lightMetrics) initOtel() {
	meter := otel.GetMeterProvider().Meter("mwnet/light")
	syncs, err := meter.Int64Counter("mwnet.light.sync")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("mwnet/light")
		syncs, _ = meter.Int64Counter("mwnet.light.sync")
	}
	rollbacks, err := meter.Int64Counter("mwnet.light.rollbacks")
	if err != nil {
		rollbacks, _ = noop.NewMeterProvider().Meter("mwnet/light").Int64Counter("mwnet.light.rollbacks")
	}
	m.syncCounter = syncs
	m.rollbackCounter = rollbacks
	m.tracer = otel.Tracer("mwnet/light")
}

func (m *lightMetrics) observeTip(height uint64) {
	m.tipHeight.Set(float64(height))
}

func (m *lightMetrics) observeConnections(n int) {
	m.connections.Set(float64(n))
}

func (m *lightMetrics) observeQueue(n int) {
	m.pending.Set(float64(n))
}

func (m *lightMetrics) requestCompleted(kind RequestKind) {
	m.completed.WithLabelValues(kind.String()).Inc()
}

func (m *lightMetrics) requestsReassigned(n int) {
	if n > 0 {
		m.reassigned.Add(float64(n))
	}
}

// syncEvent is one of "start", "search", "restart", "done".
func (m *lightMetrics) syncEvent(event string) {
	m.syncs.WithLabelValues(event).Inc()
	m.syncCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *lightMetrics) rollback(depth int) {
	m.rollbacks.Inc()
	m.rollbackSize.Observe(float64(depth))
	m.rollbackCounter.Add(context.Background(), 1)
}
