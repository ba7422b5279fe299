package p2p

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/prometheus/client_golang/prometheus"

	"mwnet/crypto"
)

const (
	defaultNonceGuardMaxEntries = 100_000
	defaultNonceGuardTTL        = 15 * time.Minute
)

// NonceGuard remembers remote handshake nonces so a recorded ChannelInit can
// not be replayed into a fresh connection. It is safe for concurrent use.
type NonceGuard struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries lru.BasicLRU[crypto.PeerID, time.Time]

	metrics *nonceGuardMetrics
}

// NewNonceGuard returns a guard keeping at most maxEntries nonces for ttl.
func NewNonceGuard(ttl time.Duration, maxEntries int) *NonceGuard {
	if ttl <= 0 {
		ttl = defaultNonceGuardTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultNonceGuardMaxEntries
	}
	return &NonceGuard{
		ttl:     ttl,
		now:     time.Now,
		entries: lru.NewBasicLRU[crypto.PeerID, time.Time](maxEntries),
		metrics: getNonceGuardMetrics(),
	}
}

// Remember returns false if the nonce was already observed within the ttl.
func (g *NonceGuard) Remember(nonce crypto.PeerID) bool {
	if g == nil {
		return true
	}
	if nonce.IsZero() {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if seen, ok := g.entries.Get(nonce); ok && now.Sub(seen) < g.ttl {
		g.metrics.observeReplay()
		return false
	}
	if g.entries.Add(nonce, now) {
		g.metrics.observeEvicted(1)
	}
	g.metrics.observeSize(g.entries.Len())
	return true
}

func (g *NonceGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entries.Len()
}

type nonceGuardMetrics struct {
	size    prometheus.Gauge
	evicted prometheus.Counter
	replays prometheus.Counter
}

var (
	nonceGuardMetricsOnce sync.Once
	nonceGuardMetricsInst *nonceGuardMetrics
)

func getNonceGuardMetrics() *nonceGuardMetrics {
	nonceGuardMetricsOnce.Do(func() {
		nonceGuardMetricsInst = &nonceGuardMetrics{
			size: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mwnet_p2p_nonce_guard_size",
				Help: "Number of entries tracked by the handshake nonce guard.",
			}),
			evicted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mwnet_p2p_nonce_guard_evicted_total",
				Help: "Number of nonce guard entries evicted due to capacity.",
			}),
			replays: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mwnet_p2p_nonce_replays_total",
				Help: "Number of handshake nonces rejected as replays.",
			}),
		}
		prometheus.MustRegister(nonceGuardMetricsInst.size, nonceGuardMetricsInst.evicted, nonceGuardMetricsInst.replays)
	})
	return nonceGuardMetricsInst
}

func (m *nonceGuardMetrics) observeSize(size int) {
	if m == nil {
		return
	}
	m.size.Set(float64(size))
}

func (m *nonceGuardMetrics) observeEvicted(delta int) {
	if m == nil || delta <= 0 {
		return
	}
	m.evicted.Add(float64(delta))
}

func (m *nonceGuardMetrics) observeReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}
