package p2p

import (
	"log/slog"
	"time"

	"github.com/google/btree"

	"mwnet/crypto"
)

// Rating constants. A raw rating of zero means banned.
const (
	RatingInitial           uint32 = 1024
	RatingRewardHeader      uint32 = 64
	RatingRewardTx          uint32 = 16
	RatingRewardBbs         uint32 = 1
	RatingPenaltyTimeout    uint32 = 256
	RatingPenaltyNetworkErr uint32 = 128
	RatingMax               uint32 = 10240
)

func saturateRating(v uint64) uint32 {
	if v < uint64(RatingMax) {
		return uint32(v)
	}
	return RatingMax
}

func incRating(r *uint32, delta uint32) {
	*r = saturateRating(uint64(*r) + uint64(delta))
}

// decRating never reaches zero; only a ban does.
func decRating(r *uint32, delta uint32) {
	if *r > delta {
		*r -= delta
	} else {
		*r = 1
	}
}

// PeerManagerConfig tunes peer selection.
type PeerManagerConfig struct {
	// DesiredHighest is the number of slots filled strictly by raw rating.
	DesiredHighest int
	// DesiredTotal bounds the active set.
	DesiredTotal int
	// TimeoutDisconnect keeps a fresh connection active and bounds the
	// window in which a remote error is penalized.
	TimeoutDisconnect time.Duration
	// TimeoutReconnect is the cooldown before a deactivated peer is reselected.
	TimeoutReconnect time.Duration
	// TimeoutBan is how long a ban lasts.
	TimeoutBan time.Duration
	// TimeoutAddrChange lets an unverified announcement replace the address
	// of a peer not seen for this long.
	TimeoutAddrChange time.Duration
	// StarvationRatioInc and StarvationRatioDec are bonus points per second.
	StarvationRatioInc uint32
	StarvationRatioDec uint32
}

// DefaultPeerManagerConfig returns the stock tunables.
func DefaultPeerManagerConfig() PeerManagerConfig {
	return PeerManagerConfig{
		DesiredHighest:     5,
		DesiredTotal:       10,
		TimeoutDisconnect:  2 * time.Minute,
		TimeoutReconnect:   time.Second,
		TimeoutBan:         10 * time.Minute,
		TimeoutAddrChange:  2 * time.Hour,
		StarvationRatioInc: 1,
		StarvationRatioDec: 2,
	}
}

// PeerInfo is the manager's record of one peer. Fields are read-only outside
// the manager.
type PeerInfo struct {
	key uint64

	ID      crypto.PeerID
	Address string
	// RawRating is in [1, RatingMax], or 0 while banned.
	RawRating uint32
	// Bonus is the starvation increment; always 0 while banned.
	Bonus        uint32
	Active       bool
	LastActivity time.Time
	LastSeen     time.Time

	selected bool
}

// AdjustedRating is the rating used for the second selection group.
func (pi *PeerInfo) AdjustedRating() uint32 {
	return saturateRating(uint64(pi.RawRating) + uint64(pi.Bonus))
}

func (pi *PeerInfo) Banned() bool { return pi.RawRating == 0 }

func (pi *PeerInfo) String() string {
	if pi.ID.IsZero() {
		return "peer(" + pi.Address + ")"
	}
	return "peer(" + pi.ID.String()[:12] + ")"
}

// PeerHooks opens and closes connections on behalf of the manager.
type PeerHooks interface {
	ActivatePeer(pi *PeerInfo)
	DeactivatePeer(pi *PeerInfo)
}

// PeerManager keeps every known peer ordered by raw and by adjusted rating
// and recomputes the active set on Update. It is not safe for concurrent use;
// the owning network loop serializes all calls.
type PeerManager struct {
	cfg     PeerManagerConfig
	hooks   PeerHooks
	logger  *slog.Logger
	now     func() time.Time
	metrics *networkMetrics

	nextKey uint64
	peers   map[uint64]*PeerInfo
	ids     map[crypto.PeerID]*PeerInfo
	addrs   map[string]*PeerInfo
	// raw holds every peer, banned ones last.
	raw *btree.BTreeG[*PeerInfo]
	// adjusted holds every non banned peer.
	adjusted *btree.BTreeG[*PeerInfo]
	active   []*PeerInfo

	lastTick time.Time
}

func rawLess(a, b *PeerInfo) bool {
	if a.RawRating != b.RawRating {
		return a.RawRating > b.RawRating
	}
	return a.key < b.key
}

func adjustedLess(a, b *PeerInfo) bool {
	ra, rb := a.AdjustedRating(), b.AdjustedRating()
	if ra != rb {
		return ra > rb
	}
	return a.key < b.key
}

// NewPeerManager returns an empty manager.
func NewPeerManager(cfg PeerManagerConfig, hooks PeerHooks, logger *slog.Logger) *PeerManager {
	if cfg.DesiredTotal <= 0 {
		cfg = DefaultPeerManagerConfig()
	}
	if cfg.DesiredHighest > cfg.DesiredTotal {
		cfg.DesiredHighest = cfg.DesiredTotal
	}
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "peer_manager"))
	}
	return &PeerManager{
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger,
		now:      time.Now,
		metrics:  newNetworkMetrics(),
		peers:    make(map[uint64]*PeerInfo),
		ids:      make(map[crypto.PeerID]*PeerInfo),
		addrs:    make(map[string]*PeerInfo),
		raw:      btree.NewG[*PeerInfo](8, rawLess),
		adjusted: btree.NewG[*PeerInfo](8, adjustedLess),
	}
}

// SetClock overrides the time source.
func (m *PeerManager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func (m *PeerManager) Config() PeerManagerConfig { return m.cfg }

func (m *PeerManager) Len() int { return len(m.peers) }

func (m *PeerManager) ActiveCount() int { return len(m.active) }

// Find returns the peer with the given identity, creating it when create is
// set. A zero identity always creates an anonymous entry.
func (m *PeerManager) Find(id crypto.PeerID, create bool) (*PeerInfo, bool) {
	if !id.IsZero() {
		if pi := m.ids[id]; pi != nil {
			return pi, false
		}
	}
	if !create {
		return nil, false
	}
	m.nextKey++
	pi := &PeerInfo{key: m.nextKey, ID: id, RawRating: RatingInitial}
	m.peers[pi.key] = pi
	if !id.IsZero() {
		m.ids[id] = pi
	}
	m.raw.ReplaceOrInsert(pi)
	m.adjusted.ReplaceOrInsert(pi)
	m.logger.Info("new peer", slog.String("peer", pi.String()))
	m.observe(pi)
	return pi, true
}

// FindByAddress returns the peer owning addr.
func (m *PeerManager) FindByAddress(addr string) *PeerInfo {
	return m.addrs[addr]
}

// OnSeen records that the peer was heard of.
func (m *PeerManager) OnSeen(pi *PeerInfo) {
	pi.LastSeen = m.now()
}

// ModifyRating rewards or penalizes a peer. A banned peer stays banned.
func (m *PeerManager) ModifyRating(pi *PeerInfo, delta uint32, increase bool) {
	if pi.Banned() {
		return
	}
	m.modifyRating(pi, delta, increase, false)
}

// Ban drops the raw rating to zero. The peer stays in the raw index so it can
// be unbanned after TimeoutBan.
func (m *PeerManager) Ban(pi *PeerInfo) {
	m.modifyRating(pi, 0, false, true)
	pi.LastActivity = m.now()
}

func (m *PeerManager) modifyRating(pi *PeerInfo, delta uint32, increase, ban bool) {
	r0 := pi.RawRating
	m.raw.Delete(pi)
	if !pi.Banned() {
		m.adjusted.Delete(pi)
	}

	switch {
	case ban:
		pi.RawRating = 0
		pi.Bonus = 0
	case increase:
		incRating(&pi.RawRating, delta)
	default:
		decRating(&pi.RawRating, delta)
	}
	if pi.RawRating == 0 && !ban {
		panic("p2p: rating dropped to zero without a ban")
	}
	if !pi.Banned() {
		m.adjusted.ReplaceOrInsert(pi)
	}
	m.raw.ReplaceOrInsert(pi)

	m.logger.Info("peer rating changed",
		slog.String("peer", pi.String()),
		slog.Uint64("from", uint64(r0)),
		slog.Uint64("to", uint64(pi.RawRating)))
	m.observe(pi)
}

// SetAddress assigns addr to pi, evicting any previous owner of addr.
func (m *PeerManager) SetAddress(pi *PeerInfo, addr string) {
	if addr == pi.Address {
		return
	}
	m.logger.Info("peer address changed", slog.String("peer", pi.String()))
	m.removeAddr(pi)
	if addr == "" {
		return
	}
	if owner := m.addrs[addr]; owner != nil {
		m.removeAddr(owner)
	}
	pi.Address = addr
	m.addrs[addr] = pi
}

func (m *PeerManager) removeAddr(pi *PeerInfo) {
	if pi.Address == "" {
		return
	}
	delete(m.addrs, pi.Address)
	pi.Address = ""
}

// OnActive marks the peer as connected or not.
func (m *PeerManager) OnActive(pi *PeerInfo, active bool) {
	if pi.Active == active {
		return
	}
	pi.Active = active
	pi.LastActivity = m.now()
	if active {
		m.active = append(m.active, pi)
		return
	}
	for i, p := range m.active {
		if p == pi {
			m.active = append(m.active[:i], m.active[i+1:]...)
			break
		}
	}
}

// OnRemoteError applies the disconnect policy: ban, or penalize only when the
// connection failed soon after activation.
func (m *PeerManager) OnRemoteError(pi *PeerInfo, ban bool) {
	if ban {
		m.Ban(pi)
		return
	}
	if m.now().Sub(pi.LastActivity) < m.cfg.TimeoutDisconnect {
		m.ModifyRating(pi, RatingPenaltyNetworkErr, false)
	}
}

// OnPeer registers a peer heard of at addr. An unverified address only
// replaces a known one after TimeoutAddrChange without news of the peer.
func (m *PeerManager) OnPeer(id crypto.PeerID, addr string, verified bool) *PeerInfo {
	if id.IsZero() {
		if !verified {
			return nil
		}
		if pi := m.addrs[addr]; pi != nil {
			return pi
		}
	}
	pi, _ := m.Find(id, true)
	if verified || pi.Address == "" || m.now().Sub(pi.LastSeen) > m.cfg.TimeoutAddrChange {
		m.SetAddress(pi, addr)
	}
	return pi
}

// Delete forgets a peer entirely.
func (m *PeerManager) Delete(pi *PeerInfo) {
	m.OnActive(pi, false)
	m.removeAddr(pi)
	m.raw.Delete(pi)
	if !pi.Banned() {
		m.adjusted.Delete(pi)
	}
	if !pi.ID.IsZero() {
		delete(m.ids, pi.ID)
	}
	delete(m.peers, pi.key)
	m.metrics.removePeer(pi.ID.String())
}

// Clear deletes every peer.
func (m *PeerManager) Clear() {
	for _, pi := range m.peers {
		m.Delete(pi)
	}
}

// Peers returns every peer, highest raw rating first.
func (m *PeerManager) Peers() []*PeerInfo {
	out := make([]*PeerInfo, 0, m.raw.Len())
	m.raw.Ascend(func(pi *PeerInfo) bool {
		out = append(out, pi)
		return true
	})
	return out
}

// Restore inserts a peer loaded from storage.
func (m *PeerManager) Restore(id crypto.PeerID, addr string, rating uint32, lastSeen time.Time) *PeerInfo {
	pi, _ := m.Find(id, true)
	m.SetAddress(pi, addr)
	pi.LastSeen = lastSeen
	switch {
	case rating == 0:
		m.Ban(pi)
	case rating != pi.RawRating:
		m.raw.Delete(pi)
		m.adjusted.Delete(pi)
		pi.RawRating = saturateRating(uint64(rating))
		m.raw.ReplaceOrInsert(pi)
		m.adjusted.ReplaceOrInsert(pi)
		m.observe(pi)
	}
	return pi
}

// Update ages ratings and recomputes the active set.
func (m *PeerManager) Update() {
	now := m.now()
	if !m.lastTick.IsZero() {
		m.updateRatings(now)
	}
	m.lastTick = now

	selected := 0
	for _, pi := range m.active {
		pi.selected = now.Sub(pi.LastActivity) < m.cfg.TimeoutDisconnect
		if pi.selected {
			selected++
		}
	}

	highest := 0
	m.raw.Ascend(func(pi *PeerInfo) bool {
		if highest >= m.cfg.DesiredHighest || selected >= m.cfg.DesiredTotal {
			return false
		}
		highest++
		m.activate(pi, now, &selected)
		return true
	})
	m.adjusted.Ascend(func(pi *PeerInfo) bool {
		if selected >= m.cfg.DesiredTotal {
			return false
		}
		m.activate(pi, now, &selected)
		return true
	})

	excess := make([]*PeerInfo, 0)
	for _, pi := range m.active {
		if !pi.selected {
			excess = append(excess, pi)
		}
	}
	for _, pi := range excess {
		m.OnActive(pi, false)
		m.logger.Debug("peer deactivated", slog.String("peer", pi.String()))
		if m.hooks != nil {
			m.hooks.DeactivatePeer(pi)
		}
	}
	m.metrics.observePeerCounts(len(m.peers), len(m.active))
}

func (m *PeerManager) activate(pi *PeerInfo, now time.Time, selected *int) {
	if pi.Active && pi.selected {
		return
	}
	if pi.Address == "" || pi.Banned() {
		return
	}
	if !pi.Active && now.Sub(pi.LastActivity) < m.cfg.TimeoutReconnect {
		return
	}
	*selected++
	pi.selected = true
	if !pi.Active {
		m.OnActive(pi, true)
		m.logger.Debug("peer activated", slog.String("peer", pi.String()))
		if m.hooks != nil {
			m.hooks.ActivatePeer(pi)
		}
	}
}

func (m *PeerManager) updateRatings(now time.Time) {
	dt := now.Unix() - m.lastTick.Unix()
	if dt <= 0 {
		return
	}
	inc := uint32(dt) * m.cfg.StarvationRatioInc
	dec := uint32(dt) * m.cfg.StarvationRatioDec

	var unban []*PeerInfo
	m.raw.Descend(func(pi *PeerInfo) bool {
		if !pi.Banned() {
			return false
		}
		if now.Sub(pi.LastActivity) >= m.cfg.TimeoutBan {
			unban = append(unban, pi)
		}
		return true
	})
	for _, pi := range unban {
		m.modifyRating(pi, 1, true, false)
	}

	all := make([]*PeerInfo, 0, m.adjusted.Len())
	m.adjusted.Ascend(func(pi *PeerInfo) bool {
		all = append(all, pi)
		return true
	})
	m.adjusted.Clear(false)
	for _, pi := range all {
		if pi.Active {
			if pi.Bonus > dec {
				pi.Bonus -= dec
			} else {
				pi.Bonus = 0
			}
		} else {
			incRating(&pi.Bonus, inc)
		}
		m.adjusted.ReplaceOrInsert(pi)
	}
}

func (m *PeerManager) observe(pi *PeerInfo) {
	if pi.ID.IsZero() {
		return
	}
	m.metrics.observeRating(pi.ID.String(), pi.RawRating)
}
