package light

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mwnet/core/types"
	"mwnet/crypto"
	"mwnet/observability/logging"
	"mwnet/p2p"
	"mwnet/storage"
)

var (
	ErrStopped        = errors.New("light: network stopped")
	ErrUnknownKind    = errors.New("light: unknown request kind")
	ErrInvalidRequest = errors.New("light: invalid request")
	ErrUnknownRequest = errors.New("light: unknown request")
)

const (
	defaultReconnectTimeout = 5 * time.Second
	defaultDesiredRate      = time.Minute
	defaultUpdateInterval   = time.Second
	eventQueueSize          = 256
)

// Client receives the outcome of the network's work. Every call is made from
// the network loop, so implementations must not block.
type Client interface {
	OnNewTip(tip types.Header)
	// OnRolledBack reports that every header above height was replaced.
	OnRolledBack(height uint64)
	OnRequestComplete(req *Request)
	// OnNodeConnected fires when the first secure connection comes up and
	// when the last one goes down.
	OnNodeConnected(connected bool)
	OnConnectionFailed(addr string, reason p2p.DisconnectReason)
	OnBbsMessage(msg *p2p.BbsMsg)
}

// Config tunes a Network.
type Config struct {
	// Nodes are connected when Run starts.
	Nodes []string
	// ReconnectTimeout is the delay before a dropped connection is redialed.
	ReconnectTimeout time.Duration
	// PollPeriod, when set, makes idle connections disconnect and come back
	// after max(PollPeriod, DesiredRate).
	PollPeriod  time.Duration
	DesiredRate time.Duration
	// UpdateInterval is the PeerManager tick.
	UpdateInterval time.Duration
	RollbackWindow uint64
	// CfgChecksum must match the node's consensus configuration.
	CfgChecksum common.Hash
	// SendPeers asks nodes to announce the peers they know.
	SendPeers bool
	// OwnerKey, if set, is proven to nodes that authenticate as IDNode.
	OwnerKey *crypto.PrivateKey

	Connection p2p.ConnectionConfig
	Peers      p2p.PeerManagerConfig
	// Store persists history and peers. Optional.
	Store  storage.Database
	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = defaultReconnectTimeout
	}
	if cfg.DesiredRate <= 0 {
		cfg.DesiredRate = defaultDesiredRate
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaultUpdateInterval
	}
	if cfg.RollbackWindow == 0 {
		cfg.RollbackWindow = DefaultRollbackWindow
	}
	if cfg.Peers.DesiredTotal <= 0 {
		cfg.Peers = p2p.DefaultPeerManagerConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "light_network"))
	}
	return cfg
}

// link is the part of a p2p.Connection the network drives.
type link interface {
	Start(initiate bool) error
	Send(msg p2p.Message) error
	ProveID(key *crypto.PrivateKey, idType p2p.IDType) error
	VerifyID(msg *p2p.Authentication) error
	Close()
	CloseWithBye(reason p2p.ByeReason)
}

type dialFunc func(ctx context.Context, addr string, events p2p.Events) (link, error)

func tcpDialer(cfg p2p.ConnectionConfig) dialFunc {
	return func(ctx context.Context, addr string, events p2p.Events) (link, error) {
		conn, err := p2p.Dial(ctx, addr, cfg, events)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type (
	commandEvent func()
	dialedEvent  struct {
		c    *nodeConn
		gen  uint64
		link link
		err  error
	}
	securedEvent struct {
		c   *nodeConn
		gen uint64
	}
	messageEvent struct {
		c   *nodeConn
		gen uint64
		msg p2p.Message
	}
	closedEvent struct {
		c      *nodeConn
		gen    uint64
		reason p2p.DisconnectReason
	}
	timerEvent struct {
		c   *nodeConn
		seq uint64
	}
)

// connEvents forwards one connection instance's callbacks into the loop.
type connEvents struct {
	n   *Network
	c   *nodeConn
	gen uint64
}

func (e connEvents) OnConnectedSecure(*p2p.Connection) {
	e.n.post(securedEvent{c: e.c, gen: e.gen})
}

func (e connEvents) OnMessage(_ *p2p.Connection, msg p2p.Message) {
	e.n.post(messageEvent{c: e.c, gen: e.gen, msg: msg})
}

func (e connEvents) OnClosed(_ *p2p.Connection, reason p2p.DisconnectReason) {
	e.n.post(closedEvent{c: e.c, gen: e.gen, reason: reason})
}

// Network keeps connections to a set of nodes, follows the best chain they
// announce and routes client requests to them. All state is owned by the
// goroutine running Run; the exported methods post to it.
type Network struct {
	cfg     Config
	client  Client
	logger  *slog.Logger
	now     func() time.Time
	dial    dialFunc
	metrics *lightMetrics

	history   *LocalHistory
	pm        *p2p.PeerManager
	peerstore *p2p.Peerstore

	// conns is in priority order; the most recently synced connection first.
	conns   []*nodeConn
	slots   map[*p2p.PeerInfo]*nodeConn
	enabled bool
	secure  int

	queue    []*pending
	requests map[uuid.UUID]*pending
	subs     map[uint32]int32

	events   chan any
	done     chan struct{}
	stopOnce sync.Once
}

// New returns a network. Persisted history and peers are loaded from
// cfg.Store when set.
func New(cfg Config, client Client) (*Network, error) {
	if client == nil {
		return nil, fmt.Errorf("light: client required")
	}
	cfg = cfg.withDefaults()
	n := &Network{
		cfg:      cfg,
		client:   client,
		logger:   cfg.Logger,
		now:      time.Now,
		dial:     tcpDialer(cfg.Connection),
		metrics:  newLightMetrics(),
		history:  NewLocalHistory(),
		slots:    make(map[*p2p.PeerInfo]*nodeConn),
		requests: make(map[uuid.UUID]*pending),
		subs:     make(map[uint32]int32),
		events:   make(chan any, eventQueueSize),
		done:     make(chan struct{}),
	}
	n.pm = p2p.NewPeerManager(cfg.Peers, peerHooks{n: n}, cfg.Logger.With(slog.String("component", "peer_manager")))
	if cfg.Store != nil {
		n.peerstore = p2p.NewPeerstore(cfg.Store)
		if _, err := n.history.Load(cfg.Store); err != nil {
			return nil, err
		}
		n.history.Shrink(cfg.RollbackWindow)
		loaded, err := n.peerstore.Load(n.pm)
		if err != nil {
			return nil, err
		}
		n.logger.Info("Restored light client state",
			slog.Int("headers", n.history.Len()),
			slog.Int("peers", loaded))
	}
	if tip := n.history.Tip(); tip != nil {
		n.metrics.observeTip(tip.Height)
	}
	return n, nil
}

// Run processes events until ctx is done. It may be called once.
func (n *Network) Run(ctx context.Context) error {
	select {
	case <-n.done:
		return ErrStopped
	default:
	}
	defer n.stop()

	if len(n.cfg.Nodes) > 0 {
		n.connect(n.cfg.Nodes)
	}
	ticker := time.NewTicker(n.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n.enabled {
				n.pm.Update()
			}
		case ev := <-n.events:
			n.handleEvent(ev)
		}
	}
}

func (n *Network) stop() {
	n.stopOnce.Do(func() {
		n.disconnectAll()
		n.persist()
		close(n.done)
	})
}

func (n *Network) persist() {
	if n.cfg.Store == nil {
		return
	}
	if err := n.history.Save(n.cfg.Store); err != nil {
		n.logger.Warn("Failed to persist history", slog.Any("error", err))
	}
	if err := n.peerstore.Save(n.pm); err != nil {
		n.logger.Warn("Failed to persist peers", slog.Any("error", err))
	}
}

func (n *Network) post(ev any) error {
	select {
	case <-n.done:
		return ErrStopped
	default:
	}
	select {
	case n.events <- ev:
		return nil
	case <-n.done:
		return ErrStopped
	}
}

// call runs fn on the loop and waits for its result.
func (n *Network) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if err := n.post(commandEvent(func() { res <- fn() })); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect replaces the current node set with addrs.
func (n *Network) Connect(addrs ...string) error {
	addrs = append([]string(nil), addrs...)
	return n.post(commandEvent(func() { n.connect(addrs) }))
}

// AddPeer registers a node that proved its identity on a connection the
// network does not own, such as one accepted by an inbound listener. The
// address is taken as unverified.
func (n *Network) AddPeer(id crypto.PeerID, addr string) error {
	if id.IsZero() {
		return crypto.ErrInvalidPeerID
	}
	return n.post(commandEvent(func() { n.addPeer(id, addr) }))
}

// Disconnect drops every connection until the next Connect.
func (n *Network) Disconnect() error {
	return n.post(commandEvent(n.disconnectAll))
}

// Submit queues req and returns its handle.
func (n *Network) Submit(req *Request) (uuid.UUID, error) {
	if req == nil {
		return uuid.Nil, ErrInvalidRequest
	}
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	return req.ID, n.post(commandEvent(func() { n.postRequest(req) }))
}

// Cancel aborts a request. A reply already on its way is discarded.
func (n *Network) Cancel(ctx context.Context, id uuid.UUID) error {
	return n.call(ctx, func() error { return n.cancelRequest(id) })
}

// Subscribe adds or drops one reference to a bulletin board channel.
func (n *Network) Subscribe(channel uint32, on bool) error {
	return n.post(commandEvent(func() { n.setSubscription(channel, on) }))
}

// Subscribed reports whether channel currently holds a positive count.
func (n *Network) Subscribed(ctx context.Context, channel uint32) (bool, error) {
	var on bool
	err := n.call(ctx, func() error {
		on = n.subscribed(channel)
		return nil
	})
	return on, err
}

// Tip returns the verified local tip, or nil before the first sync.
func (n *Network) Tip(ctx context.Context) (*types.Header, error) {
	var tip *types.Header
	err := n.call(ctx, func() error {
		tip = n.history.Tip()
		return nil
	})
	return tip, err
}

func (n *Network) handleEvent(ev any) {
	switch ev := ev.(type) {
	case commandEvent:
		ev()
	case dialedEvent:
		n.onDialed(ev)
	case securedEvent:
		if c := n.current(ev.c, ev.gen); c != nil {
			n.onSecured(c)
		}
	case messageEvent:
		if c := n.current(ev.c, ev.gen); c != nil {
			n.onMessage(c, ev.msg)
		}
	case closedEvent:
		if c := n.current(ev.c, ev.gen); c != nil {
			c.link = nil
			n.onDisconnect(c, ev.reason)
		}
	case timerEvent:
		if ev.c.timerSeq == ev.seq && n.slots[ev.c.peer] == ev.c {
			ev.c.timer = nil
			n.onTimer(ev.c)
		}
	default:
		panic(fmt.Sprintf("light: unexpected event %T", ev))
	}
}

// current returns c if gen still names its live link.
func (n *Network) current(c *nodeConn, gen uint64) *nodeConn {
	if c.gen != gen || c.link == nil || n.slots[c.peer] != c {
		return nil
	}
	return c
}

func (n *Network) connect(addrs []string) {
	n.disconnectAll()
	n.enabled = true
	for _, addr := range addrs {
		if pi := n.pm.OnPeer(crypto.PeerID{}, addr, true); pi != nil {
			n.pm.OnSeen(pi)
		}
	}
	n.pm.Update()
}

func (n *Network) disconnectAll() {
	n.enabled = false
	for _, c := range append([]*nodeConn(nil), n.conns...) {
		n.pm.OnActive(c.peer, false)
		n.removeConn(c)
	}
}

type peerHooks struct{ n *Network }

func (h peerHooks) ActivatePeer(pi *p2p.PeerInfo) {
	n := h.n
	if n.slots[pi] != nil {
		return
	}
	c := n.newConn(pi)
	n.dialConn(c)
}

func (h peerHooks) DeactivatePeer(pi *p2p.PeerInfo) {
	if c := h.n.slots[pi]; c != nil {
		h.n.removeConn(c)
	}
}

func (n *Network) newConn(pi *p2p.PeerInfo) *nodeConn {
	c := &nodeConn{n: n, addr: pi.Address, peer: pi}
	n.conns = append(n.conns, c)
	n.slots[pi] = c
	return c
}

func (n *Network) removeConn(c *nodeConn) {
	if c.link != nil && c.secure {
		c.link.CloseWithBye(p2p.ByeStopping)
		c.link = nil
	}
	n.resetConn(c)
	n.killTimer(c)
	for i, o := range n.conns {
		if o == c {
			n.conns = append(n.conns[:i], n.conns[i+1:]...)
			break
		}
	}
	delete(n.slots, c.peer)
	n.onNewRequests()
}

// prioritize moves c to the front of the connection order.
func (n *Network) prioritize(c *nodeConn) {
	for i, o := range n.conns {
		if o == c {
			copy(n.conns[1:i+1], n.conns[:i])
			n.conns[0] = c
			return
		}
	}
}

func (n *Network) dialConn(c *nodeConn) {
	n.killTimer(c)
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	events := connEvents{n: n, c: c, gen: gen}
	addr := c.addr
	n.logger.Debug("Dialing node", logging.MaskField("peer_address", addr))
	go func() {
		l, err := n.dial(ctx, addr, events)
		if n.post(dialedEvent{c: c, gen: gen, link: l, err: err}) != nil && l != nil {
			l.Close()
		}
	}()
}

func (n *Network) onDialed(ev dialedEvent) {
	c := ev.c
	if c.gen != ev.gen || n.slots[c.peer] != c {
		if ev.link != nil {
			ev.link.Close()
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if ev.err != nil {
		n.onDisconnect(c, p2p.IoReason(ev.err))
		return
	}
	c.link = ev.link
	if err := c.link.Start(true); err != nil {
		c.link.Close()
		c.link = nil
		n.onDisconnect(c, p2p.IoReason(err))
	}
}

// resetConn tears down the live link and every per-link state; in-flight
// requests go back to the global queue.
func (n *Network) resetConn(c *nodeConn) {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.gen++
	if c.secure {
		c.secure = false
		n.secure--
		n.metrics.observeConnections(n.secure)
		if n.secure == 0 {
			n.client.OnNodeConnected(false)
		}
	}
	c.tip = types.Header{}
	c.node, c.bbs, c.relay = false, false, false
	c.sync = nil
	n.releaseRequests(c)
}

func (n *Network) onSecured(c *nodeConn) {
	c.secure = true
	n.secure++
	n.metrics.observeConnections(n.secure)
	n.logger.Info("Node connection secured", logging.MaskField("peer_address", c.addr))
	if n.secure == 1 {
		n.client.OnNodeConnected(true)
	}
	if err := c.link.Send(&p2p.Config{CfgChecksum: n.cfg.CfgChecksum, SendPeers: n.cfg.SendPeers}); err != nil {
		n.fail(c, err)
		return
	}
	if err := n.replaySubscriptions(c); err != nil {
		n.fail(c, err)
	}
}

func (n *Network) onMessage(c *nodeConn, msg p2p.Message) {
	_, span := n.metrics.tracer.Start(context.Background(), "light.message",
		trace.WithAttributes(attribute.String("type", msg.Code().String())))
	err := p2p.Dispatch(msg, c)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	if err != nil {
		n.fail(c, err)
	}
}

// fail closes c after a handler error.
func (n *Network) fail(c *nodeConn, err error) {
	reason := p2p.ReasonFromError(err)
	if c.link != nil {
		if reason.ShouldBan() && c.secure {
			c.link.CloseWithBye(p2p.ByeBan)
		} else {
			c.link.Close()
		}
		c.link = nil
	}
	n.onDisconnect(c, reason)
}

// onDisconnect applies the rating policy and schedules the reconnect.
func (n *Network) onDisconnect(c *nodeConn, reason p2p.DisconnectReason) {
	stalled := len(c.inflight) > 0 && reason.IsTimeout()
	n.resetConn(c)
	n.logger.Info("Node connection closed",
		logging.MaskField("peer_address", c.addr),
		slog.String("reason", reason.Error()))
	if reason.Kind != p2p.DisconnectBye {
		n.client.OnConnectionFailed(c.addr, reason)
	}
	switch {
	case reason.ShouldBan():
		n.pm.Ban(c.peer)
		n.pm.OnActive(c.peer, false)
		n.removeConn(c)
		return
	case reason.Kind == p2p.DisconnectBye:
	default:
		n.pm.OnRemoteError(c.peer, false)
		if stalled {
			n.pm.ModifyRating(c.peer, p2p.RatingPenaltyTimeout, false)
		}
	}
	n.setTimer(c, n.cfg.ReconnectTimeout)
	n.onNewRequests()
}

func (n *Network) onTimer(c *nodeConn) {
	if c.link == nil {
		n.dialConn(c)
		return
	}
	if n.cfg.PollPeriod > 0 {
		n.resetConn(c)
		n.onNewRequests()
		wait := n.cfg.PollPeriod
		if n.cfg.DesiredRate > wait {
			wait = n.cfg.DesiredRate
		}
		n.setTimer(c, wait)
	}
}

func (n *Network) setTimer(c *nodeConn, d time.Duration) {
	n.killTimer(c)
	seq := c.timerSeq
	c.timer = time.AfterFunc(d, func() { n.post(timerEvent{c: c, seq: seq}) })
}

func (n *Network) killTimer(c *nodeConn) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (n *Network) onPeerAnnounce(msg *p2p.PeerAnnounce) {
	if msg.Address == "" {
		return
	}
	if owner := n.pm.FindByAddress(msg.Address); owner != nil && owner.Active {
		return
	}
	n.addPeer(msg.ID, msg.Address)
}

func (n *Network) addPeer(id crypto.PeerID, addr string) {
	if pi := n.pm.OnPeer(id, addr, false); pi != nil {
		n.pm.OnSeen(pi)
		n.logger.Debug("Peer registered",
			logging.MaskField("peer_id", id.String()),
			logging.MaskField("peer_address", addr))
	}
}

func (n *Network) notifyNewTip() {
	tip := n.history.Tip()
	if tip == nil {
		panic("light: new tip notified with empty history")
	}
	n.metrics.observeTip(tip.Height)
	n.metrics.syncEvent("done")
	n.logger.Info("New tip", slog.Uint64("height", tip.Height), slog.String("hash", tip.Hash().Hex()))
	n.client.OnNewTip(*tip)
}
