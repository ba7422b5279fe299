package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mwnet/crypto"
	"mwnet/observability/logging"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultOutboundQueue    = 256
	defaultDialTimeout      = 10 * time.Second
)

// ConnectionConfig tunes a single peer connection.
type ConnectionConfig struct {
	// MaxMessageSize bounds the payload of a single frame in either direction.
	MaxMessageSize uint32
	// HandshakeTimeout bounds the time until the channel reaches duplex.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// MaxMsgsPerSecond limits inbound frames; zero disables the limit.
	MaxMsgsPerSecond float64
	OutboundQueue    int
	// Guard rejects replayed handshake nonces. Optional.
	Guard  *NonceGuard
	Logger *slog.Logger
}

func (cfg ConnectionConfig) withDefaults() ConnectionConfig {
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "p2p_conn"))
	}
	return cfg
}

// Events receives the lifecycle of a connection. All calls for one connection
// come from its reader goroutine in wire order.
type Events interface {
	// OnConnectedSecure fires once the outbound direction is encrypted.
	OnConnectedSecure(c *Connection)
	// OnMessage delivers every non handshake message after duplex.
	OnMessage(c *Connection, msg Message)
	// OnClosed fires at most once, unless the connection was closed locally.
	OnClosed(c *Connection, reason DisconnectReason)
}

type outFrame struct {
	code    MsgCode
	payload []byte
	// enable switches the outbound direction to this cipher after the frame.
	enable *cipherState
	last   bool
}

// Connection is one framed, secured stream to a remote peer.
type Connection struct {
	conn       net.Conn
	cfg        ConnectionConfig
	events     Events
	logger     *slog.Logger
	inbound    bool
	remoteAddr string

	secure *secureChannel
	reader frameReader

	state     atomic.Uint32
	secureOut atomic.Bool

	limiter  *rate.Limiter
	outbound chan outFrame

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	localClose atomic.Bool
	closed     chan struct{}

	metrics *networkMetrics
}

// NewConnection wraps conn. Start must be called to begin processing.
func NewConnection(conn net.Conn, inbound bool, cfg ConnectionConfig, events Events) *Connection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	c := &Connection{
		conn:       conn,
		cfg:        cfg,
		events:     events,
		logger:     cfg.Logger,
		inbound:    inbound,
		remoteAddr: remote,
		secure:     newSecureChannel(cfg.Guard),
		reader:     frameReader{r: conn, maxSize: cfg.MaxMessageSize},
		outbound:   make(chan outFrame, cfg.OutboundQueue),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
		metrics:    newNetworkMetrics(),
	}
	if cfg.MaxMsgsPerSecond > 0 {
		burst := int(cfg.MaxMsgsPerSecond * 2)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxMsgsPerSecond), burst)
	}
	return c
}

// Dial opens an outbound connection. The dial is abandoned when ctx is done.
func Dial(ctx context.Context, addr string, cfg ConnectionConfig, events Events) (*Connection, error) {
	dialer := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConnection(conn, false, cfg, events), nil
}

// Start launches the read and write loops. When initiate is set the local
// ChannelInit is queued before any inbound frame is processed.
func (c *Connection) Start(initiate bool) error {
	if initiate {
		init, err := c.secure.initMessage()
		if err != nil {
			return err
		}
		if err := c.enqueueMessage(init, nil, false); err != nil {
			return err
		}
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	go c.readLoop()
	go c.writeLoop()
	return nil
}

func (c *Connection) RemoteAddr() string { return c.remoteAddr }

func (c *Connection) Inbound() bool { return c.inbound }

// State returns the current handshake state.
func (c *Connection) State() ChannelState { return ChannelState(c.state.Load()) }

// IsSecureOut reports whether application messages may be sent.
func (c *Connection) IsSecureOut() bool { return c.secureOut.Load() }

// IsLive reports whether the connection has not been torn down.
func (c *Connection) IsLive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Done is closed when the connection terminates.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Send queues msg for delivery. It fails before the outbound direction is
// secure and once the connection is closed.
func (c *Connection) Send(msg Message) error {
	if msg.Code().IsHandshake() {
		return fmt.Errorf("%w: %s is sent by the channel", ErrUnexpected, msg.Code())
	}
	if !c.IsSecureOut() {
		return ErrNotSecure
	}
	return c.enqueueMessage(msg, nil, false)
}

// ProveID sends a signed proof that this side owns key.
func (c *Connection) ProveID(key *crypto.PrivateKey, idType IDType) error {
	auth, err := c.secure.prove(key, idType)
	if err != nil {
		return err
	}
	return c.Send(auth)
}

// VerifyID checks an identity proof received over this connection.
func (c *Connection) VerifyID(msg *Authentication) error {
	return c.secure.verify(msg)
}

// Close tears the connection down without notifying Events.
func (c *Connection) Close() {
	c.localClose.Store(true)
	c.terminate()
}

// CloseWithBye sends a Bye, then closes. Events are not notified.
func (c *Connection) CloseWithBye(reason ByeReason) {
	c.localClose.Store(true)
	if !c.IsSecureOut() {
		c.terminate()
		return
	}
	if err := c.enqueueMessage(&Bye{Reason: reason}, nil, true); err != nil {
		c.terminate()
	}
}

func (c *Connection) enqueueMessage(msg Message, enable *cipherState, last bool) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Code(), err)
	}
	if err := checkPayloadSize(msg.Code(), len(payload), c.cfg.MaxMessageSize); err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbound <- outFrame{code: msg.Code(), payload: payload, enable: enable, last: last}:
		c.metrics.recordMessage("out", msg.Code())
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		go c.fail(IoReason(ErrQueueFull))
		return ErrQueueFull
	}
}

func (c *Connection) readLoop() {
	for {
		code, payload, err := c.reader.readFrame()
		if err != nil {
			c.fail(classifyReadError(err))
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.fail(DisconnectReason{Kind: DisconnectProtocol, Err: Violation(code, ErrRateLimited)})
			return
		}
		msg, err := DecodeMessage(code, payload)
		if err != nil {
			c.fail(ReasonFromError(err))
			return
		}
		c.metrics.recordMessage("in", code)
		if c.secure.state != StateDuplex && !code.IsHandshake() {
			c.fail(DisconnectReason{Kind: DisconnectProtocol, Err: Violation(code, ErrNotSecure)})
			return
		}

		switch m := msg.(type) {
		case *ChannelInit:
			err = c.onChannelInit(m)
		case *ChannelReady:
			err = c.onChannelReady()
		case *Bye:
			c.fail(DisconnectReason{Kind: DisconnectBye, Bye: m.Reason})
			return
		default:
			c.events.OnMessage(c, msg)
		}
		if err != nil {
			c.metrics.recordHandshake("fail")
			c.fail(ReasonFromError(err))
			return
		}
	}
}

func (c *Connection) onChannelInit(msg *ChannelInit) error {
	init, err := c.secure.initMessage()
	if err != nil {
		return err
	}
	if init != nil {
		if err := c.enqueueMessage(init, nil, false); err != nil {
			return err
		}
	}
	if err := c.secure.onInit(msg); err != nil {
		return err
	}
	out, err := c.secure.keys.outbound()
	if err != nil {
		return err
	}
	if err := c.enqueueMessage(&ChannelReady{}, out, false); err != nil {
		return err
	}
	c.secure.state = StateOutgoing
	c.state.Store(uint32(StateOutgoing))
	c.secureOut.Store(true)
	c.events.OnConnectedSecure(c)
	return nil
}

func (c *Connection) onChannelReady() error {
	if err := c.secure.onReady(); err != nil {
		return err
	}
	in, err := c.secure.keys.inbound()
	if err != nil {
		return err
	}
	c.reader.in = in
	c.state.Store(uint32(StateDuplex))
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	c.metrics.recordHandshake("ok")
	c.logger.Debug("secure channel established",
		logging.MaskField("remote_addr", c.remoteAddr),
		slog.Bool("inbound", c.inbound))
	return nil
}

func (c *Connection) writeLoop() {
	var out *cipherState
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.outbound:
			buf, err := sealFrame(out, f.code, f.payload, c.cfg.MaxMessageSize)
			if err != nil {
				c.fail(DisconnectReason{Kind: DisconnectProcessingExc, Err: err})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.fail(IoReason(err))
				return
			}
			if _, err := c.conn.Write(buf); err != nil {
				c.fail(IoReason(fmt.Errorf("write error: %w", err)))
				return
			}
			if f.enable != nil {
				out = f.enable
			}
			if f.last {
				c.terminate()
				return
			}
		}
	}
}

func (c *Connection) fail(reason DisconnectReason) {
	fire := false
	c.closeOnce.Do(func() {
		c.shutdown()
		fire = !c.localClose.Load()
	})
	if !fire {
		return
	}
	c.metrics.recordDisconnect(reason.Kind)
	c.logger.Debug("connection closed",
		logging.MaskField("remote_addr", c.remoteAddr),
		slog.String("reason", reason.Error()))
	c.events.OnClosed(c, reason)
}

func (c *Connection) terminate() {
	c.closeOnce.Do(c.shutdown)
}

func (c *Connection) shutdown() {
	c.cancel()
	c.conn.Close()
	close(c.closed)
}

func classifyReadError(err error) DisconnectReason {
	if IsProtocolViolation(err) {
		return DisconnectReason{Kind: DisconnectProtocol, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return IoReason(fmt.Errorf("read timeout: %w", err))
	}
	if errors.Is(err, io.EOF) {
		return IoReason(io.EOF)
	}
	return IoReason(fmt.Errorf("read error: %w", err))
}
