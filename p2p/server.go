package p2p

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"mwnet/observability/logging"
)

// Server accepts inbound streams and runs each through the secure channel
// handshake as the responding side.
type Server struct {
	cfg    ConnectionConfig
	events func(*Connection) Events
	logger *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[*Connection]struct{}
}

// NewServer returns a server. events is asked for the Events of every accepted
// connection before it starts.
func NewServer(cfg ConnectionConfig, events func(*Connection) Events) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "p2p_server"))
	}
	return &Server{
		cfg:    cfg,
		events: events,
		logger: logger,
		conns:  make(map[*Connection]struct{}),
	}
}

// Addr returns the bound address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("P2P server listening",
		logging.MaskField("listen_address", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.closeAll()
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.closeAll()
			return err
		}
		s.handleInbound(conn)
	}
}

func (s *Server) handleInbound(raw net.Conn) {
	var relay relayEvents
	c := NewConnection(raw, true, s.cfg, &relay)
	relay.inner = s.events(c)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	go s.forgetOnDone(c)
	if err := c.Start(false); err != nil {
		s.logger.Warn("Inbound connection rejected",
			logging.MaskField("peer_address", raw.RemoteAddr().String()),
			slog.Any("error", err))
		c.Close()
	}
}

// forgetOnDone drops c from the set however it ends, including closes
// initiated by the server's own Events.
func (s *Server) forgetOnDone(c *Connection) {
	<-c.Done()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*Connection]struct{})
	s.mu.Unlock()
	for _, c := range conns {
		c.CloseWithBye(ByeStopping)
	}
}

// relayEvents forwards to the Events built for an accepted connection, which
// need the connection before they exist.
type relayEvents struct {
	inner Events
}

func (r *relayEvents) OnConnectedSecure(c *Connection) { r.inner.OnConnectedSecure(c) }

func (r *relayEvents) OnMessage(c *Connection, msg Message) { r.inner.OnMessage(c, msg) }

func (r *relayEvents) OnClosed(c *Connection, reason DisconnectReason) { r.inner.OnClosed(c, reason) }
