package main

import (
	"log/slog"

	"mwnet/core/types"
	"mwnet/crypto"
	"mwnet/light"
	"mwnet/observability/logging"
	"mwnet/p2p"
)

// logClient reports network callbacks to the log. Bulletin board messages
// sealed for owner are opened.
type logClient struct {
	logger *slog.Logger
	owner  *crypto.PrivateKey
}

func (c *logClient) OnNewTip(tip types.Header) {
	c.logger.Info("Tip updated",
		slog.Uint64("height", tip.Height),
		slog.String("hash", tip.Hash().Hex()),
		slog.String("chain_work", tip.ChainWork.String()))
}

func (c *logClient) OnRolledBack(height uint64) {
	c.logger.Warn("History rolled back", slog.Uint64("height", height))
}

func (c *logClient) OnRequestComplete(req *light.Request) {
	c.logger.Info("Request complete",
		slog.String("request_id", req.ID.String()),
		slog.String("kind", req.Kind.String()))
}

func (c *logClient) OnNodeConnected(connected bool) {
	c.logger.Info("Node connectivity changed", slog.Bool("connected", connected))
}

func (c *logClient) OnConnectionFailed(addr string, reason p2p.DisconnectReason) {
	c.logger.Warn("Node connection failed",
		logging.MaskField("peer_address", addr),
		slog.String("reason", reason.Error()))
}

func (c *logClient) OnBbsMessage(msg *p2p.BbsMsg) {
	attrs := []any{
		slog.Uint64("channel", uint64(msg.Channel)),
		slog.Uint64("time_posted", msg.TimePosted),
		slog.Int("size", len(msg.Message)),
	}
	if c.owner != nil {
		if plain, err := crypto.BbsDecrypt(c.owner, msg.Message); err == nil {
			attrs = append(attrs, slog.Bool("for_owner", true), slog.Int("plain_size", len(plain)))
		}
	}
	c.logger.Info("Bulletin board message", attrs...)
}

// peerRegistrar takes nodes that proved their identity on inbound streams.
type peerRegistrar interface {
	AddPeer(id crypto.PeerID, addr string) error
}

// inboundEvents serves accepted streams. The local node key is proved on
// securing; a node proving its own identity is registered with peers. Pings
// are answered and anything else ends the connection.
type inboundEvents struct {
	logger  *slog.Logger
	nodeKey *crypto.PrivateKey
	peers   peerRegistrar
}

func (e inboundEvents) OnConnectedSecure(c *p2p.Connection) {
	e.logger.Debug("Inbound connection secured", logging.MaskField("peer_address", c.RemoteAddr()))
	if e.nodeKey == nil {
		return
	}
	if err := c.ProveID(e.nodeKey, p2p.IDNode); err != nil {
		e.logger.Warn("Node identity not proved",
			logging.MaskField("peer_address", c.RemoteAddr()),
			slog.Any("error", err))
		c.Close()
	}
}

func (e inboundEvents) OnMessage(c *p2p.Connection, msg p2p.Message) {
	switch m := msg.(type) {
	case *p2p.Ping:
		_ = c.Send(&p2p.Pong{})
	case *p2p.Authentication:
		e.onAuthentication(c, m)
	case *p2p.Config:
		// Capabilities of an inbound peer are not needed to answer pings.
	default:
		c.CloseWithBye(p2p.ByeStopping)
	}
}

func (e inboundEvents) onAuthentication(c *p2p.Connection, msg *p2p.Authentication) {
	if err := c.VerifyID(msg); err != nil {
		e.logger.Warn("Inbound authentication rejected",
			logging.MaskField("peer_address", c.RemoteAddr()),
			slog.Any("error", err))
		c.CloseWithBye(p2p.ByeBan)
		return
	}
	e.logger.Info("Inbound peer authenticated",
		logging.MaskField("peer_id", msg.ID.String()),
		slog.String("id_type", msg.IDType.String()))
	if msg.IDType != p2p.IDNode || e.peers == nil {
		return
	}
	if err := e.peers.AddPeer(msg.ID, c.RemoteAddr()); err != nil {
		e.logger.Warn("Inbound peer not registered",
			logging.MaskField("peer_id", msg.ID.String()),
			slog.Any("error", err))
	}
}

func (e inboundEvents) OnClosed(c *p2p.Connection, reason p2p.DisconnectReason) {
	e.logger.Debug("Inbound connection closed",
		logging.MaskField("peer_address", c.RemoteAddr()),
		slog.String("reason", reason.Error()))
}

var (
	_ light.Client  = (*logClient)(nil)
	_ peerRegistrar = (*light.Network)(nil)
)
