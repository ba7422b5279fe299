package light

import (
	"context"
	"log/slog"
	"time"

	"mwnet/core/types"
	"mwnet/observability/logging"
	"mwnet/p2p"
)

// nodeConn is one slot in the connection list. It survives reconnects; every
// new link bumps gen so events of a previous link are dropped.
type nodeConn struct {
	n    *Network
	addr string
	peer *p2p.PeerInfo

	gen        uint64
	link       link
	cancelDial context.CancelFunc
	timer      *time.Timer
	timerSeq   uint64

	secure bool
	// tip is the last header the node announced; Height 0 means none yet.
	tip   types.Header
	node  bool
	bbs   bool
	relay bool

	sync     *syncCtx
	inflight []*pending
}

func (c *nodeConn) hasTip() bool { return c.tip.Height != 0 }

func (c *nodeConn) send(msg p2p.Message) error {
	if c.link == nil {
		return p2p.ErrNotSecure
	}
	return c.link.Send(msg)
}

func unexpected(code p2p.MsgCode) error {
	return p2p.Violationf(code, "%w: %s", p2p.ErrUnexpected, code)
}

func (c *nodeConn) OnChannelInit(*p2p.ChannelInit) error   { return unexpected(p2p.CodeChannelInit) }
func (c *nodeConn) OnChannelReady(*p2p.ChannelReady) error { return unexpected(p2p.CodeChannelReady) }
func (c *nodeConn) OnBye(*p2p.Bye) error                   { return unexpected(p2p.CodeBye) }

func (c *nodeConn) OnGetCommonState(*p2p.GetCommonState) error {
	return unexpected(p2p.CodeGetCommonState)
}

func (c *nodeConn) OnGetProofChainWork(*p2p.GetProofChainWork) error {
	return unexpected(p2p.CodeGetProofChainWork)
}

func (c *nodeConn) OnGetProofUtxo(*p2p.GetProofUtxo) error { return unexpected(p2p.CodeGetProofUtxo) }

func (c *nodeConn) OnGetProofKernel(*p2p.GetProofKernel) error {
	return unexpected(p2p.CodeGetProofKernel)
}

func (c *nodeConn) OnGetMined(*p2p.GetMined) error { return unexpected(p2p.CodeGetMined) }
func (c *nodeConn) OnRecover(*p2p.Recover) error   { return unexpected(p2p.CodeRecover) }

func (c *nodeConn) OnNewTransaction(*p2p.NewTransaction) error {
	return unexpected(p2p.CodeNewTransaction)
}

func (c *nodeConn) OnBbsSubscribe(*p2p.BbsSubscribe) error {
	return unexpected(p2p.CodeBbsSubscribe)
}

func (c *nodeConn) OnPing(*p2p.Ping) error {
	return c.send(&p2p.Pong{})
}

func (c *nodeConn) OnAuthentication(msg *p2p.Authentication) error {
	if err := c.link.VerifyID(msg); err != nil {
		return err
	}
	c.n.logger.Info("Node authenticated",
		logging.MaskField("peer_address", c.addr),
		slog.String("id_type", msg.IDType.String()))
	if msg.IDType != p2p.IDNode {
		return nil
	}
	c.node = true
	if key := c.n.cfg.OwnerKey; key != nil {
		if err := c.link.ProveID(key, p2p.IDOwner); err != nil {
			return err
		}
	}
	return c.n.assignRequests(c)
}

func (c *nodeConn) OnConfig(msg *p2p.Config) error {
	if msg.CfgChecksum != c.n.cfg.CfgChecksum {
		return p2p.Violationf(p2p.CodeConfig, "%w: config checksum %s", p2p.ErrIncompatible, msg.CfgChecksum.Hex())
	}
	c.bbs = msg.Bbs
	c.relay = msg.SpreadingTransactions
	return c.n.assignRequests(c)
}

func (c *nodeConn) OnBbsMsg(msg *p2p.BbsMsg) error {
	c.n.client.OnBbsMessage(msg)
	return nil
}

func (c *nodeConn) OnPeerAnnounce(msg *p2p.PeerAnnounce) error {
	c.n.onPeerAnnounce(msg)
	return nil
}

// Replies. Each one is matched against the oldest in-flight request.

func (c *nodeConn) OnProofUtxo(msg *p2p.ProofUtxo) error {
	p, err := c.firstStrict(KindUtxo, msg.Code())
	if err != nil {
		return err
	}
	ask := p.req.Msg.(*p2p.GetProofUtxo)
	for i := range msg.Proofs {
		if !c.tip.IsValidProofUtxo(ask.Commitment, msg.Proofs[i]) {
			return p2p.Violationf(msg.Code(), "%w: utxo proof %d does not match tip", p2p.ErrBanPeer, i)
		}
	}
	p.req.Result = msg
	return c.n.finishFirst(c)
}

func (c *nodeConn) OnProofKernel(msg *p2p.ProofKernel) error {
	p, err := c.firstStrict(KindKernel, msg.Code())
	if err != nil {
		return err
	}
	ask := p.req.Msg.(*p2p.GetProofKernel)
	if len(msg.Proof) > 0 && !c.tip.IsValidProofKernel(ask.ID, msg.Proof) {
		return p2p.Violationf(msg.Code(), "%w: kernel proof does not match tip", p2p.ErrBanPeer)
	}
	p.req.Result = msg
	return c.n.finishFirst(c)
}

func (c *nodeConn) OnMined(msg *p2p.Mined) error {
	p, err := c.firstStrict(KindMined, msg.Code())
	if err != nil {
		return err
	}
	p.req.Result = msg
	return c.n.finishFirst(c)
}

func (c *nodeConn) OnRecovered(msg *p2p.Recovered) error {
	p, err := c.firstStrict(KindRecover, msg.Code())
	if err != nil {
		return err
	}
	p.req.Result = msg
	return c.n.finishFirst(c)
}

func (c *nodeConn) OnBoolean(msg *p2p.Boolean) error {
	p, err := c.firstStrict(KindTransaction, msg.Code())
	if err != nil {
		return err
	}
	p.req.Result = msg
	if msg.Value {
		c.n.pm.ModifyRating(c.peer, p2p.RatingRewardTx, true)
	}
	return c.n.finishFirst(c)
}

func (c *nodeConn) OnPong(msg *p2p.Pong) error {
	p, err := c.firstStrict(KindBbsMsg, msg.Code())
	if err != nil {
		return err
	}
	p.req.Result = msg
	c.n.pm.ModifyRating(c.peer, p2p.RatingRewardBbs, true)
	return c.n.finishFirst(c)
}

// firstStrict returns the oldest in-flight request, which must be of kind.
func (c *nodeConn) firstStrict(kind RequestKind, code p2p.MsgCode) (*pending, error) {
	if len(c.inflight) == 0 {
		return nil, p2p.Violationf(code, "%w: %s without request", p2p.ErrUnexpected, code)
	}
	p := c.inflight[0]
	if p.req.Kind != kind {
		return nil, p2p.Violationf(code, "%w: %s answering %s request", p2p.ErrUnexpected, code, p.req.Kind)
	}
	return p, nil
}

var _ p2p.MessageHandler = (*nodeConn)(nil)
