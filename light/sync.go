package light

import (
	"log/slog"
	"sort"

	"mwnet/core/types"
	"mwnet/observability/logging"
	"mwnet/p2p"
)

// syncCtx tracks one connection catching the local history up to its node.
type syncCtx struct {
	// confirming is the batch sent in the outstanding GetCommonState,
	// highest first. Empty while a chain work proof is awaited.
	confirming []types.Header
	// confirmed is the highest header both sides agree on; Height 0 if none.
	confirmed types.Header
	// tipBeforeGap is the node tip seen before a non contiguous announcement.
	tipBeforeGap types.Header
	// lowHeight bounds the range still to reconcile. Rollbacks on other
	// connections lower it.
	lowHeight uint64
}

func sameHeader(a, b *types.Header) bool {
	return a.Height == b.Height && a.Hash() == b.Hash()
}

// shouldSync reports whether the node's tip carries more work than ours.
func (n *Network) shouldSync(c *nodeConn) bool {
	tip := n.history.Tip()
	return tip == nil || tip.ChainWork.Cmp(c.tip.ChainWork) < 0
}

func (n *Network) isAtTip(c *nodeConn) bool {
	tip := n.history.Tip()
	return tip != nil && c.hasTip() && sameHeader(tip, &c.tip)
}

func (c *nodeConn) OnNewTip(msg *p2p.NewTip) error {
	n := c.n
	hdr := msg.Header
	if c.hasTip() && sameHeader(&c.tip, &hdr) {
		return nil
	}
	if hdr.ChainWork.Cmp(c.tip.ChainWork) <= 0 {
		return p2p.Violationf(msg.Code(), "%w: tip %d does not add work", p2p.ErrUnexpected, hdr.Height)
	}
	if !hdr.IsValid() {
		return p2p.Violationf(msg.Code(), "%w: malformed tip %d", p2p.ErrInvalidPayload, hdr.Height)
	}
	if s := c.sync; s != nil && len(s.confirming) == 0 && s.tipBeforeGap.Height == 0 && !c.tip.IsNext(&hdr) {
		s.tipBeforeGap = c.tip
	}
	c.tip = hdr
	n.pm.ModifyRating(c.peer, p2p.RatingRewardHeader, true)

	switch {
	case c.sync != nil:
		return nil
	case n.shouldSync(c):
		return n.startSync(c)
	case n.isAtTip(c):
		return n.assignRequests(c)
	}
	return nil
}

func (n *Network) startSync(c *nodeConn) error {
	n.killTimer(c)
	if c.tip.Height > types.HeightGenesis {
		if tip := n.history.Tip(); tip == nil || !tip.IsNext(&c.tip) {
			c.sync = &syncCtx{}
			n.metrics.syncEvent("start")
			n.logger.Info("Starting sync",
				logging.MaskField("peer_address", c.addr),
				slog.Uint64("node_height", c.tip.Height))
			return n.searchBelow(c, c.tip.Height, 1)
		}
	}
	n.history.Set(c.tip)
	return n.completeSync(c)
}

// searchBelow asks the node to confirm up to count local headers strictly
// below height.
func (n *Network) searchBelow(c *nodeConn, height uint64, count int) error {
	s := c.sync
	batch := n.history.Below(height, count)
	if len(batch) == 0 {
		s.confirmed = types.Header{}
		return n.requestChainWork(c)
	}
	ids := make([]types.HeaderID, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID()
	}
	s.confirming = batch
	s.lowHeight = batch[0].Height
	n.metrics.syncEvent("search")
	return c.send(&p2p.GetCommonState{IDs: ids})
}

func (c *nodeConn) OnProofCommonState(msg *p2p.ProofCommonState) error {
	n := c.n
	s := c.sync
	if s == nil || len(s.confirming) == 0 {
		return unexpected(msg.Code())
	}
	batch := s.confirming
	s.confirming = nil

	if !n.shouldSync(c) {
		c.sync = nil
		return nil
	}

	idx := -1
	for i := range batch {
		if batch[i].Height == msg.ID.Height {
			idx = i
			break
		}
	}
	last := len(batch) - 1
	if idx < 0 {
		if c.tip.Height > batch[last].Height {
			return p2p.Violationf(msg.Code(), "%w: proof for unrequested height %d", p2p.ErrUnexpected, msg.ID.Height)
		}
		n.metrics.syncEvent("restart")
		return n.searchBelow(c, c.tip.Height, 1)
	}
	if !c.tip.IsValidProofState(msg.ID, msg.Proof) {
		return p2p.Violationf(msg.Code(), "%w: common state proof does not match tip", p2p.ErrBanPeer)
	}

	if s.lowHeight < batch[0].Height && idx > 0 {
		// A rollback elsewhere invalidated part of the batch.
		return n.searchBelow(c, s.lowHeight+1, 1)
	}
	if batch[idx].Hash() != msg.ID.Hash {
		if idx != last {
			return p2p.Violationf(msg.Code(), "%w: disproof must cover the oldest requested header", p2p.ErrUnexpected)
		}
		return n.searchBelow(c, batch[last].Height, len(batch)*2)
	}
	s.confirmed = batch[idx]
	return n.requestChainWork(c)
}

func (n *Network) requestChainWork(c *nodeConn) error {
	s := c.sync
	s.tipBeforeGap = types.Header{}
	s.lowHeight = s.confirmed.Height
	return c.send(&p2p.GetProofChainWork{LowerBound: s.confirmed.ChainWork})
}

func (c *nodeConn) OnProofChainWork(msg *p2p.ProofChainWork) error {
	n := c.n
	s := c.sync
	if s == nil || len(s.confirming) != 0 {
		return unexpected(msg.Code())
	}
	proof := &msg.Proof
	if proof.LowerBound.Cmp(s.confirmed.ChainWork) != 0 {
		return p2p.Violationf(msg.Code(), "%w: lower bound %s, requested %s", p2p.ErrUnexpected, proof.LowerBound, s.confirmed.ChainWork)
	}
	tip, err := proof.Verify()
	if err != nil {
		return p2p.Violationf(msg.Code(), "%w: %w", p2p.ErrBanPeer, err)
	}
	if !sameHeader(tip, &c.tip) {
		return p2p.Violationf(msg.Code(), "%w: proof terminal %d is not the announced tip", p2p.ErrBanPeer, tip.Height)
	}

	c.sync = nil
	if !n.shouldSync(c) {
		return nil
	}
	proven := newProvenSet(proof.Unpack())

	if s.tipBeforeGap.Height != 0 && s.confirmed.Height != 0 &&
		!proven.contains(&s.tipBeforeGap) && !proven.contains(&s.confirmed) {
		n.metrics.syncEvent("restart")
		n.logger.Info("Restarting sync after tip gap", logging.MaskField("peer_address", c.addr))
		return n.startSync(c)
	}

	n.rollback(s.lowHeight, proven)
	for _, hdr := range proven.headers {
		n.history.Set(hdr)
	}
	return n.completeSync(c)
}

// rollback erases local headers above low that the proof does not contain.
func (n *Network) rollback(low uint64, proven provenSet) {
	erased := 0
	for {
		top := n.history.Tip()
		if top == nil || top.Height <= low || proven.contains(top) {
			break
		}
		n.history.PopTip()
		erased++
	}
	if erased == 0 {
		return
	}
	var height uint64
	if top := n.history.Tip(); top != nil {
		height = top.Height
	}
	for _, o := range n.conns {
		if o.sync != nil && o.sync.lowHeight > height {
			o.sync.lowHeight = height
		}
	}
	n.metrics.rollback(erased)
	n.logger.Warn("Local history rolled back",
		slog.Uint64("height", height),
		slog.Int("erased", erased))
	n.client.OnRolledBack(height)
}

func (n *Network) completeSync(c *nodeConn) error {
	n.history.Shrink(n.cfg.RollbackWindow)
	n.prioritize(c)
	err := n.assignRequests(c)
	n.notifyNewTip()
	return err
}

// provenSet is a verified proof's headers sorted by height.
type provenSet struct {
	headers []types.Header
}

func newProvenSet(sorted []types.Header) provenSet {
	return provenSet{headers: sorted}
}

func (p provenSet) contains(hdr *types.Header) bool {
	i := sort.Search(len(p.headers), func(i int) bool { return p.headers[i].Height >= hdr.Height })
	return i < len(p.headers) && sameHeader(&p.headers[i], hdr)
}
