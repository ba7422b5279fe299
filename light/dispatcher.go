package light

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"mwnet/observability/logging"
	"mwnet/p2p"
)

// postRequest appends req to the global queue and offers it to the
// connections.
func (n *Network) postRequest(req *Request) {
	if _, dup := n.requests[req.ID]; dup {
		n.logger.Warn("Duplicate request ignored", slog.String("request_id", req.ID.String()))
		return
	}
	p := &pending{req: req}
	n.requests[req.ID] = p
	n.queue = append(n.queue, p)
	n.metrics.observeQueue(len(n.queue))
	n.onNewRequests()
}

func (n *Network) cancelRequest(id uuid.UUID) error {
	p, ok := n.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	delete(n.requests, id)
	if i := slices.Index(n.queue, p); i >= 0 {
		n.queue = slices.Delete(n.queue, i, i+1)
		n.metrics.observeQueue(len(n.queue))
		return nil
	}
	// In flight: the reply is still consumed positionally, then dropped.
	p.canceled = true
	return nil
}

// onNewRequests offers the queue to every live secure connection, highest
// priority first.
func (n *Network) onNewRequests() {
	for _, c := range n.conns {
		if len(n.queue) == 0 {
			return
		}
		if c.link == nil || !c.secure {
			continue
		}
		if err := n.assignRequests(c); err != nil {
			n.logger.Debug("Request assignment stopped",
				logging.MaskField("peer_address", c.addr),
				slog.Any("error", err))
		}
	}
}

// isSupported reports whether c can serve kind right now.
func (n *Network) isSupported(c *nodeConn, kind RequestKind) bool {
	rule, ok := requestRules[kind]
	if !ok || !n.isAtTip(c) {
		return false
	}
	return (!rule.node || c.node) && (!rule.relay || c.relay) && (!rule.bbs || c.bbs)
}

// assignRequests moves every queued request c can serve into its in-flight
// list, in queue order. A send error stops the walk; the connection failure
// follows through its own events.
func (n *Network) assignRequests(c *nodeConn) error {
	var err error
	for i := 0; i < len(n.queue); {
		p := n.queue[i]
		if !n.isSupported(c, p.req.Kind) {
			i++
			continue
		}
		if err = n.sendRequest(c, p.req); err != nil {
			break
		}
		n.queue = slices.Delete(n.queue, i, i+1)
		c.inflight = append(c.inflight, p)
	}
	n.metrics.observeQueue(len(n.queue))

	if c.link != nil {
		if n.pollIdle(c) {
			n.setTimer(c, 0)
		} else {
			n.killTimer(c)
		}
	}
	return err
}

// pollIdle reports whether c is synced with nothing in flight, so poll mode
// may drop it until the next round.
func (n *Network) pollIdle(c *nodeConn) bool {
	return n.cfg.PollPeriod > 0 && len(c.inflight) == 0 && c.sync == nil && n.isAtTip(c)
}

func (n *Network) sendRequest(c *nodeConn, req *Request) error {
	if msg, ok := req.Msg.(*p2p.BbsMsg); ok {
		msg.TimePosted = uint64(n.now().Unix())
		if err := c.send(msg); err != nil {
			return err
		}
		return c.send(&p2p.Ping{})
	}
	return c.send(req.Msg)
}

// finishFirst completes the oldest in-flight request of c. A reply that
// needs the verified tip is requeued when c has left it.
func (n *Network) finishFirst(c *nodeConn) error {
	p := c.inflight[0]
	c.inflight = c.inflight[1:]

	switch {
	case p.canceled:
	case !requestRules[p.req.Kind].anyTip && !n.isAtTip(c):
		p.req.Result = nil
		n.queue = append(n.queue, p)
		n.metrics.observeQueue(len(n.queue))
		n.metrics.requestsReassigned(1)
		n.onNewRequests()
	default:
		delete(n.requests, p.req.ID)
		n.metrics.requestCompleted(p.req.Kind)
		n.client.OnRequestComplete(p.req)
	}
	if n.pollIdle(c) {
		return n.assignRequests(c)
	}
	return nil
}

// releaseRequests returns the in-flight requests of c to the back of the
// global queue. Canceled entries are dropped.
func (n *Network) releaseRequests(c *nodeConn) {
	released := 0
	for _, p := range c.inflight {
		if p.canceled {
			continue
		}
		p.req.Result = nil
		n.queue = append(n.queue, p)
		released++
	}
	c.inflight = nil
	if released == 0 {
		return
	}
	n.metrics.observeQueue(len(n.queue))
	n.metrics.requestsReassigned(released)
	n.logger.Info("Requests returned to queue",
		logging.MaskField("peer_address", c.addr),
		slog.Int("count", released))
}

// setSubscription counts channel references. The node is told only when the
// count crosses between zero and one; negative counts are allowed.
func (n *Network) setSubscription(channel uint32, on bool) {
	count := n.subs[channel]
	if on {
		n.subs[channel] = count + 1
		if count != 0 {
			return
		}
	} else {
		n.subs[channel] = count - 1
		if count-1 != 0 {
			return
		}
	}
	msg := &p2p.BbsSubscribe{Channel: channel, On: on}
	for _, c := range n.conns {
		if c.link == nil || !c.secure {
			continue
		}
		if err := c.send(msg); err != nil {
			n.logger.Debug("Subscription not announced",
				logging.MaskField("peer_address", c.addr),
				slog.Any("error", err))
		}
	}
}

func (n *Network) subscribed(channel uint32) bool {
	return n.subs[channel] > 0
}

// replaySubscriptions announces every active channel to a newly secured
// connection.
func (n *Network) replaySubscriptions(c *nodeConn) error {
	channels := make([]uint32, 0, len(n.subs))
	for ch, count := range n.subs {
		if count > 0 {
			channels = append(channels, ch)
		}
	}
	slices.Sort(channels)
	for _, ch := range channels {
		if err := c.send(&p2p.BbsSubscribe{Channel: ch, On: true}); err != nil {
			return err
		}
	}
	return nil
}
