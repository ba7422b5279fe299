package light

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"mwnet/core/types"
	"mwnet/crypto"
	"mwnet/p2p"
)

var testChecksum = common.HexToHash("0x6d776e6574")

type fakeLink struct {
	started   bool
	closed    bool
	bye       *p2p.ByeReason
	sent      []p2p.Message
	cursor    int
	proved    []p2p.IDType
	verifyErr error
}

func (l *fakeLink) Start(bool) error {
	l.started = true
	return nil
}

func (l *fakeLink) Send(msg p2p.Message) error {
	if l.closed {
		return p2p.ErrConnectionClosed
	}
	l.sent = append(l.sent, msg)
	return nil
}

func (l *fakeLink) ProveID(_ *crypto.PrivateKey, idType p2p.IDType) error {
	l.proved = append(l.proved, idType)
	return nil
}

func (l *fakeLink) VerifyID(*p2p.Authentication) error { return l.verifyErr }

func (l *fakeLink) Close() { l.closed = true }

func (l *fakeLink) CloseWithBye(reason p2p.ByeReason) {
	l.closed = true
	l.bye = &reason
}

// sentOf returns every message with code sent over the link.
func (l *fakeLink) sentOf(code p2p.MsgCode) []p2p.Message {
	var out []p2p.Message
	for _, m := range l.sent {
		if m.Code() == code {
			out = append(out, m)
		}
	}
	return out
}

// fakeNode answers sync traffic from its chain.
type fakeNode struct {
	mu         sync.Mutex
	chain      *types.Chain
	headingLen int
	bbs        bool
	relay      bool
	// forge corrupts chain work proofs.
	forge bool
	// hold leaves requests of these codes unanswered.
	hold map[p2p.MsgCode]bool
}

func newFakeNode(chain *types.Chain) *fakeNode {
	return &fakeNode{chain: chain, headingLen: 3, bbs: true, relay: true}
}

func (fn *fakeNode) tip() types.Header {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return *fn.chain.Tip()
}

func (fn *fakeNode) tipHash() common.Hash {
	tip := fn.tip()
	return tip.Hash()
}

func (fn *fakeNode) config() *p2p.Config {
	return &p2p.Config{CfgChecksum: testChecksum, Bbs: fn.bbs, SpreadingTransactions: fn.relay}
}

func (fn *fakeNode) serve(msg p2p.Message) []p2p.Message {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	if fn.hold[msg.Code()] {
		return nil
	}
	switch m := msg.(type) {
	case *p2p.GetCommonState:
		return []p2p.Message{fn.commonState(m.IDs)}
	case *p2p.GetProofChainWork:
		proof := fn.chain.ChainWorkProof(m.LowerBound, fn.headingLen)
		if fn.forge && len(proof.Heading) > 1 {
			proof.Heading[0].Timestamp++
		}
		return []p2p.Message{&p2p.ProofChainWork{Proof: proof}}
	case *p2p.GetProofUtxo:
		return []p2p.Message{&p2p.ProofUtxo{}}
	case *p2p.NewTransaction:
		return []p2p.Message{&p2p.Boolean{Value: true}}
	case *p2p.Ping:
		return []p2p.Message{&p2p.Pong{}}
	}
	return nil
}

// commonState proves the highest id found on the chain, otherwise the node's
// own header at the lowest requested height.
func (fn *fakeNode) commonState(ids []types.HeaderID) p2p.Message {
	for _, id := range ids {
		if hdr, ok := fn.chain.At(id.Height); ok && hdr.Hash() == id.Hash {
			proof, _ := fn.chain.ProveState(id.Height)
			return &p2p.ProofCommonState{ID: id, Proof: proof}
		}
	}
	low := ids[len(ids)-1].Height
	hdr, _ := fn.chain.At(low)
	proof, _ := fn.chain.ProveState(low)
	return &p2p.ProofCommonState{ID: hdr.ID(), Proof: proof}
}

type testClient struct {
	tips      []types.Header
	rollbacks []uint64
	completed []*Request
	connected []bool
	failures  []p2p.DisconnectReason
	bbs       []*p2p.BbsMsg
}

func (tc *testClient) OnNewTip(tip types.Header) {
	tc.tips = append(tc.tips, tip)
}

func (tc *testClient) OnRolledBack(height uint64) {
	tc.rollbacks = append(tc.rollbacks, height)
}

func (tc *testClient) OnRequestComplete(req *Request) {
	tc.completed = append(tc.completed, req)
}

func (tc *testClient) OnNodeConnected(connected bool) {
	tc.connected = append(tc.connected, connected)
}

func (tc *testClient) OnConnectionFailed(_ string, reason p2p.DisconnectReason) {
	tc.failures = append(tc.failures, reason)
}

func (tc *testClient) OnBbsMessage(msg *p2p.BbsMsg) {
	tc.bbs = append(tc.bbs, msg)
}

// harness drives a Network without Run: the test goroutine is the loop.
type harness struct {
	t      *testing.T
	n      *Network
	client *testClient

	mu    sync.Mutex
	links map[string]*fakeLink
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		ReconnectTimeout: time.Hour,
		CfgChecksum:      testChecksum,
		Logger:           testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client := &testClient{}
	n, err := New(cfg, client)
	require.NoError(t, err)
	h := &harness{t: t, n: n, client: client, links: make(map[string]*fakeLink)}
	n.dial = func(_ context.Context, addr string, _ p2p.Events) (link, error) {
		l := &fakeLink{}
		h.mu.Lock()
		h.links[addr] = l
		h.mu.Unlock()
		return l, nil
	}
	t.Cleanup(n.stop)
	return h
}

func (h *harness) pump() {
	h.t.Helper()
	select {
	case ev := <-h.n.events:
		h.n.handleEvent(ev)
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no event")
	}
}

// connect opens one connection per address and returns them started.
func (h *harness) connect(addrs ...string) []*nodeConn {
	h.t.Helper()
	h.n.connect(addrs)
	for range addrs {
		h.pump()
	}
	out := make([]*nodeConn, 0, len(addrs))
	for _, addr := range addrs {
		c := h.conn(addr)
		require.NotNil(h.t, c, addr)
		require.True(h.t, h.link(c).started)
		out = append(out, c)
	}
	return out
}

func (h *harness) conn(addr string) *nodeConn {
	pi := h.n.pm.FindByAddress(addr)
	if pi == nil {
		return nil
	}
	return h.n.slots[pi]
}

// link returns the latest link dialed for c, live or not.
func (h *harness) link(c *nodeConn) *fakeLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[c.addr]
}

func (h *harness) secure(c *nodeConn) {
	h.n.handleEvent(securedEvent{c: c, gen: c.gen})
}

func (h *harness) deliver(c *nodeConn, msg p2p.Message) {
	h.n.handleEvent(messageEvent{c: c, gen: c.gen, msg: msg})
}

func (h *harness) drop(c *nodeConn, reason p2p.DisconnectReason) {
	h.n.handleEvent(closedEvent{c: c, gen: c.gen, reason: reason})
}

// attach secures c, exchanges config and tip with node and runs the traffic
// until nothing is left to answer.
func (h *harness) attach(c *nodeConn, node *fakeNode) {
	h.t.Helper()
	h.secure(c)
	h.deliver(c, node.config())
	tip := node.tip()
	h.deliver(c, &p2p.NewTip{Header: tip})
	h.settle(c, node)
}

// settle answers everything c sent that node knows how to answer. It returns
// the number of replies delivered.
func (h *harness) settle(c *nodeConn, node *fakeNode) int {
	l := h.link(c)
	delivered := 0
	for l.cursor < len(l.sent) {
		msg := l.sent[l.cursor]
		l.cursor++
		for _, reply := range node.serve(msg) {
			if c.link != link(l) {
				return delivered
			}
			h.deliver(c, reply)
			delivered++
		}
	}
	return delivered
}

func buildChain(n int, salt uint64) *types.Chain {
	c := types.NewChain()
	for i := 0; i < n; i++ {
		c.Extend(10, salt)
	}
	return c
}

func (h *harness) preload(chain *types.Chain) {
	for _, hdr := range chain.Headers() {
		h.n.history.Set(hdr)
	}
}

func (h *harness) requireHistory(want []types.Header) {
	h.t.Helper()
	got := h.n.history.Headers()
	require.Len(h.t, got, len(want))
	for i := range want {
		require.Equal(h.t, want[i].Hash(), got[i].Hash(), "height %d", want[i].Height)
	}
}
