package light

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"mwnet/core/types"
	"mwnet/crypto"
	"mwnet/p2p"
	"mwnet/storage"
)

// syncedConn returns a connection synced to node.
func (h *harness) syncedConn(addr string, node *fakeNode) *nodeConn {
	h.t.Helper()
	c := h.conn(addr)
	if c == nil {
		c = h.connect(addr)[0]
	}
	h.attach(c, node)
	require.True(h.t, h.n.isAtTip(c))
	return c
}

func TestRequestWaitsForCapableConnection(t *testing.T) {
	h := newHarness(t, nil)
	kernel := NewKernelRequest(common.Hash{7})
	utxo := NewUtxoRequest([]byte{1, 2, 3}, 0)
	h.n.postRequest(kernel)
	h.n.postRequest(utxo)
	require.Len(t, h.n.queue, 2)

	node := newFakeNode(buildChain(3, 1))
	node.hold = map[p2p.MsgCode]bool{p2p.CodeGetProofUtxo: true}
	c := h.syncedConn("10.0.0.1:8100", node)

	require.Len(t, c.inflight, 1, "kernel proofs need an authenticated node")
	require.Equal(t, utxo.ID, c.inflight[0].req.ID)
	require.Equal(t, kernel.ID, h.n.queue[0].req.ID)

	h.deliver(c, &p2p.Authentication{IDType: p2p.IDNode})
	require.True(t, c.node)
	require.Empty(t, h.n.queue)
	require.Len(t, c.inflight, 2)
	require.Len(t, h.link(c).sentOf(p2p.CodeGetProofKernel), 1)
}

func TestRequestCompletesWithVerifiedReply(t *testing.T) {
	h := newHarness(t, nil)
	kernelID := common.HexToHash("0x0b")
	var tree types.MerkleTree
	tree.Append(common.HexToHash("0x0a"))
	tree.Append(kernelID)
	chain := buildChain(2, 1)
	chain.ExtendRoots(10, 1, tree.Root(), common.Hash{})
	proof, ok := tree.ProofAt(1, 2)
	require.True(t, ok)

	node := newFakeNode(chain)
	c := h.syncedConn("10.0.0.1:8100", node)
	h.deliver(c, &p2p.Authentication{IDType: p2p.IDNode})

	req := NewKernelRequest(kernelID)
	h.n.postRequest(req)
	require.Len(t, c.inflight, 1)
	h.deliver(c, &p2p.ProofKernel{Height: 3, Proof: proof})

	require.Len(t, h.client.completed, 1)
	res, ok := h.client.completed[0].KernelResult()
	require.True(t, ok)
	require.Equal(t, uint64(3), res.Height)
	require.Empty(t, c.inflight)
	require.NotContains(t, h.n.requests, req.ID)
}

func TestForgedReplyBansNode(t *testing.T) {
	h := newHarness(t, nil)
	node := newFakeNode(buildChain(3, 1))
	node.hold = map[p2p.MsgCode]bool{p2p.CodeGetProofUtxo: true}
	c := h.syncedConn("10.0.0.1:8100", node)
	req := NewUtxoRequest([]byte{9}, 0)
	h.n.postRequest(req)
	l := h.link(c)

	h.deliver(c, &p2p.ProofUtxo{Proofs: []types.UtxoProof{{Maturity: 1}}})

	require.NotNil(t, l.bye)
	require.Equal(t, p2p.ByeBan, *l.bye)
	require.True(t, c.peer.Banned())
	require.Empty(t, h.client.completed)
	require.Len(t, h.n.queue, 1, "request survives the banned node")
	require.Equal(t, req.ID, h.n.queue[0].req.ID)
}

func TestReplyWithoutRequestIsViolation(t *testing.T) {
	h := newHarness(t, nil)
	c := h.syncedConn("10.0.0.1:8100", newFakeNode(buildChain(2, 1)))

	h.deliver(c, &p2p.Mined{})

	require.Len(t, h.client.failures, 1)
	require.Equal(t, p2p.DisconnectProtocol, h.client.failures[0].Kind)
	require.False(t, c.peer.Banned())
}

func TestReplyOfWrongKindIsViolation(t *testing.T) {
	h := newHarness(t, nil)
	node := newFakeNode(buildChain(2, 1))
	node.hold = map[p2p.MsgCode]bool{p2p.CodeGetProofUtxo: true}
	c := h.syncedConn("10.0.0.1:8100", node)
	h.n.postRequest(NewUtxoRequest([]byte{1}, 0))

	h.deliver(c, &p2p.Boolean{Value: true})

	require.Len(t, h.client.failures, 1)
	require.True(t, errors.Is(h.client.failures[0], p2p.ErrUnexpected))
	require.Len(t, h.n.queue, 1)
}

func TestRequestReassignedOnDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	node := newFakeNode(buildChain(4, 1))
	node.hold = map[p2p.MsgCode]bool{p2p.CodeGetProofUtxo: true}
	h.connect("10.0.0.1:8100", "10.0.0.2:8100")
	a := h.syncedConn("10.0.0.1:8100", node)
	b := h.syncedConn("10.0.0.2:8100", node)

	req := NewUtxoRequest([]byte{4}, 0)
	h.n.postRequest(req)
	owner, other := a, b
	if len(b.inflight) == 1 {
		owner, other = b, a
	}
	require.Len(t, owner.inflight, 1)
	require.Empty(t, other.inflight)

	h.drop(owner, p2p.IoReason(errors.New("reset by peer")))

	require.Empty(t, owner.inflight)
	require.Empty(t, h.n.queue)
	require.Len(t, other.inflight, 1)
	require.Same(t, req, other.inflight[0].req)
	require.Len(t, h.link(other).sentOf(p2p.CodeGetProofUtxo), 1)

	h.deliver(other, &p2p.ProofUtxo{})
	require.Len(t, h.client.completed, 1)
	require.Same(t, req, h.client.completed[0])
}

func TestCanceledInflightReplyIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	node := newFakeNode(buildChain(3, 1))
	node.hold = map[p2p.MsgCode]bool{p2p.CodeGetProofUtxo: true}
	c := h.syncedConn("10.0.0.1:8100", node)
	first := NewUtxoRequest([]byte{1}, 0)
	second := NewUtxoRequest([]byte{2}, 0)
	h.n.postRequest(first)
	h.n.postRequest(second)
	require.Len(t, c.inflight, 2)

	require.NoError(t, h.n.cancelRequest(first.ID))
	h.deliver(c, &p2p.ProofUtxo{})
	require.Empty(t, h.client.completed)
	h.deliver(c, &p2p.ProofUtxo{})

	require.Len(t, h.client.completed, 1)
	require.Same(t, second, h.client.completed[0])
	require.Empty(t, c.inflight)
	require.NotNil(t, c.link)
}

func TestCancelQueuedRequest(t *testing.T) {
	h := newHarness(t, nil)
	req := NewMinedRequest(10)
	h.n.postRequest(req)

	require.NoError(t, h.n.cancelRequest(req.ID))
	require.Empty(t, h.n.queue)
	require.ErrorIs(t, h.n.cancelRequest(req.ID), ErrUnknownRequest)
	require.ErrorIs(t, h.n.cancelRequest(uuid.New()), ErrUnknownRequest)
}

func TestCanceledRequestNotReassigned(t *testing.T) {
	h := newHarness(t, nil)
	node := newFakeNode(buildChain(3, 1))
	node.hold = map[p2p.MsgCode]bool{p2p.CodeGetProofUtxo: true}
	c := h.syncedConn("10.0.0.1:8100", node)
	req := NewUtxoRequest([]byte{1}, 0)
	h.n.postRequest(req)
	require.NoError(t, h.n.cancelRequest(req.ID))

	h.drop(c, p2p.IoReason(errors.New("eof")))
	require.Empty(t, h.n.queue)
}

func TestOffTipReplyRequeuedButBroadcastCompletes(t *testing.T) {
	h := newHarness(t, nil)
	chain := buildChain(3, 1)
	node := newFakeNode(chain)
	node.hold = map[p2p.MsgCode]bool{
		p2p.CodeGetProofUtxo:   true,
		p2p.CodeNewTransaction: true,
	}
	c := h.syncedConn("10.0.0.1:8100", node)
	utxo := NewUtxoRequest([]byte{1}, 0)
	tx := NewTransactionRequest([]byte{0xde, 0xad}, true)
	h.n.postRequest(utxo)
	h.n.postRequest(tx)
	require.Len(t, c.inflight, 2)

	// The node jumps ahead; our history lags until the search completes.
	chain.Extend(10, 1)
	chain.Extend(10, 1)
	h.deliver(c, &p2p.NewTip{Header: *chain.Tip()})
	require.NotNil(t, c.sync)
	require.False(t, h.n.isAtTip(c))

	h.deliver(c, &p2p.ProofUtxo{})
	require.Empty(t, h.client.completed)
	require.Len(t, h.n.queue, 1)
	require.Same(t, utxo, h.n.queue[0].req)

	h.deliver(c, &p2p.Boolean{Value: true})
	require.Len(t, h.client.completed, 1)
	require.True(t, h.client.completed[0].TransactionAccepted())
}

func TestTransactionNeedsRelay(t *testing.T) {
	h := newHarness(t, nil)
	node := newFakeNode(buildChain(2, 1))
	node.relay = false
	c := h.syncedConn("10.0.0.1:8100", node)

	h.n.postRequest(NewTransactionRequest([]byte{1}, false))
	require.Empty(t, c.inflight)
	require.Len(t, h.n.queue, 1)
}

func TestBbsRequestStampsTimeAndPings(t *testing.T) {
	h := newHarness(t, nil)
	h.n.now = func() time.Time { return time.Unix(1_700_000_123, 0) }
	node := newFakeNode(buildChain(2, 1))
	node.hold = map[p2p.MsgCode]bool{p2p.CodePing: true}
	c := h.syncedConn("10.0.0.1:8100", node)
	req := NewBbsRequest(12, []byte("hello"))
	h.n.postRequest(req)

	l := h.link(c)
	posted := l.sentOf(p2p.CodeBbsMsg)
	require.Len(t, posted, 1)
	require.Equal(t, uint64(1_700_000_123), posted[0].(*p2p.BbsMsg).TimePosted)
	require.IsType(t, &p2p.Ping{}, l.sent[len(l.sent)-1])

	h.deliver(c, &p2p.Pong{})
	require.Len(t, h.client.completed, 1)
	require.Same(t, req, h.client.completed[0])
}

func TestInboundPingAnswered(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("10.0.0.1:8100")[0]
	h.secure(c)
	h.deliver(c, &p2p.Ping{})
	l := h.link(c)
	require.IsType(t, &p2p.Pong{}, l.sent[len(l.sent)-1])
}

func TestInboundBbsMessageForwarded(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("10.0.0.1:8100")[0]
	h.secure(c)
	msg := &p2p.BbsMsg{Channel: 3, Message: []byte("hi")}
	h.deliver(c, msg)
	require.Equal(t, []*p2p.BbsMsg{msg}, h.client.bbs)
}

func TestSubscriptionIsReferenceCounted(t *testing.T) {
	h := newHarness(t, nil)
	c := h.syncedConn("10.0.0.1:8100", newFakeNode(buildChain(2, 1)))
	l := h.link(c)

	h.n.setSubscription(7, true)
	h.n.setSubscription(7, true)
	h.n.setSubscription(7, false)
	require.True(t, h.n.subscribed(7))
	subs := l.sentOf(p2p.CodeBbsSubscribe)
	require.Len(t, subs, 1)
	require.Equal(t, &p2p.BbsSubscribe{Channel: 7, On: true}, subs[0])

	h.n.setSubscription(7, false)
	require.False(t, h.n.subscribed(7))
	subs = l.sentOf(p2p.CodeBbsSubscribe)
	require.Len(t, subs, 2)
	require.False(t, subs[1].(*p2p.BbsSubscribe).On)
}

func TestSubscriptionNegativeCount(t *testing.T) {
	h := newHarness(t, nil)
	c := h.syncedConn("10.0.0.1:8100", newFakeNode(buildChain(2, 1)))

	h.n.setSubscription(4, false)
	h.n.setSubscription(4, true)
	require.False(t, h.n.subscribed(4))
	require.Empty(t, h.link(c).sentOf(p2p.CodeBbsSubscribe))
}

func TestSubscriptionsReplayedToSecuredConnections(t *testing.T) {
	h := newHarness(t, nil)
	h.n.setSubscription(5, true)
	h.n.setSubscription(3, true)
	h.n.setSubscription(9, true)
	h.n.setSubscription(9, false)

	plain := newFakeNode(buildChain(2, 1))
	plain.bbs = false
	conns := h.connect("10.0.0.1:8100", "10.0.0.2:8100")
	h.attach(conns[0], newFakeNode(buildChain(2, 1)))
	h.attach(conns[1], plain)

	for _, c := range conns {
		var channels []uint32
		for _, m := range h.link(c).sentOf(p2p.CodeBbsSubscribe) {
			channels = append(channels, m.(*p2p.BbsSubscribe).Channel)
		}
		require.Equal(t, []uint32{3, 5}, channels, c.addr)
	}
}

func TestSubscriptionAnnouncedToEverySecureConnection(t *testing.T) {
	h := newHarness(t, nil)
	plain := newFakeNode(buildChain(2, 1))
	plain.bbs = false
	bbs := h.syncedConn("10.0.0.1:8100", newFakeNode(buildChain(2, 1)))
	other := h.syncedConn("10.0.0.2:8100", plain)
	pending := h.connect("10.0.0.3:8100")[0]

	h.n.setSubscription(11, true)
	require.Len(t, h.link(bbs).sentOf(p2p.CodeBbsSubscribe), 1)
	require.Len(t, h.link(other).sentOf(p2p.CodeBbsSubscribe), 1)
	require.Empty(t, h.link(pending).sentOf(p2p.CodeBbsSubscribe), "not secured yet")

	h.secure(pending)
	subs := h.link(pending).sentOf(p2p.CodeBbsSubscribe)
	require.Equal(t, []p2p.Message{&p2p.BbsSubscribe{Channel: 11, On: true}}, subs)
}

func TestOwnerKeyProvedToNode(t *testing.T) {
	owner, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	h := newHarness(t, func(cfg *Config) { cfg.OwnerKey = owner })
	c := h.connect("10.0.0.1:8100")[0]
	h.secure(c)

	h.deliver(c, &p2p.Authentication{IDType: p2p.IDViewer})
	require.False(t, c.node)
	require.Empty(t, h.link(c).proved)

	h.deliver(c, &p2p.Authentication{IDType: p2p.IDNode})
	require.True(t, c.node)
	require.Equal(t, []p2p.IDType{p2p.IDOwner}, h.link(c).proved)
}

func TestRejectedAuthenticationFails(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("10.0.0.1:8100")[0]
	h.secure(c)
	h.link(c).verifyErr = p2p.Violation(p2p.CodeAuthentication, p2p.ErrAuthentication)

	h.deliver(c, &p2p.Authentication{IDType: p2p.IDNode})
	require.False(t, c.node)
	require.Len(t, h.client.failures, 1)
	require.True(t, errors.Is(h.client.failures[0], p2p.ErrAuthentication))
}

func TestPeerAnnounceFeedsPeerManager(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("10.0.0.1:8100")[0]
	h.secure(c)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	h.deliver(c, &p2p.PeerAnnounce{ID: key.PeerID(), Address: "10.0.0.9:8100"})
	pi := h.n.pm.FindByAddress("10.0.0.9:8100")
	require.NotNil(t, pi)
	require.Equal(t, key.PeerID(), pi.ID)

	// The address of an active connection is not handed to someone else.
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	h.deliver(c, &p2p.PeerAnnounce{ID: other.PeerID(), Address: "10.0.0.1:8100"})
	require.Same(t, c.peer, h.n.pm.FindByAddress("10.0.0.1:8100"))
}

func TestAddPeerRegistersInboundNode(t *testing.T) {
	h := newHarness(t, nil)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	require.ErrorIs(t, h.n.AddPeer(crypto.PeerID{}, "10.0.0.7:40112"), crypto.ErrInvalidPeerID)
	require.NoError(t, h.n.AddPeer(key.PeerID(), "10.0.0.7:40112"))
	h.pump()

	pi, _ := h.n.pm.Find(key.PeerID(), false)
	require.NotNil(t, pi)
	require.Equal(t, "10.0.0.7:40112", pi.Address)
	require.False(t, pi.LastSeen.IsZero())
	require.Equal(t, p2p.RatingInitial, pi.RawRating)
}

func TestReconnectAfterDrop(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("10.0.0.1:8100")[0]
	h.secure(c)
	first := h.link(c)
	gen := c.gen

	h.drop(c, p2p.IoReason(errors.New("reset")))
	require.Equal(t, []bool{true, false}, h.client.connected)
	require.Less(t, c.peer.RawRating, p2p.RatingInitial, "early drop is penalized")
	require.NotNil(t, c.timer)

	// Events of the dead link are ignored.
	h.n.handleEvent(messageEvent{c: c, gen: gen, msg: &p2p.Ping{}})
	require.Empty(t, first.sentOf(p2p.CodePong))

	h.n.handleEvent(timerEvent{c: c, seq: c.timerSeq})
	h.pump()
	require.NotSame(t, first, h.link(c))
	require.True(t, h.link(c).started)
	h.secure(c)
	require.Equal(t, []bool{true, false, true}, h.client.connected)
}

func TestTimeoutWithRequestInFlightPenalized(t *testing.T) {
	timeout := p2p.IoReason(fmt.Errorf("read timeout: %w", os.ErrDeadlineExceeded))

	h := newHarness(t, nil)
	node := newFakeNode(buildChain(3, 1))
	node.hold = map[p2p.MsgCode]bool{p2p.CodeGetProofUtxo: true}
	c := h.syncedConn("10.0.0.1:8100", node)
	h.n.postRequest(NewUtxoRequest([]byte{1}, 0))
	require.Len(t, c.inflight, 1)
	before := c.peer.RawRating
	h.drop(c, timeout)
	require.Equal(t, before-p2p.RatingPenaltyNetworkErr-p2p.RatingPenaltyTimeout, c.peer.RawRating)

	idle := newHarness(t, nil)
	d := idle.syncedConn("10.0.0.1:8100", newFakeNode(buildChain(3, 1)))
	before = d.peer.RawRating
	idle.drop(d, timeout)
	require.Equal(t, before-p2p.RatingPenaltyNetworkErr, d.peer.RawRating, "nothing was pending")
}

func TestByeIsNotPenalized(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("10.0.0.1:8100")[0]
	h.secure(c)
	before := c.peer.RawRating

	h.drop(c, p2p.DisconnectReason{Kind: p2p.DisconnectBye, Bye: p2p.ByeStopping})
	require.Empty(t, h.client.failures)
	require.Equal(t, before, c.peer.RawRating)
	require.NotNil(t, c.timer)
}

func TestDialFailureReported(t *testing.T) {
	h := newHarness(t, nil)
	h.n.dial = func(context.Context, string, p2p.Events) (link, error) {
		return nil, errors.New("connection refused")
	}
	h.n.connect([]string{"10.0.0.1:8100"})
	h.pump()

	require.Len(t, h.client.failures, 1)
	require.Equal(t, p2p.DisconnectIo, h.client.failures[0].Kind)
	c := h.conn("10.0.0.1:8100")
	require.NotNil(t, c)
	require.Nil(t, c.link)
	require.NotNil(t, c.timer)
}

func TestDisconnectClosesEverything(t *testing.T) {
	h := newHarness(t, nil)
	conns := h.connect("10.0.0.1:8100", "10.0.0.2:8100")
	h.secure(conns[0])
	links := []*fakeLink{h.link(conns[0]), h.link(conns[1])}

	h.n.disconnectAll()

	require.Empty(t, h.n.conns)
	require.Empty(t, h.n.slots)
	require.False(t, h.n.enabled)
	require.Zero(t, h.n.pm.ActiveCount())
	for _, l := range links {
		require.True(t, l.closed)
	}
	require.NotNil(t, links[0].bye, "secure links say goodbye")
	require.Equal(t, []bool{true, false}, h.client.connected)
}

func TestSubmitValidates(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.n.Submit(&Request{Kind: KindUtxo, Msg: &p2p.GetMined{}})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.n.Submit(&Request{Kind: RequestKind(99), Msg: &p2p.Ping{}})
	require.ErrorIs(t, err, ErrUnknownKind)
	_, err = h.n.Submit(&Request{Kind: KindMined})
	require.ErrorIs(t, err, ErrInvalidRequest)

	id, err := h.n.Submit(NewRecoverRequest(true, false))
	require.NoError(t, err)
	h.pump()
	require.Contains(t, h.n.requests, id)
}

func TestNetworkPersistsHistoryAndPeers(t *testing.T) {
	db := storage.NewMemDB()
	h := newHarness(t, func(cfg *Config) { cfg.Store = db })
	node := newFakeNode(buildChain(5, 1))
	h.syncedConn("10.0.0.1:8100", node)
	h.n.stop()

	restored, err := New(Config{Store: db, CfgChecksum: testChecksum, Logger: testLogger()}, &testClient{})
	require.NoError(t, err)
	t.Cleanup(restored.stop)
	require.Equal(t, 5, restored.history.Len())
	require.Equal(t, node.tipHash(), restored.history.Tip().Hash())
	require.NotNil(t, restored.pm.FindByAddress("10.0.0.1:8100"))
}

func TestRunStopsOnContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.n.Run(ctx) }()

	tip, err := h.n.Tip(ctx)
	require.NoError(t, err)
	require.Nil(t, tip)
	require.NoError(t, h.n.Subscribe(1, true))
	on, err := h.n.Subscribed(ctx, 1)
	require.NoError(t, err)
	require.True(t, on)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	require.ErrorIs(t, h.n.Run(context.Background()), ErrStopped)
	require.ErrorIs(t, h.n.Subscribe(1, false), ErrStopped)
}
