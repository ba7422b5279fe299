package light

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"mwnet/crypto"
	"mwnet/p2p"
)

// RequestKind names what a Request asks a node for.
type RequestKind uint8

const (
	KindUtxo RequestKind = iota
	KindKernel
	KindMined
	KindRecover
	KindTransaction
	KindBbsMsg
)

func (k RequestKind) String() string {
	switch k {
	case KindUtxo:
		return "utxo"
	case KindKernel:
		return "kernel"
	case KindMined:
		return "mined"
	case KindRecover:
		return "recover"
	case KindTransaction:
		return "transaction"
	case KindBbsMsg:
		return "bbs_msg"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// requestRule describes how a kind is served.
type requestRule struct {
	ask   p2p.MsgCode
	reply p2p.MsgCode
	// node, relay and bbs are the peer capabilities the kind needs.
	node  bool
	relay bool
	bbs   bool
	// anyTip accepts the reply even if the connection left the tip meanwhile.
	anyTip bool
}

var requestRules = map[RequestKind]requestRule{
	KindUtxo:        {ask: p2p.CodeGetProofUtxo, reply: p2p.CodeProofUtxo},
	KindKernel:      {ask: p2p.CodeGetProofKernel, reply: p2p.CodeProofKernel, node: true},
	KindMined:       {ask: p2p.CodeGetMined, reply: p2p.CodeMined, node: true},
	KindRecover:     {ask: p2p.CodeRecover, reply: p2p.CodeRecovered, node: true},
	KindTransaction: {ask: p2p.CodeNewTransaction, reply: p2p.CodeBoolean, relay: true, anyTip: true},
	KindBbsMsg:      {ask: p2p.CodeBbsMsg, reply: p2p.CodePong, bbs: true, anyTip: true},
}

// Request is one pending ask. Msg is sent as is; Result holds the node's
// reply once the request completes.
type Request struct {
	ID     uuid.UUID
	Kind   RequestKind
	Msg    p2p.Message
	Result p2p.Message
}

func newRequest(kind RequestKind, msg p2p.Message) *Request {
	return &Request{ID: uuid.New(), Kind: kind, Msg: msg}
}

// NewUtxoRequest asks for proofs of every output with the given commitment.
func NewUtxoRequest(commitment []byte, maturityMin uint64) *Request {
	return newRequest(KindUtxo, &p2p.GetProofUtxo{Commitment: commitment, MaturityMin: maturityMin})
}

// NewKernelRequest asks for the inclusion proof of a kernel.
func NewKernelRequest(id common.Hash) *Request {
	return newRequest(KindKernel, &p2p.GetProofKernel{ID: id})
}

func NewMinedRequest(heightMin uint64) *Request {
	return newRequest(KindMined, &p2p.GetMined{HeightMin: heightMin})
}

func NewRecoverRequest(private, public bool) *Request {
	return newRequest(KindRecover, &p2p.Recover{Private: private, Public: public})
}

// NewTransactionRequest broadcasts a serialized transaction.
func NewTransactionRequest(tx []byte, fluff bool) *Request {
	return newRequest(KindTransaction, &p2p.NewTransaction{Transaction: tx, Fluff: fluff})
}

// NewBbsRequest posts a message on a bulletin board channel. The post time
// is stamped when the message is sent.
func NewBbsRequest(channel uint32, message []byte) *Request {
	return newRequest(KindBbsMsg, &p2p.BbsMsg{Channel: channel, Message: message})
}

// NewSealedBbsRequest posts message encrypted for the owner of recipient.
func NewSealedBbsRequest(channel uint32, recipient crypto.PeerID, message []byte) (*Request, error) {
	sealed, err := crypto.BbsEncrypt(recipient, message)
	if err != nil {
		return nil, err
	}
	return NewBbsRequest(channel, sealed), nil
}

// UtxoResult returns the reply of a completed utxo request.
func (r *Request) UtxoResult() (*p2p.ProofUtxo, bool) {
	res, ok := r.Result.(*p2p.ProofUtxo)
	return res, ok
}

func (r *Request) KernelResult() (*p2p.ProofKernel, bool) {
	res, ok := r.Result.(*p2p.ProofKernel)
	return res, ok
}

func (r *Request) MinedResult() (*p2p.Mined, bool) {
	res, ok := r.Result.(*p2p.Mined)
	return res, ok
}

func (r *Request) RecoverResult() (*p2p.Recovered, bool) {
	res, ok := r.Result.(*p2p.Recovered)
	return res, ok
}

// TransactionAccepted reports the node's verdict on a broadcast.
func (r *Request) TransactionAccepted() bool {
	res, ok := r.Result.(*p2p.Boolean)
	return ok && res.Value
}

func (r *Request) validate() error {
	rule, ok := requestRules[r.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, r.Kind)
	}
	if r.Msg == nil {
		return fmt.Errorf("%w: %s request without message", ErrInvalidRequest, r.Kind)
	}
	if r.Msg.Code() != rule.ask {
		return fmt.Errorf("%w: %s request carries %s", ErrInvalidRequest, r.Kind, r.Msg.Code())
	}
	return nil
}

// pending is a queued or in-flight request. A canceled entry stays in an
// in-flight list so replies keep matching positionally.
type pending struct {
	req      *Request
	canceled bool
}
