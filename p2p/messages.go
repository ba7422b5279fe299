package p2p

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"mwnet/core/types"
	"mwnet/crypto"
)

// MsgCode is the one byte message type carried in every frame header.
type MsgCode byte

// Constants for our P2P message types.
const (
	CodeChannelInit       MsgCode = 0x01
	CodeChannelReady      MsgCode = 0x02
	CodeAuthentication    MsgCode = 0x03
	CodeBye               MsgCode = 0x04
	CodePing              MsgCode = 0x05
	CodePong              MsgCode = 0x06
	CodeConfig            MsgCode = 0x10
	CodeNewTip            MsgCode = 0x11
	CodeGetCommonState    MsgCode = 0x12
	CodeProofCommonState  MsgCode = 0x13
	CodeGetProofChainWork MsgCode = 0x14
	CodeProofChainWork    MsgCode = 0x15
	CodeGetProofUtxo      MsgCode = 0x16
	CodeProofUtxo         MsgCode = 0x17
	CodeGetProofKernel    MsgCode = 0x18
	CodeProofKernel       MsgCode = 0x19
	CodeGetMined          MsgCode = 0x1A
	CodeMined             MsgCode = 0x1B
	CodeRecover           MsgCode = 0x1C
	CodeRecovered         MsgCode = 0x1D
	CodeNewTransaction    MsgCode = 0x1E
	CodeBoolean           MsgCode = 0x1F
	CodeBbsSubscribe      MsgCode = 0x20
	CodeBbsMsg            MsgCode = 0x21
	CodePeerAnnounce      MsgCode = 0x22
)

var codeNames = map[MsgCode]string{
	CodeChannelInit:       "ChannelInit",
	CodeChannelReady:      "ChannelReady",
	CodeAuthentication:    "Authentication",
	CodeBye:               "Bye",
	CodePing:              "Ping",
	CodePong:              "Pong",
	CodeConfig:            "Config",
	CodeNewTip:            "NewTip",
	CodeGetCommonState:    "GetCommonState",
	CodeProofCommonState:  "ProofCommonState",
	CodeGetProofChainWork: "GetProofChainWork",
	CodeProofChainWork:    "ProofChainWork",
	CodeGetProofUtxo:      "GetProofUtxo",
	CodeProofUtxo:         "ProofUtxo",
	CodeGetProofKernel:    "GetProofKernel",
	CodeProofKernel:       "ProofKernel",
	CodeGetMined:          "GetMined",
	CodeMined:             "Mined",
	CodeRecover:           "Recover",
	CodeRecovered:         "Recovered",
	CodeNewTransaction:    "NewTransaction",
	CodeBoolean:           "Boolean",
	CodeBbsSubscribe:      "BbsSubscribe",
	CodeBbsMsg:            "BbsMsg",
	CodePeerAnnounce:      "PeerAnnounce",
}

func (c MsgCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(c))
}

// Known reports whether the code belongs to the catalogue.
func (c MsgCode) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// IsHandshake reports whether the code may travel before the channel is secure.
func (c MsgCode) IsHandshake() bool {
	return c == CodeChannelInit || c == CodeChannelReady
}

// Message is implemented by every payload in the catalogue.
type Message interface {
	Code() MsgCode
	dispatch(h MessageHandler) error
}

// MessageHandler receives decoded messages, one method per type. Adding a
// message to the catalogue requires every handler to grow a method.
type MessageHandler interface {
	OnChannelInit(*ChannelInit) error
	OnChannelReady(*ChannelReady) error
	OnAuthentication(*Authentication) error
	OnBye(*Bye) error
	OnPing(*Ping) error
	OnPong(*Pong) error
	OnConfig(*Config) error
	OnNewTip(*NewTip) error
	OnGetCommonState(*GetCommonState) error
	OnProofCommonState(*ProofCommonState) error
	OnGetProofChainWork(*GetProofChainWork) error
	OnProofChainWork(*ProofChainWork) error
	OnGetProofUtxo(*GetProofUtxo) error
	OnProofUtxo(*ProofUtxo) error
	OnGetProofKernel(*GetProofKernel) error
	OnProofKernel(*ProofKernel) error
	OnGetMined(*GetMined) error
	OnMined(*Mined) error
	OnRecover(*Recover) error
	OnRecovered(*Recovered) error
	OnNewTransaction(*NewTransaction) error
	OnBoolean(*Boolean) error
	OnBbsSubscribe(*BbsSubscribe) error
	OnBbsMsg(*BbsMsg) error
	OnPeerAnnounce(*PeerAnnounce) error
}

// Dispatch routes msg to the matching handler method.
func Dispatch(msg Message, h MessageHandler) error {
	return msg.dispatch(h)
}

// --- Handshake ---

// ChannelInit carries the sender's ephemeral public nonce.
type ChannelInit struct {
	NoncePub crypto.PeerID
}

// ChannelReady switches the sender's outbound direction to encrypted.
type ChannelReady struct{}

// IDType tags the role a proven identity plays.
type IDType uint8

const (
	IDNode IDType = iota
	IDOwner
	IDViewer
)

func (t IDType) String() string {
	switch t {
	case IDNode:
		return "node"
	case IDOwner:
		return "owner"
	case IDViewer:
		return "viewer"
	default:
		return fmt.Sprintf("id(%d)", uint8(t))
	}
}

// Authentication proves ownership of ID by signing the receiver's nonce.
type Authentication struct {
	IDType IDType
	ID     crypto.PeerID
	Sig    []byte
}

type Bye struct {
	Reason ByeReason
}

type Ping struct{}

type Pong struct{}

// --- Sync ---

// Config advertises capabilities. Both sides must agree on CfgChecksum.
type Config struct {
	CfgChecksum           common.Hash
	SpreadingTransactions bool
	Bbs                   bool
	SendPeers             bool
}

type NewTip struct {
	Header types.Header
}

// GetCommonState asks which of IDs, highest first, the peer has on its chain.
type GetCommonState struct {
	IDs []types.HeaderID
}

// ProofCommonState proves ID against the sender's current tip.
type ProofCommonState struct {
	ID    types.HeaderID
	Proof types.MerkleProof
}

type GetProofChainWork struct {
	LowerBound types.Work
}

type ProofChainWork struct {
	Proof types.ChainWorkProof
}

// --- Requests ---

type GetProofUtxo struct {
	Commitment  []byte
	MaturityMin uint64
}

type ProofUtxo struct {
	Proofs []types.UtxoProof
}

type GetProofKernel struct {
	ID common.Hash
}

// ProofKernel is empty when the kernel is unknown.
type ProofKernel struct {
	Height uint64
	Proof  types.MerkleProof
}

type GetMined struct {
	HeightMin uint64
}

// MinedEntry describes a block mined by the node.
type MinedEntry struct {
	ID     types.HeaderID
	Fees   uint64
	Active bool
}

type Mined struct {
	Entries []MinedEntry
}

// Recover asks an owned node for the outputs it recognised for the owner key.
type Recover struct {
	Private bool
	Public  bool
}

// UtxoEvent reports an output appearing or being spent.
type UtxoEvent struct {
	Commitment []byte
	Maturity   uint64
	Height     uint64
	Added      bool
}

type Recovered struct {
	Events []UtxoEvent
}

type NewTransaction struct {
	Transaction []byte
	Fluff       bool
}

type Boolean struct {
	Value bool
}

// --- Bulletin board ---

type BbsSubscribe struct {
	Channel  uint32
	TimeFrom uint64
	On       bool
}

type BbsMsg struct {
	Channel    uint32
	TimePosted uint64
	Message    []byte
}

// PeerAnnounce tells the receiver about another node the sender knows.
type PeerAnnounce struct {
	ID      crypto.PeerID
	Address string
}

func (*ChannelInit) Code() MsgCode       { return CodeChannelInit }
func (*ChannelReady) Code() MsgCode      { return CodeChannelReady }
func (*Authentication) Code() MsgCode    { return CodeAuthentication }
func (*Bye) Code() MsgCode               { return CodeBye }
func (*Ping) Code() MsgCode              { return CodePing }
func (*Pong) Code() MsgCode              { return CodePong }
func (*Config) Code() MsgCode            { return CodeConfig }
func (*NewTip) Code() MsgCode            { return CodeNewTip }
func (*GetCommonState) Code() MsgCode    { return CodeGetCommonState }
func (*ProofCommonState) Code() MsgCode  { return CodeProofCommonState }
func (*GetProofChainWork) Code() MsgCode { return CodeGetProofChainWork }
func (*ProofChainWork) Code() MsgCode    { return CodeProofChainWork }
func (*GetProofUtxo) Code() MsgCode      { return CodeGetProofUtxo }
func (*ProofUtxo) Code() MsgCode         { return CodeProofUtxo }
func (*GetProofKernel) Code() MsgCode    { return CodeGetProofKernel }
func (*ProofKernel) Code() MsgCode       { return CodeProofKernel }
func (*GetMined) Code() MsgCode          { return CodeGetMined }
func (*Mined) Code() MsgCode             { return CodeMined }
func (*Recover) Code() MsgCode           { return CodeRecover }
func (*Recovered) Code() MsgCode         { return CodeRecovered }
func (*NewTransaction) Code() MsgCode    { return CodeNewTransaction }
func (*Boolean) Code() MsgCode           { return CodeBoolean }
func (*BbsSubscribe) Code() MsgCode      { return CodeBbsSubscribe }
func (*BbsMsg) Code() MsgCode            { return CodeBbsMsg }
func (*PeerAnnounce) Code() MsgCode      { return CodePeerAnnounce }

func (m *ChannelInit) dispatch(h MessageHandler) error       { return h.OnChannelInit(m) }
func (m *ChannelReady) dispatch(h MessageHandler) error      { return h.OnChannelReady(m) }
func (m *Authentication) dispatch(h MessageHandler) error    { return h.OnAuthentication(m) }
func (m *Bye) dispatch(h MessageHandler) error               { return h.OnBye(m) }
func (m *Ping) dispatch(h MessageHandler) error              { return h.OnPing(m) }
func (m *Pong) dispatch(h MessageHandler) error              { return h.OnPong(m) }
func (m *Config) dispatch(h MessageHandler) error            { return h.OnConfig(m) }
func (m *NewTip) dispatch(h MessageHandler) error            { return h.OnNewTip(m) }
func (m *GetCommonState) dispatch(h MessageHandler) error    { return h.OnGetCommonState(m) }
func (m *ProofCommonState) dispatch(h MessageHandler) error  { return h.OnProofCommonState(m) }
func (m *GetProofChainWork) dispatch(h MessageHandler) error { return h.OnGetProofChainWork(m) }
func (m *ProofChainWork) dispatch(h MessageHandler) error    { return h.OnProofChainWork(m) }
func (m *GetProofUtxo) dispatch(h MessageHandler) error      { return h.OnGetProofUtxo(m) }
func (m *ProofUtxo) dispatch(h MessageHandler) error         { return h.OnProofUtxo(m) }
func (m *GetProofKernel) dispatch(h MessageHandler) error    { return h.OnGetProofKernel(m) }
func (m *ProofKernel) dispatch(h MessageHandler) error       { return h.OnProofKernel(m) }
func (m *GetMined) dispatch(h MessageHandler) error          { return h.OnGetMined(m) }
func (m *Mined) dispatch(h MessageHandler) error             { return h.OnMined(m) }
func (m *Recover) dispatch(h MessageHandler) error           { return h.OnRecover(m) }
func (m *Recovered) dispatch(h MessageHandler) error         { return h.OnRecovered(m) }
func (m *NewTransaction) dispatch(h MessageHandler) error    { return h.OnNewTransaction(m) }
func (m *Boolean) dispatch(h MessageHandler) error           { return h.OnBoolean(m) }
func (m *BbsSubscribe) dispatch(h MessageHandler) error      { return h.OnBbsSubscribe(m) }
func (m *BbsMsg) dispatch(h MessageHandler) error            { return h.OnBbsMsg(m) }
func (m *PeerAnnounce) dispatch(h MessageHandler) error      { return h.OnPeerAnnounce(m) }

func newMessage(code MsgCode) (Message, bool) {
	switch code {
	case CodeChannelInit:
		return new(ChannelInit), true
	case CodeChannelReady:
		return new(ChannelReady), true
	case CodeAuthentication:
		return new(Authentication), true
	case CodeBye:
		return new(Bye), true
	case CodePing:
		return new(Ping), true
	case CodePong:
		return new(Pong), true
	case CodeConfig:
		return new(Config), true
	case CodeNewTip:
		return new(NewTip), true
	case CodeGetCommonState:
		return new(GetCommonState), true
	case CodeProofCommonState:
		return new(ProofCommonState), true
	case CodeGetProofChainWork:
		return new(GetProofChainWork), true
	case CodeProofChainWork:
		return new(ProofChainWork), true
	case CodeGetProofUtxo:
		return new(GetProofUtxo), true
	case CodeProofUtxo:
		return new(ProofUtxo), true
	case CodeGetProofKernel:
		return new(GetProofKernel), true
	case CodeProofKernel:
		return new(ProofKernel), true
	case CodeGetMined:
		return new(GetMined), true
	case CodeMined:
		return new(Mined), true
	case CodeRecover:
		return new(Recover), true
	case CodeRecovered:
		return new(Recovered), true
	case CodeNewTransaction:
		return new(NewTransaction), true
	case CodeBoolean:
		return new(Boolean), true
	case CodeBbsSubscribe:
		return new(BbsSubscribe), true
	case CodeBbsMsg:
		return new(BbsMsg), true
	case CodePeerAnnounce:
		return new(PeerAnnounce), true
	default:
		return nil, false
	}
}

// EncodeMessage serializes the payload of msg.
func EncodeMessage(msg Message) ([]byte, error) {
	return rlp.EncodeToBytes(msg)
}

// DecodeMessage parses a payload received under code. Unknown codes and
// malformed payloads are protocol violations.
func DecodeMessage(code MsgCode, payload []byte) (Message, error) {
	msg, ok := newMessage(code)
	if !ok {
		return nil, Violation(code, ErrUnknownCode)
	}
	if err := rlp.DecodeBytes(payload, msg); err != nil {
		return nil, Violation(code, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	return msg, nil
}
