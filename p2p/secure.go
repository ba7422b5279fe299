package p2p

import (
	"fmt"

	"mwnet/crypto"
)

// ChannelState is the handshake progress of one connection.
type ChannelState uint8

const (
	// StatePlaintext: nothing negotiated yet.
	StatePlaintext ChannelState = iota
	// StateOutgoing: own direction encrypted, waiting for the peer's ChannelReady.
	StateOutgoing
	// StateDuplex: both directions encrypted and authenticated.
	StateDuplex
)

func (s ChannelState) String() string {
	switch s {
	case StatePlaintext:
		return "plaintext"
	case StateOutgoing:
		return "outgoing"
	case StateDuplex:
		return "duplex"
	default:
		return "unknown"
	}
}

var (
	cipherLabel = []byte("mwnet.channel.cipher")
	macLabel    = []byte("mwnet.channel.mac")
)

// channelKeys holds the per-direction material derived from one handshake.
type channelKeys struct {
	streamKey []byte
	macKey    []byte
	outIV     []byte
	inIV      []byte
}

// deriveChannelKeys runs ECDH between the local nonce secret and the remote
// nonce point. The shared secret yields a single stream key and MAC key, and
// each direction's IV is salted with the nonce of the receiving side.
func deriveChannelKeys(local *crypto.PrivateKey, localPub, remotePub crypto.PeerID) (*channelKeys, error) {
	shared, err := crypto.SharedSecret(local, remotePub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	secret := crypto.Keccak256(shared)
	return &channelKeys{
		streamKey: crypto.Keccak256(cipherLabel, secret),
		macKey:    crypto.Keccak256(macLabel, secret),
		outIV:     crypto.Keccak256(secret, remotePub[:])[:24],
		inIV:      crypto.Keccak256(secret, localPub[:])[:24],
	}, nil
}

func (k *channelKeys) outbound() (*cipherState, error) {
	return newCipherState(k.streamKey, k.outIV, k.macKey)
}

func (k *channelKeys) inbound() (*cipherState, error) {
	return newCipherState(k.streamKey, k.inIV, k.macKey)
}

// secureChannel tracks the handshake of one connection. Its methods are called
// from the connection's reader goroutine only, except where noted.
type secureChannel struct {
	state    ChannelState
	nonce    *crypto.PrivateKey
	myNonce  crypto.PeerID
	peer     crypto.PeerID
	initSent bool
	keys     *channelKeys
	guard    *NonceGuard
}

func newSecureChannel(guard *NonceGuard) *secureChannel {
	return &secureChannel{guard: guard}
}

// initMessage generates the ephemeral nonce on first use and returns the
// ChannelInit to send. It returns nil if one was already sent.
func (s *secureChannel) initMessage() (*ChannelInit, error) {
	if s.initSent {
		return nil, nil
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	s.nonce = key
	s.myNonce = key.PeerID()
	s.initSent = true
	return &ChannelInit{NoncePub: s.myNonce}, nil
}

// onInit validates the peer's nonce and derives the channel keys. The caller
// must have sent its own ChannelInit first.
func (s *secureChannel) onInit(msg *ChannelInit) error {
	if s.state != StatePlaintext || !s.peer.IsZero() {
		return Violationf(CodeChannelInit, "%w: duplicate init", ErrHandshake)
	}
	if msg.NoncePub.IsZero() {
		return Violationf(CodeChannelInit, "%w: empty nonce", ErrHandshake)
	}
	if !s.initSent {
		panic("p2p: channel init handled before own init was sent")
	}
	if msg.NoncePub == s.myNonce {
		return Violationf(CodeChannelInit, "%w: loopback nonce", ErrHandshake)
	}
	if !s.guard.Remember(msg.NoncePub) {
		return Violationf(CodeChannelInit, "%w: nonce replay", ErrHandshake)
	}
	keys, err := deriveChannelKeys(s.nonce, s.myNonce, msg.NoncePub)
	if err != nil {
		return Violation(CodeChannelInit, err)
	}
	s.peer = msg.NoncePub
	s.keys = keys
	return nil
}

func (s *secureChannel) onReady() error {
	if s.state != StateOutgoing {
		return Violationf(CodeChannelReady, "%w: ready in state %s", ErrHandshake, s.state)
	}
	s.state = StateDuplex
	return nil
}

// prove signs the peer's nonce with key.
func (s *secureChannel) prove(key *crypto.PrivateKey, idType IDType) (*Authentication, error) {
	if s.peer.IsZero() {
		return nil, fmt.Errorf("%w: no peer nonce", ErrHandshake)
	}
	sig, err := crypto.Sign(crypto.Keccak256(s.peer[:]), key)
	if err != nil {
		return nil, err
	}
	return &Authentication{IDType: idType, ID: key.PeerID(), Sig: sig}, nil
}

// verify checks a peer's identity proof against the nonce this side sent.
func (s *secureChannel) verify(msg *Authentication) error {
	if s.myNonce.IsZero() {
		return Violationf(CodeAuthentication, "%w: no local nonce", ErrAuthentication)
	}
	if err := crypto.Verify(msg.ID, crypto.Keccak256(s.myNonce[:]), msg.Sig); err != nil {
		return Violationf(CodeAuthentication, "%w: %v", ErrAuthentication, err)
	}
	return nil
}
