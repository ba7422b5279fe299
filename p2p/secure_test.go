package p2p

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"mwnet/crypto"
)

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func derivePair(t *testing.T) (*channelKeys, *channelKeys) {
	t.Helper()
	a, b := mustKey(t), mustKey(t)
	ka, err := deriveChannelKeys(a, a.PeerID(), b.PeerID())
	if err != nil {
		t.Fatalf("derive a: %v", err)
	}
	kb, err := deriveChannelKeys(b, b.PeerID(), a.PeerID())
	if err != nil {
		t.Fatalf("derive b: %v", err)
	}
	return ka, kb
}

func TestChannelKeysSymmetric(t *testing.T) {
	ka, kb := derivePair(t)
	if !bytes.Equal(ka.streamKey, kb.streamKey) || !bytes.Equal(ka.macKey, kb.macKey) {
		t.Fatalf("shared keys differ between sides")
	}
	if !bytes.Equal(ka.outIV, kb.inIV) || !bytes.Equal(ka.inIV, kb.outIV) {
		t.Fatalf("direction IVs are not mirrored")
	}
	if bytes.Equal(ka.outIV, ka.inIV) {
		t.Fatalf("both directions share an IV")
	}
}

func TestSealedFramesRoundTrip(t *testing.T) {
	ka, kb := derivePair(t)
	out, _ := ka.outbound()
	in, _ := kb.inbound()

	var wire bytes.Buffer
	payloads := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{7}, 1000)}
	for _, p := range payloads {
		wire.Write(mustSeal(t, out, CodeBbsMsg, p))
	}
	reader := frameReader{r: &wire, maxSize: DefaultMaxMessageSize, in: in}
	for i, want := range payloads {
		code, got, err := reader.readFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if code != CodeBbsMsg || !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch: code %s payload %x", i, code, got)
		}
	}
}

func TestSealedFrameBitFlipRejected(t *testing.T) {
	ka, kb := derivePair(t)
	payload := []byte("authenticated payload")
	sizing, _ := ka.outbound()
	frame := mustSeal(t, sizing, CodeBbsMsg, payload)

	for bit := FrameHeaderSize * 8; bit < len(frame)*8; bit++ {
		out, _ := ka.outbound()
		in, _ := kb.inbound()
		tampered := mustSeal(t, out, CodeBbsMsg, payload)
		tampered[bit/8] ^= 1 << (bit % 8)

		reader := frameReader{r: bytes.NewReader(tampered), maxSize: DefaultMaxMessageSize, in: in}
		_, _, err := reader.readFrame()
		if !errors.Is(err, ErrBadMAC) || !IsProtocolViolation(err) {
			t.Fatalf("bit %d: expected mac failure, got %v", bit, err)
		}
	}
}

func TestFrameHeaderViolations(t *testing.T) {
	good := mustSeal(t, nil, CodePing, nil)

	wrongVersion := append([]byte(nil), good...)
	wrongVersion[2]++
	unknown := append([]byte(nil), good...)
	unknown[3] = 0x7f
	big := mustSeal(t, nil, CodeBbsMsg, make([]byte, 64))

	cases := []struct {
		name    string
		frame   []byte
		maxSize uint32
		want    error
	}{
		{"version", wrongVersion, DefaultMaxMessageSize, ErrVersionMismatch},
		{"code", unknown, DefaultMaxMessageSize, ErrUnknownCode},
		{"size", big, 16, ErrMessageTooLarge},
	}
	for _, tc := range cases {
		reader := frameReader{r: bytes.NewReader(tc.frame), maxSize: tc.maxSize}
		_, _, err := reader.readFrame()
		if !errors.Is(err, tc.want) || !IsProtocolViolation(err) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	reader := frameReader{r: bytes.NewReader(good[:5]), maxSize: DefaultMaxMessageSize}
	if _, _, err := reader.readFrame(); IsProtocolViolation(err) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated header should be a transport error, got %v", err)
	}
}

func TestSealFrameRefusesOversizedPayload(t *testing.T) {
	if _, err := sealFrame(nil, CodeBbsMsg, make([]byte, 17), 16); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	ka, kb := derivePair(t)
	out, _ := ka.outbound()
	in, _ := kb.inbound()
	frame, err := sealFrame(out, CodeBbsMsg, make([]byte, 16), 16)
	if err != nil {
		t.Fatalf("seal at limit: %v", err)
	}
	reader := frameReader{r: bytes.NewReader(frame), maxSize: 16, in: in}
	if _, got, err := reader.readFrame(); err != nil || len(got) != 16 {
		t.Fatalf("frame at limit rejected: %d bytes, %v", len(got), err)
	}
}

func TestSecureChannelStateMachine(t *testing.T) {
	s := newSecureChannel(nil)
	if err := s.onReady(); !IsProtocolViolation(err) {
		t.Fatalf("ready before init accepted: %v", err)
	}
	if _, err := s.initMessage(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if again, _ := s.initMessage(); again != nil {
		t.Fatalf("init generated twice")
	}
	if err := s.onInit(&ChannelInit{}); !IsProtocolViolation(err) {
		t.Fatalf("empty nonce accepted: %v", err)
	}
	if err := s.onInit(&ChannelInit{NoncePub: s.myNonce}); !IsProtocolViolation(err) {
		t.Fatalf("loopback nonce accepted: %v", err)
	}
	peer := mustKey(t).PeerID()
	if err := s.onInit(&ChannelInit{NoncePub: peer}); err != nil {
		t.Fatalf("valid init rejected: %v", err)
	}
	if err := s.onInit(&ChannelInit{NoncePub: peer}); !IsProtocolViolation(err) {
		t.Fatalf("second init accepted: %v", err)
	}
}

func TestIdentityProof(t *testing.T) {
	a, b := newSecureChannel(nil), newSecureChannel(nil)
	initA, _ := a.initMessage()
	initB, _ := b.initMessage()
	if err := a.onInit(initB); err != nil {
		t.Fatalf("a init: %v", err)
	}
	if err := b.onInit(initA); err != nil {
		t.Fatalf("b init: %v", err)
	}

	owner := mustKey(t)
	auth, err := a.prove(owner, IDOwner)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if auth.ID != owner.PeerID() {
		t.Fatalf("proof carries wrong id")
	}
	if err := b.verify(auth); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := a.verify(auth); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("proof bound to the wrong nonce accepted: %v", err)
	}
	auth.ID = mustKey(t).PeerID()
	if err := b.verify(auth); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("proof for another key accepted: %v", err)
	}
}

func TestNonceGuardRejectsReplay(t *testing.T) {
	guard := NewNonceGuard(0, 2)
	n1, n2, n3 := mustKey(t).PeerID(), mustKey(t).PeerID(), mustKey(t).PeerID()
	if !guard.Remember(n1) || !guard.Remember(n2) {
		t.Fatalf("fresh nonces rejected")
	}
	if guard.Remember(n1) {
		t.Fatalf("replayed nonce accepted")
	}
	if guard.Remember(crypto.PeerID{}) {
		t.Fatalf("zero nonce accepted")
	}
	guard.Remember(n3)
	if guard.Size() != 2 {
		t.Fatalf("expected capacity bound 2, got %d", guard.Size())
	}
}
