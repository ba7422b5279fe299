package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// PeerIDSize is the length of a compressed secp256k1 point.
const PeerIDSize = 33

// SignatureSize is the length of a recoverable secp256k1 signature [R || S || V].
const SignatureSize = 65

var (
	ErrInvalidPeerID   = errors.New("crypto: invalid peer id")
	ErrNilKey          = errors.New("crypto: nil key")
	ErrSharedSecret    = errors.New("crypto: shared secret derivation failed")
	ErrInvalidSigLen   = errors.New("crypto: invalid signature length")
	ErrInvalidHashSize = errors.New("crypto: digest must be 32 bytes")
)

// PeerID identifies a peer (or an ephemeral handshake nonce) by its compressed
// public point.
type PeerID [PeerIDSize]byte

// IsZero reports whether the id is unset.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

func (id PeerID) String() string {
	if id.IsZero() {
		return "0x"
	}
	return "0x" + hex.EncodeToString(id[:])
}

// Bytes returns a copy of the raw id.
func (id PeerID) Bytes() []byte {
	out := make([]byte, PeerIDSize)
	copy(out, id[:])
	return out
}

// PublicKey decompresses the id into a curve point.
func (id PeerID) PublicKey() (*PublicKey, error) {
	if id.IsZero() {
		return nil, ErrInvalidPeerID
	}
	pub, err := crypto.DecompressPubkey(id[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return &PublicKey{pub}, nil
}

// ParsePeerID decodes a 0x-prefixed (or bare) hex encoded compressed key.
func ParsePeerID(value string) (PeerID, error) {
	var id PeerID
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	raw, err := hex.DecodeString(value)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if len(raw) != PeerIDSize {
		return id, fmt.Errorf("%w: length %d", ErrInvalidPeerID, len(raw))
	}
	copy(id[:], raw)
	if _, err := id.PublicKey(); err != nil {
		return PeerID{}, err
	}
	return id, nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// PeerID returns the compressed public point of the key.
func (k *PrivateKey) PeerID() PeerID {
	return k.PubKey().PeerID()
}

func (k *PublicKey) PeerID() PeerID {
	var id PeerID
	copy(id[:], crypto.CompressPubkey(k.PublicKey))
	return id
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// SharedSecret performs secp256k1 Diffie-Hellman between the local secret and
// the remote public point and returns the 32-byte x coordinate.
func SharedSecret(local *PrivateKey, remote PeerID) ([]byte, error) {
	if local == nil || local.PrivateKey == nil {
		return nil, ErrNilKey
	}
	pub, err := remote.PublicKey()
	if err != nil {
		return nil, err
	}
	prv := ecies.ImportECDSA(local.PrivateKey)
	shared, err := prv.GenerateShared(ecies.ImportECDSAPublic(pub.PublicKey), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSharedSecret, err)
	}
	if bytes.Equal(shared, make([]byte, len(shared))) {
		return nil, ErrSharedSecret
	}
	return shared, nil
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// Sign produces a recoverable signature over a 32-byte digest.
func Sign(digest []byte, key *PrivateKey) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, ErrNilKey
	}
	if len(digest) != 32 {
		return nil, ErrInvalidHashSize
	}
	return crypto.Sign(digest, key.PrivateKey)
}

// Verify checks that sig was produced over digest by the owner of id.
func Verify(id PeerID, digest, sig []byte) error {
	if len(digest) != 32 {
		return ErrInvalidHashSize
	}
	if len(sig) != SignatureSize {
		return ErrInvalidSigLen
	}
	if _, err := id.PublicKey(); err != nil {
		return err
	}
	if !crypto.VerifySignature(id[:], digest, sig[:SignatureSize-1]) {
		return errors.New("crypto: signature mismatch")
	}
	return nil
}
