package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// bbsEphemeralSize is the uncompressed ephemeral key leading a sealed message.
const bbsEphemeralSize = 65

var (
	// ErrBbsDecrypt is returned for bulletin board messages that are
	// malformed, tampered with or addressed to another key.
	ErrBbsDecrypt = errors.New("crypto: bbs message not decryptable")
	ErrBbsEmpty   = errors.New("crypto: empty bbs message")
)

// BbsEncrypt seals msg for the owner of recipient. Each call uses a fresh
// ephemeral key; the output carries that key, the ciphertext and a MAC.
func BbsEncrypt(recipient PeerID, msg []byte) ([]byte, error) {
	if len(msg) == 0 {
		return nil, ErrBbsEmpty
	}
	pub, err := recipient.PublicKey()
	if err != nil {
		return nil, err
	}
	sealed, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub.PublicKey), msg, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: bbs encrypt: %w", err)
	}
	return sealed, nil
}

// BbsDecrypt opens a message sealed by BbsEncrypt for key.
func BbsDecrypt(key *PrivateKey, sealed []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, ErrNilKey
	}
	if len(sealed) < bbsEphemeralSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBbsDecrypt, len(sealed))
	}
	if _, err := crypto.UnmarshalPubkey(sealed[:bbsEphemeralSize]); err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrBbsDecrypt, err)
	}
	msg, err := ecies.ImportECDSA(key.PrivateKey).Decrypt(sealed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBbsDecrypt, err)
	}
	return msg, nil
}
