package p2p

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mwnet/crypto"
)

// Identity is a long-lived secp256k1 key a peer can prove ownership of.
type Identity struct {
	PrivateKey *crypto.PrivateKey
	ID         crypto.PeerID
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateIdentity reads a private key from disk, generating and
// persisting one if the file is absent.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	id, err := LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	privKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	encoded := identityDisk{PrivateKey: hex.EncodeToString(privKey.Bytes())}
	payload, err := json.MarshalIndent(&encoded, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return &Identity{PrivateKey: privKey, ID: privKey.PeerID()}, nil
}

// LoadIdentity reads an existing key file. Both raw hex and the JSON layout
// written by LoadOrCreateIdentity are accepted.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	return decodeIdentity(data)
}

func decodeIdentity(data []byte) (*Identity, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("identity file empty")
	}
	keyHex := string(data)
	if data[0] == '{' {
		var stored identityDisk
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("decode identity JSON: %w", err)
		}
		keyHex = stored.PrivateKey
	}
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode identity key material: %w", err)
	}
	privKey, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return &Identity{PrivateKey: privKey, ID: privKey.PeerID()}, nil
}
