package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mwnet/crypto"
	"mwnet/storage"
)

var peerKeyPrefix = []byte("peer:")

// PeerstoreEntry captures the metadata we persist for each peer.
type PeerstoreEntry struct {
	ID       string    `json:"id,omitempty"`
	Addr     string    `json:"addr"`
	Rating   uint32    `json:"rating"`
	LastSeen time.Time `json:"lastSeen"`
}

// Peerstore saves and restores the PeerManager through a storage.Database.
type Peerstore struct {
	db storage.Database
}

func NewPeerstore(db storage.Database) *Peerstore {
	return &Peerstore{db: db}
}

func entryKey(e PeerstoreEntry) []byte {
	if e.ID != "" {
		return append(append([]byte(nil), peerKeyPrefix...), e.ID...)
	}
	return append(append([]byte(nil), peerKeyPrefix...), "addr/"+e.Addr...)
}

// Save replaces the stored table with the manager's peers. Anonymous peers
// without an address are skipped.
func (ps *Peerstore) Save(m *PeerManager) error {
	var stale [][]byte
	if err := ps.db.Iterate(peerKeyPrefix, func(key, _ []byte) error {
		stale = append(stale, key)
		return nil
	}); err != nil {
		return fmt.Errorf("scan peerstore: %w", err)
	}
	for _, key := range stale {
		if err := ps.db.Delete(key); err != nil {
			return fmt.Errorf("prune peerstore: %w", err)
		}
	}
	for _, pi := range m.Peers() {
		entry := PeerstoreEntry{Addr: pi.Address, Rating: pi.RawRating, LastSeen: pi.LastSeen}
		if !pi.ID.IsZero() {
			entry.ID = pi.ID.String()
		} else if pi.Address == "" {
			continue
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := ps.db.Put(entryKey(entry), data); err != nil {
			return fmt.Errorf("persist peer: %w", err)
		}
	}
	return nil
}

// Load restores every stored peer into m and returns the number loaded.
// Malformed entries are skipped.
func (ps *Peerstore) Load(m *PeerManager) (int, error) {
	loaded := 0
	err := ps.db.Iterate(peerKeyPrefix, func(_, value []byte) error {
		var entry PeerstoreEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil
		}
		var id crypto.PeerID
		if entry.ID != "" {
			parsed, err := crypto.ParsePeerID(entry.ID)
			if err != nil {
				return nil
			}
			id = parsed
		}
		if id.IsZero() && entry.Addr == "" {
			return nil
		}
		m.Restore(id, entry.Addr, entry.Rating, entry.LastSeen)
		loaded++
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return loaded, fmt.Errorf("load peerstore: %w", err)
	}
	return loaded, nil
}
