package light

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/btree"

	"mwnet/core/types"
	"mwnet/storage"
)

// DefaultRollbackWindow is how many headers below the tip are retained.
const DefaultRollbackWindow uint64 = 1440

var historyKeyPrefix = []byte("hist:")

func headerLess(a, b types.Header) bool { return a.Height < b.Height }

// LocalHistory is the ordered height -> header map the client trusts. The
// highest entry is the tip. It is owned by the network loop.
type LocalHistory struct {
	tree *btree.BTreeG[types.Header]
}

func NewLocalHistory() *LocalHistory {
	return &LocalHistory{tree: btree.NewG[types.Header](16, headerLess)}
}

func (h *LocalHistory) Len() int { return h.tree.Len() }

// Tip returns a copy of the highest header, or nil if the history is empty.
func (h *LocalHistory) Tip() *types.Header {
	tip, ok := h.tree.Max()
	if !ok {
		return nil
	}
	return &tip
}

// Get returns the header stored at height.
func (h *LocalHistory) Get(height uint64) (types.Header, bool) {
	return h.tree.Get(types.Header{Height: height})
}

// Set stores hdr at its height, replacing any previous entry.
func (h *LocalHistory) Set(hdr types.Header) {
	h.tree.ReplaceOrInsert(hdr)
}

// Contains reports whether exactly hdr is stored at its height.
func (h *LocalHistory) Contains(hdr *types.Header) bool {
	got, ok := h.Get(hdr.Height)
	return ok && got.Hash() == hdr.Hash()
}

// Below walks up to n entries with height strictly below height, descending.
func (h *LocalHistory) Below(height uint64, n int) []types.Header {
	out := make([]types.Header, 0, n)
	if n <= 0 || height <= types.HeightGenesis {
		return out
	}
	h.tree.DescendLessOrEqual(types.Header{Height: height - 1}, func(hdr types.Header) bool {
		out = append(out, hdr)
		return len(out) < n
	})
	return out
}

// PopTip erases and returns the highest entry.
func (h *LocalHistory) PopTip() (types.Header, bool) {
	return h.tree.DeleteMax()
}

// Shrink drops entries more than window heights below the tip.
func (h *LocalHistory) Shrink(window uint64) {
	tip := h.Tip()
	if tip == nil {
		return
	}
	for {
		low, ok := h.tree.Min()
		if !ok || tip.Height-low.Height <= window {
			return
		}
		h.tree.DeleteMin()
	}
}

// Headers returns every entry in ascending height order.
func (h *LocalHistory) Headers() []types.Header {
	out := make([]types.Header, 0, h.tree.Len())
	h.tree.Ascend(func(hdr types.Header) bool {
		out = append(out, hdr)
		return true
	})
	return out
}

func historyKey(height uint64) []byte {
	key := make([]byte, len(historyKeyPrefix)+8)
	copy(key, historyKeyPrefix)
	binary.BigEndian.PutUint64(key[len(historyKeyPrefix):], height)
	return key
}

// Save replaces the persisted history with the current entries.
func (h *LocalHistory) Save(db storage.Database) error {
	var stale [][]byte
	if err := db.Iterate(historyKeyPrefix, func(key, _ []byte) error {
		stale = append(stale, append([]byte(nil), key...))
		return nil
	}); err != nil {
		return fmt.Errorf("scan history: %w", err)
	}
	for _, key := range stale {
		if err := db.Delete(key); err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}
	var err error
	h.tree.Ascend(func(hdr types.Header) bool {
		var enc []byte
		if enc, err = rlp.EncodeToBytes(&hdr); err != nil {
			return false
		}
		err = db.Put(historyKey(hdr.Height), enc)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}

// Load merges the persisted history into h and returns the number of headers
// read. Entries that fail to decode or sit at the wrong key are skipped.
func (h *LocalHistory) Load(db storage.Database) (int, error) {
	loaded := 0
	err := db.Iterate(historyKeyPrefix, func(key, value []byte) error {
		var hdr types.Header
		if err := rlp.DecodeBytes(value, &hdr); err != nil {
			return nil
		}
		if len(key) != len(historyKeyPrefix)+8 || binary.BigEndian.Uint64(key[len(historyKeyPrefix):]) != hdr.Height {
			return nil
		}
		h.Set(hdr)
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("load history: %w", err)
	}
	return loaded, nil
}
