package light

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mwnet/core/types"
	"mwnet/storage"
)

func historyOf(chain *types.Chain) *LocalHistory {
	h := NewLocalHistory()
	for _, hdr := range chain.Headers() {
		h.Set(hdr)
	}
	return h
}

func TestLocalHistoryBelow(t *testing.T) {
	h := historyOf(buildChain(6, 1))

	heights := func(hdrs []types.Header) []uint64 {
		var out []uint64
		for _, hdr := range hdrs {
			out = append(out, hdr.Height)
		}
		return out
	}
	require.Equal(t, []uint64{5, 4, 3}, heights(h.Below(6, 3)))
	require.Equal(t, []uint64{2, 1}, heights(h.Below(3, 8)))
	require.Empty(t, h.Below(1, 4))
	require.Empty(t, h.Below(6, 0))
	require.Equal(t, []uint64{6}, heights(h.Below(100, 1)))
}

func TestLocalHistoryContainsAndPop(t *testing.T) {
	chain := buildChain(4, 1)
	h := historyOf(chain)
	other := buildChain(4, 2)

	tip, _ := chain.At(4)
	require.True(t, h.Contains(tip))
	forked, _ := other.At(4)
	require.False(t, h.Contains(forked))

	popped, ok := h.PopTip()
	require.True(t, ok)
	require.Equal(t, tip.Hash(), popped.Hash())
	require.Equal(t, uint64(3), h.Tip().Height)
	require.Equal(t, 3, h.Len())
}

func TestLocalHistoryEmpty(t *testing.T) {
	h := NewLocalHistory()
	require.Nil(t, h.Tip())
	_, ok := h.PopTip()
	require.False(t, ok)
	h.Shrink(10)
	require.Zero(t, h.Len())
}

func TestLocalHistoryShrink(t *testing.T) {
	h := historyOf(buildChain(10, 1))
	h.Shrink(3)
	hdrs := h.Headers()
	require.Len(t, hdrs, 4)
	require.Equal(t, uint64(7), hdrs[0].Height)
	require.Equal(t, uint64(10), hdrs[3].Height)
}

func TestLocalHistoryTipIsCopy(t *testing.T) {
	h := historyOf(buildChain(2, 1))
	tip := h.Tip()
	tip.Height = 99
	require.Equal(t, uint64(2), h.Tip().Height)
}

func TestLocalHistoryPersistence(t *testing.T) {
	db := storage.NewMemDB()
	chain := buildChain(5, 1)
	require.NoError(t, historyOf(chain).Save(db))

	// A shorter history replaces the stored one entirely.
	require.NoError(t, historyOf(chain.Fork(3)).Save(db))

	loaded := NewLocalHistory()
	n, err := loaded.Load(db)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	tip, _ := chain.At(3)
	require.Equal(t, tip.Hash(), loaded.Tip().Hash())
	require.Zero(t, loaded.Tip().ChainWork.Cmp(tip.ChainWork))
}

func TestLocalHistoryLoadSkipsCorruptEntries(t *testing.T) {
	db := storage.NewMemDB()
	require.NoError(t, historyOf(buildChain(2, 1)).Save(db))
	require.NoError(t, db.Put(historyKey(7), []byte{0xff, 0x00}))
	good, err := db.Get(historyKey(1))
	require.NoError(t, err)
	require.NoError(t, db.Put(historyKey(9), good))

	loaded := NewLocalHistory()
	n, err := loaded.Load(db)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, uint64(2), loaded.Tip().Height)
}
