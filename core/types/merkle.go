package types

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MerkleNode is one sibling on the path from a leaf to the root.
type MerkleNode struct {
	OnRight bool
	Hash    common.Hash
}

// MerkleProof is the ordered list of siblings from the leaf upwards.
type MerkleProof []MerkleNode

// Root folds the proof over leaf.
func (p MerkleProof) Root(leaf common.Hash) common.Hash {
	cur := leaf
	for _, node := range p {
		if node.OnRight {
			cur = interior(cur, node.Hash)
		} else {
			cur = interior(node.Hash, cur)
		}
	}
	return cur
}

func interior(left, right common.Hash) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(left[:], right[:]))
}

// MerkleTree is an append-only binary tree over a list of leaves. An odd
// trailing node on any level is promoted unchanged.
type MerkleTree struct {
	leaves []common.Hash
}

func (t *MerkleTree) Append(leaf common.Hash) { t.leaves = append(t.leaves, leaf) }

func (t *MerkleTree) Len() int { return len(t.leaves) }

// Root returns the root over the whole tree.
func (t *MerkleTree) Root() common.Hash { return t.RootAt(len(t.leaves)) }

// RootAt returns the root over the first n leaves. The empty tree has the zero
// hash as its root.
func (t *MerkleTree) RootAt(n int) common.Hash {
	if n <= 0 {
		return common.Hash{}
	}
	level := append([]common.Hash(nil), t.leaves[:n]...)
	for len(level) > 1 {
		level = reduce(level)
	}
	return level[0]
}

// ProofAt returns the proof of leaf index within the first n leaves.
func (t *MerkleTree) ProofAt(index, n int) (MerkleProof, bool) {
	if n > len(t.leaves) || index < 0 || index >= n {
		return nil, false
	}
	var proof MerkleProof
	level := append([]common.Hash(nil), t.leaves[:n]...)
	for len(level) > 1 {
		switch {
		case index%2 == 1:
			proof = append(proof, MerkleNode{OnRight: false, Hash: level[index-1]})
		case index+1 < len(level):
			proof = append(proof, MerkleNode{OnRight: true, Hash: level[index+1]})
		}
		level = reduce(level)
		index /= 2
	}
	return proof, true
}

func reduce(level []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		next = append(next, interior(level[i], level[i+1]))
	}
	return next
}

// HistoryTree commits to a chain of headers starting at genesis, leaf i being
// the header at height i+1.
type HistoryTree struct {
	tree MerkleTree
}

// Append adds the next header id. Ids must be appended in height order.
func (t *HistoryTree) Append(id HeaderID) {
	if uint64(t.tree.Len())+HeightGenesis != id.Height {
		panic("types: history tree appended out of order")
	}
	t.tree.Append(HistoryLeaf(id))
}

func (t *HistoryTree) Len() int { return t.tree.Len() }

// RootBelow returns the history root a header at height would carry.
func (t *HistoryTree) RootBelow(height uint64) common.Hash {
	return t.tree.RootAt(int(height - HeightGenesis))
}

// Prove returns the proof of the header at height id against the history root
// of the header at tipHeight.
func (t *HistoryTree) Prove(height, tipHeight uint64) (MerkleProof, bool) {
	if height < HeightGenesis || height >= tipHeight {
		return nil, false
	}
	return t.tree.ProofAt(int(height-HeightGenesis), int(tipHeight-HeightGenesis))
}
