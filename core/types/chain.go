package types

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Chain is an in-memory header chain with its history tree. It produces the
// proofs a node serves to light clients.
type Chain struct {
	headers []Header
	history HistoryTree
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Extend appends a header with the given difficulty. Salt distinguishes
// otherwise identical forks.
func (c *Chain) Extend(difficulty uint64, salt uint64) *Header {
	return c.ExtendRoots(difficulty, salt, seededHash("kernels", uint64(len(c.headers)), salt), seededHash("definition", uint64(len(c.headers)), salt))
}

// ExtendRoots appends a header committing to the given kernel and UTXO roots.
func (c *Chain) ExtendRoots(difficulty, salt uint64, kernels, definition common.Hash) *Header {
	h := Header{
		Height:     HeightGenesis + uint64(len(c.headers)),
		Difficulty: NewWork(difficulty),
		ChainWork:  NewWork(difficulty),
		Timestamp:  salt,
	}
	if tip := c.Tip(); tip != nil {
		h.Prev = tip.Hash()
		h.ChainWork = tip.ChainWork.Add(h.Difficulty)
	}
	h.History = c.history.RootBelow(h.Height)
	h.Kernels = kernels
	h.Definition = definition
	c.headers = append(c.headers, h)
	c.history.Append(h.ID())
	return &c.headers[len(c.headers)-1]
}

// Fork returns a copy of the chain truncated to height.
func (c *Chain) Fork(height uint64) *Chain {
	out := NewChain()
	for i := range c.headers {
		if c.headers[i].Height > height {
			break
		}
		out.headers = append(out.headers, c.headers[i])
		out.history.Append(c.headers[i].ID())
	}
	return out
}

func (c *Chain) Len() int { return len(c.headers) }

// Tip returns the highest header or nil.
func (c *Chain) Tip() *Header {
	if len(c.headers) == 0 {
		return nil
	}
	return &c.headers[len(c.headers)-1]
}

// At returns the header at height.
func (c *Chain) At(height uint64) (*Header, bool) {
	if height < HeightGenesis || height-HeightGenesis >= uint64(len(c.headers)) {
		return nil, false
	}
	return &c.headers[height-HeightGenesis], true
}

// Headers returns a copy of all headers.
func (c *Chain) Headers() []Header {
	return append([]Header(nil), c.headers...)
}

// ProveState proves the header at height into the history of the tip.
func (c *Chain) ProveState(height uint64) (MerkleProof, bool) {
	tip := c.Tip()
	if tip == nil {
		return nil, false
	}
	return c.history.Prove(height, tip.Height)
}

// ChainWorkProof builds a proof for the tip whose heading spans headingLen
// headers. Every header between the lower bound and the heading is sampled.
func (c *Chain) ChainWorkProof(lowerBound Work, headingLen int) ChainWorkProof {
	proof := ChainWorkProof{LowerBound: lowerBound}
	if len(c.headers) == 0 {
		return proof
	}
	if headingLen < 1 {
		headingLen = 1
	}
	if headingLen > len(c.headers) {
		headingLen = len(c.headers)
	}
	start := len(c.headers) - headingLen
	low := 0
	for i := start; i >= 0; i-- {
		h := &c.headers[i]
		if h.ChainWork.Sub(h.Difficulty).Cmp(lowerBound) <= 0 {
			low = i
			break
		}
	}
	tip := c.Tip()
	for i := low; i < start; i++ {
		p, _ := c.history.Prove(c.headers[i].Height, tip.Height)
		proof.Sampled = append(proof.Sampled, c.headers[i])
		proof.SampledProofs = append(proof.SampledProofs, p)
	}
	proof.Heading = append(proof.Heading, c.headers[start:]...)
	return proof
}

func seededHash(tag string, height, salt uint64) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint64(buf[8:], salt)
	return common.BytesToHash(ethcrypto.Keccak256([]byte(tag), buf[:]))
}
