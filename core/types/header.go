package types

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// HeightGenesis is the height of the first header of every chain.
const HeightGenesis uint64 = 1

// Header is the compact system state a light client tracks. The three roots
// commit to the kernel set, the UTXO definition and all previous headers.
type Header struct {
	Height     uint64
	Prev       common.Hash
	ChainWork  Work
	Difficulty Work
	Kernels    common.Hash
	Definition common.Hash
	History    common.Hash
	Timestamp  uint64
	PoW        []byte
}

// HeaderID names a header by height and hash.
type HeaderID struct {
	Height uint64
	Hash   common.Hash
}

func (id HeaderID) String() string {
	return fmt.Sprintf("%d-%s", id.Height, id.Hash.TerminalString())
}

// Hash calculates the Keccak-256 hash of the RLP encoded header. This hash
// serves as the header's identifier.
func (h *Header) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		panic(fmt.Sprintf("types: encode header: %v", err))
	}
	return common.BytesToHash(ethcrypto.Keccak256(enc))
}

func (h *Header) ID() HeaderID {
	return HeaderID{Height: h.Height, Hash: h.Hash()}
}

// IsNext reports whether next directly extends h.
func (h *Header) IsNext(next *Header) bool {
	if h == nil || next == nil {
		return false
	}
	return next.Height == h.Height+1 && next.Prev == h.Hash()
}

// IsValid performs the structural checks that do not need any other header.
func (h *Header) IsValid() bool {
	if h == nil || h.Height < HeightGenesis {
		return false
	}
	if h.Difficulty.IsZero() || h.ChainWork.Cmp(h.Difficulty) < 0 {
		return false
	}
	if h.Height == HeightGenesis {
		return h.Prev == (common.Hash{}) && h.ChainWork.Cmp(h.Difficulty) == 0
	}
	return true
}

// IsValidProofState verifies that id is committed by the history root of h.
func (h *Header) IsValidProofState(id HeaderID, proof MerkleProof) bool {
	if id.Height < HeightGenesis || id.Height >= h.Height {
		return false
	}
	return proof.Root(HistoryLeaf(id)) == h.History
}

// IsValidProofUtxo verifies that an unspent output with the given commitment
// and maturity is part of the definition root of h.
func (h *Header) IsValidProofUtxo(commitment []byte, p UtxoProof) bool {
	if len(commitment) == 0 {
		return false
	}
	return p.Proof.Root(UtxoLeaf(commitment, p.Maturity)) == h.Definition
}

// IsValidProofKernel verifies that kernel id is part of the kernel root of h.
func (h *Header) IsValidProofKernel(kernel common.Hash, proof MerkleProof) bool {
	return proof.Root(kernel) == h.Kernels
}

// HistoryLeaf is the leaf committed to the history tree for a header.
func HistoryLeaf(id HeaderID) common.Hash {
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], id.Height)
	return common.BytesToHash(ethcrypto.Keccak256(height[:], id.Hash[:]))
}

// UtxoLeaf is the leaf committed to the definition tree for an output.
func UtxoLeaf(commitment []byte, maturity uint64) common.Hash {
	var m [8]byte
	binary.BigEndian.PutUint64(m[:], maturity)
	return common.BytesToHash(ethcrypto.Keccak256(commitment, m[:]))
}

// UtxoProof proves a single output instance.
type UtxoProof struct {
	Maturity uint64
	Count    uint32
	Proof    MerkleProof
}
