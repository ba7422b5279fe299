package types

import (
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

var errWorkOverflow = errors.New("types: chain work exceeds 256 bits")

// Work is an amount of cumulative proof-of-work difficulty.
type Work struct {
	v uint256.Int
}

// NewWork returns a Work holding n.
func NewWork(n uint64) Work {
	var w Work
	w.v.SetUint64(n)
	return w
}

func (w Work) IsZero() bool { return w.v.IsZero() }

// Cmp compares w and o and returns -1, 0 or +1.
func (w Work) Cmp(o Work) int { return w.v.Cmp(&o.v) }

func (w Work) Add(o Work) Work {
	var r Work
	r.v.Add(&w.v, &o.v)
	return r
}

// Sub returns w-o, or zero when o exceeds w.
func (w Work) Sub(o Work) Work {
	var r Work
	if w.v.Lt(&o.v) {
		return r
	}
	r.v.Sub(&w.v, &o.v)
	return r
}

func (w Work) String() string { return w.v.Dec() }

// EncodeRLP writes the work as an RLP big integer.
func (w Work) EncodeRLP(out io.Writer) error {
	return rlp.Encode(out, w.v.ToBig())
}

// DecodeRLP reads an RLP big integer.
func (w *Work) DecodeRLP(s *rlp.Stream) error {
	b, err := s.BigInt()
	if err != nil {
		return err
	}
	if w.v.SetFromBig(b) {
		return errWorkOverflow
	}
	return nil
}
