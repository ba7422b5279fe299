package types

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrEmptyHeading      = errors.New("types: chain work proof without heading")
	ErrBrokenHeading     = errors.New("types: chain work proof heading is not contiguous")
	ErrSampleOrder       = errors.New("types: chain work proof samples out of order")
	ErrSampleProof       = errors.New("types: chain work proof sample not in history")
	ErrLowerBoundMissing = errors.New("types: chain work proof does not reach lower bound")
)

// ChainWorkProof shows that the terminal header of Heading carries the work
// it claims above LowerBound. Heading is a contiguous run of headers ending at
// the terminal one, Sampled are earlier headers each proven into the history
// of the terminal header.
type ChainWorkProof struct {
	LowerBound    Work
	Sampled       []Header
	SampledProofs []MerkleProof
	Heading       []Header
}

// Tip returns the terminal header, or nil for an empty proof.
func (p *ChainWorkProof) Tip() *Header {
	if len(p.Heading) == 0 {
		return nil
	}
	return &p.Heading[len(p.Heading)-1]
}

// IsValid verifies the proof and returns its terminal header.
func (p *ChainWorkProof) IsValid() (*Header, bool) {
	tip, err := p.Verify()
	if err != nil {
		return nil, false
	}
	return tip, true
}

// Verify is IsValid with the failure reason.
func (p *ChainWorkProof) Verify() (*Header, error) {
	if len(p.Heading) == 0 {
		return nil, ErrEmptyHeading
	}
	for i := range p.Heading {
		h := &p.Heading[i]
		if !h.IsValid() {
			return nil, fmt.Errorf("%w: invalid header at %d", ErrBrokenHeading, h.Height)
		}
		if i == 0 {
			continue
		}
		prev := &p.Heading[i-1]
		if !prev.IsNext(h) {
			return nil, fmt.Errorf("%w: %d does not extend %d", ErrBrokenHeading, h.Height, prev.Height)
		}
		if prev.ChainWork.Add(h.Difficulty).Cmp(h.ChainWork) != 0 {
			return nil, fmt.Errorf("%w: work mismatch at %d", ErrBrokenHeading, h.Height)
		}
	}
	tip := p.Tip()
	first := &p.Heading[0]

	if len(p.SampledProofs) != len(p.Sampled) {
		return nil, fmt.Errorf("%w: %d samples, %d proofs", ErrSampleProof, len(p.Sampled), len(p.SampledProofs))
	}
	for i := range p.Sampled {
		s := &p.Sampled[i]
		if !s.IsValid() {
			return nil, fmt.Errorf("%w: invalid sample at %d", ErrSampleOrder, s.Height)
		}
		upper := first
		if i+1 < len(p.Sampled) {
			upper = &p.Sampled[i+1]
		}
		if s.Height >= upper.Height || s.ChainWork.Cmp(upper.ChainWork) >= 0 {
			return nil, fmt.Errorf("%w: %d below %d", ErrSampleOrder, s.Height, upper.Height)
		}
		if !tip.IsValidProofState(s.ID(), p.SampledProofs[i]) {
			return nil, fmt.Errorf("%w: height %d", ErrSampleProof, s.Height)
		}
	}

	lowest := first
	if len(p.Sampled) > 0 {
		lowest = &p.Sampled[0]
	}
	if lowest.ChainWork.Sub(lowest.Difficulty).Cmp(p.LowerBound) > 0 {
		return nil, fmt.Errorf("%w: lowest %d", ErrLowerBoundMissing, lowest.Height)
	}
	return tip, nil
}

// Unpack returns every header carried by the proof ordered by height.
func (p *ChainWorkProof) Unpack() []Header {
	out := make([]Header, 0, len(p.Sampled)+len(p.Heading))
	out = append(out, p.Sampled...)
	out = append(out, p.Heading...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}
