package placement

import (
	"github.com/droverhq/drover/pkg/types"
)

// BinPackingFirstFit consolidates load: it favors pools in a mid-range
// utilization band, penalizes near-empty ones, and discards pools that are
// close to full. Highest score wins, ties broken by pool id.
type BinPackingFirstFit struct{}

// NewBinPackingFirstFit creates the bin-packing strategy.
func NewBinPackingFirstFit() *BinPackingFirstFit {
	return &BinPackingFirstFit{}
}

func (s *BinPackingFirstFit) Name() string { return "binpacking" }

func (s *BinPackingFirstFit) Select(_ *types.Job, candidates []*types.Candidate) (*types.ResourcePool, error) {
	if len(candidates) == 0 {
		return nil, errNoCandidates()
	}

	var best *types.Candidate
	var bestScore float64
	for _, c := range candidates {
		u := (cpuUtil(c.Utilization) + memUtil(c.Utilization)) / 2
		score, ok := packingScore(u)
		if !ok {
			continue
		}
		switch {
		case best == nil, score > bestScore:
			best, bestScore = c, score
		case score == bestScore && c.Pool.ID < best.Pool.ID:
			best = c
		}
	}
	if best == nil {
		return nil, errNoCandidates()
	}
	return best.Pool, nil
}

// packingScore maps combined utilization onto the packing preference curve.
// Pools at or above 0.85 are discarded.
func packingScore(u float64) (float64, bool) {
	switch {
	case u >= 0.85:
		return 0, false
	case u < 0.1:
		return 0, true
	case u < 0.4:
		return 2 * u, true
	case u < 0.7:
		return 1.0, true
	default:
		return 1.0 - 2*(u-0.7), true
	}
}
