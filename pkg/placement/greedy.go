package placement

import (
	"github.com/droverhq/drover/pkg/types"
)

// GreedyBestFit places on the least utilized pool: score is the mean of the
// cpu and memory utilization ratios, lowest wins, ties broken by pool id.
type GreedyBestFit struct{}

// NewGreedyBestFit creates the greedy strategy.
func NewGreedyBestFit() *GreedyBestFit {
	return &GreedyBestFit{}
}

func (s *GreedyBestFit) Name() string { return "greedy" }

func (s *GreedyBestFit) Select(_ *types.Job, candidates []*types.Candidate) (*types.ResourcePool, error) {
	if len(candidates) == 0 {
		return nil, errNoCandidates()
	}

	var best *types.Candidate
	var bestScore float64
	for _, c := range candidates {
		score := (cpuUtil(c.Utilization) + memUtil(c.Utilization)) / 2
		switch {
		case best == nil, score < bestScore:
			best, bestScore = c, score
		case score == bestScore && c.Pool.ID < best.Pool.ID:
			best = c
		}
	}
	return best.Pool, nil
}
