package placement

import (
	"sort"
	"sync/atomic"

	"github.com/droverhq/drover/pkg/types"
)

// RoundRobin rotates through candidates in pool-id order. The counter lives
// for the life of the strategy instance, so the rotation continues across
// placements regardless of which pools survive admission.
type RoundRobin struct {
	counter atomic.Uint64
}

// NewRoundRobin creates a round-robin strategy with a fresh counter.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (s *RoundRobin) Name() string { return "roundrobin" }

// Select sorts candidates by pool id and picks counter mod N.
func (s *RoundRobin) Select(_ *types.Job, candidates []*types.Candidate) (*types.ResourcePool, error) {
	if len(candidates) == 0 {
		return nil, errNoCandidates()
	}

	sorted := make([]*types.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Pool.ID < sorted[j].Pool.ID
	})

	idx := (s.counter.Add(1) - 1) % uint64(len(sorted))
	return sorted[idx].Pool, nil
}
