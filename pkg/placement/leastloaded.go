package placement

import (
	"github.com/droverhq/drover/pkg/quantity"
	"github.com/droverhq/drover/pkg/types"
)

// LeastLoaded is the default strategy: a composite load score across cpu,
// memory, running jobs, and queue depth. Candidates that cannot fit the
// job's request are discarded before scoring.
//
// score = 0.3·cpuUtil + 0.3·memUtil + 0.2·jobUtil + 0.2·queueUtil
type LeastLoaded struct{}

// NewLeastLoaded creates the least-loaded strategy.
func NewLeastLoaded() *LeastLoaded {
	return &LeastLoaded{}
}

func (s *LeastLoaded) Name() string { return "leastloaded" }

func (s *LeastLoaded) Select(job *types.Job, candidates []*types.Candidate) (*types.ResourcePool, error) {
	if len(candidates) == 0 {
		return nil, errNoCandidates()
	}

	var reqs quantity.Requirements
	if job != nil {
		parsed, err := quantity.ParseRequirements(job.ResourceRequirements)
		if err != nil {
			return nil, err
		}
		reqs = parsed
	}
	requestedCPU := quantity.CPUCores(reqs.CPUMillis)

	var best *types.Candidate
	var bestScore float64
	for _, c := range candidates {
		u := c.Utilization

		// Fit check against known totals; an unknown (zero) total does not
		// constrain.
		if u.TotalCPU > 0 && requestedCPU > u.TotalCPU-u.UsedCPU {
			continue
		}
		if u.TotalMemoryBytes > 0 && reqs.MemoryBytes > u.TotalMemoryBytes-u.UsedMemoryBytes {
			continue
		}

		score := 0.3*cpuUtil(u) + 0.3*memUtil(u) + 0.2*jobUtil(c) + 0.2*queueUtil(u)
		switch {
		case best == nil, score < bestScore:
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

// jobUtil is the running-job pressure: against maxJobs when the pool has
// one, otherwise a diminishing-returns curve that approaches 1.
func jobUtil(c *types.Candidate) float64 {
	running := float64(c.Utilization.RunningJobs)
	if maxJobs := c.Pool.Quotas.MaxJobs; maxJobs > 0 {
		return running / float64(maxJobs)
	}
	return running / (running + 10)
}

// queueUtil saturates at 10 queued jobs.
func queueUtil(u *types.PoolUtilization) float64 {
	q := float64(u.QueuedJobs) / 10
	if q > 1 {
		return 1
	}
	return q
}
