package placement

import (
	"strings"
	"sync"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

// Strategy picks one pool out of the admitted candidates for a job. Select
// must be pure: no candidate mutation, no side effects beyond the strategy's
// own counters.
type Strategy interface {
	Name() string
	Select(job *types.Job, candidates []*types.Candidate) (*types.ResourcePool, error)
}

// DefaultStrategy is used when a job names no strategy.
const DefaultStrategy = "leastloaded"

// Registry maps strategy names to implementations. Lookup is
// case-insensitive; long-form aliases cover the descriptive names.
type Registry struct {
	mu          sync.RWMutex
	strategies  map[string]Strategy
	defaultName string
}

// NewRegistry returns a registry with the four built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(NewRoundRobin())
	r.Register(NewGreedyBestFit())
	r.Register(NewLeastLoaded())
	r.Register(NewBinPackingFirstFit())
	r.alias("greedybestfit", "greedy")
	r.alias("binpackingfirstfit", "binpacking")
	return r
}

// Register adds a strategy under its canonical name.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strings.ToLower(s.Name())] = s
}

func (r *Registry) alias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.strategies[canonical]; ok {
		r.strategies[alias] = s
	}
}

// SetDefault overrides the fallback strategy used when a job names none.
// The name must already be registered.
func (r *Registry) SetDefault(name string) error {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[key]; !ok {
		return errors.Validationf("unknown placement strategy %q", name)
	}
	r.defaultName = key
	return nil
}

// For returns the strategy for the given name, or the default when the name
// is empty.
func (r *Registry) For(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
		if name == "" {
			name = DefaultStrategy
		}
	}

	s, ok := r.strategies[strings.ToLower(name)]
	if !ok {
		return nil, errors.Validationf("unknown placement strategy %q", name)
	}
	return s, nil
}

// errNoCandidates is the shared empty-candidate failure.
func errNoCandidates() error {
	return errors.InsufficientResourcesf("no candidates")
}

// ratio returns used/total, treating an unknown (zero) total as zero load.
func ratio(used, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return used / total
}

func cpuUtil(u *types.PoolUtilization) float64 {
	return ratio(u.UsedCPU, u.TotalCPU)
}

func memUtil(u *types.PoolUtilization) float64 {
	return ratio(float64(u.UsedMemoryBytes), float64(u.TotalMemoryBytes))
}
