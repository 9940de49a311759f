package registry

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/quantity"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// unboundedFit caps the per-dimension fit count for unlimited dimensions.
const unboundedFit = 1 << 30

// Ledger tracks reserved resources per pool and answers admission checks.
// Reservations are keyed by holder id (the execution id): Reserve precedes
// worker selection in the dispatch flow, so the worker id is not known yet.
type Ledger struct {
	store  storage.Store
	pools  *PoolRegistry
	logger zerolog.Logger

	mu           sync.Mutex
	usage        map[string]*types.ResourceUsage
	reservations map[string]*reservation
}

type reservation struct {
	poolID  string
	reqs    quantity.Requirements
	started bool
}

// NewLedger creates an empty ledger. Usage starts from zero: reservations do
// not survive a restart, and worker counts are rebuilt as workers re-register.
func NewLedger(store storage.Store, pools *PoolRegistry) *Ledger {
	return &Ledger{
		store:        store,
		pools:        pools,
		logger:       log.WithComponent("quota-ledger"),
		usage:        make(map[string]*types.ResourceUsage),
		reservations: make(map[string]*reservation),
	}
}

// Usage returns a copy of the live tally for a pool. Implements the monitor
// package's UsageSource.
func (l *Ledger) Usage(poolID string) (*types.ResourceUsage, error) {
	if _, err := l.pools.Get(poolID); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return copyUsage(l.usageLocked(poolID)), nil
}

// Check answers whether the pool can take count more placements of the given
// requirements under its quotas.
func (l *Ledger) Check(poolID string, reqs quantity.Requirements, count int) (*types.AdmissionResult, error) {
	pool, err := l.pools.Get(poolID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.checkLocked(pool, reqs, count), nil
}

func (l *Ledger) checkLocked(pool *types.ResourcePool, reqs quantity.Requirements, count int) *types.AdmissionResult {
	u := l.usageLocked(pool.ID)
	q := pool.Quotas

	result := &types.AdmissionResult{Requested: count}
	fit := count
	if fit > unboundedFit {
		fit = unboundedFit
	}

	consider := func(name string, fits int, detail string) {
		if fits < fit {
			fit = fits
		}
		if fits == 0 {
			result.LimitingFactors = append(result.LimitingFactors, detail)
		} else if fits < count {
			result.Constraints = append(result.Constraints, fmt.Sprintf("%s: can accommodate %d of %d", name, fits, count))
		}
	}

	if q.CPU.Limits > 0 && reqs.CPUMillis > 0 {
		fits := headroom(q.CPU.Limits, u.CPUMillis, reqs.CPUMillis)
		consider("cpu", fits, fmt.Sprintf("cpu limit reached: %s used of %s",
			quantity.FormatCPU(u.CPUMillis), quantity.FormatCPU(q.CPU.Limits)))
	}
	if q.Memory.Limits > 0 && reqs.MemoryBytes > 0 {
		fits := headroom(q.Memory.Limits, u.MemoryBytes, reqs.MemoryBytes)
		consider("memory", fits, fmt.Sprintf("memory limit reached: %s used of %s",
			quantity.FormatMemory(u.MemoryBytes), quantity.FormatMemory(q.Memory.Limits)))
	}
	if q.StorageBytes > 0 && reqs.StorageBytes > 0 {
		fits := headroom(q.StorageBytes, u.StorageBytes, reqs.StorageBytes)
		consider("storage", fits, fmt.Sprintf("storage limit reached: %s used of %s",
			quantity.FormatMemory(u.StorageBytes), quantity.FormatMemory(q.StorageBytes)))
	}
	for key, requested := range reqs.Custom {
		limit, bounded := q.CustomLimits[key]
		if !bounded || limit <= 0 || requested <= 0 {
			continue
		}
		fits := headroom(limit, u.Custom[key], requested)
		consider(key, fits, fmt.Sprintf("%s limit reached: %d used of %d", key, u.Custom[key], limit))
	}

	// Count dimensions. A placement occupies one worker slot and one job slot
	// for its lifetime. Occupancy is the live reservation count, not the size
	// of the registered fleet: fleet size is capped separately at
	// registration time.
	occupied := u.JobsRunning + u.JobsQueued
	if q.MaxWorkers > 0 {
		fits := q.MaxWorkers - occupied
		if fits < 0 {
			fits = 0
		}
		consider("maxWorkers", fits, fmt.Sprintf("maxWorkers reached: %d of %d occupied", occupied, q.MaxWorkers))
	}
	if q.MaxJobs > 0 {
		fits := q.MaxJobs - occupied
		if fits < 0 {
			fits = 0
		}
		consider("maxJobs", fits, fmt.Sprintf("maxJobs reached: %d of %d", occupied, q.MaxJobs))
	}
	if q.MaxConcurrentJobs > 0 {
		fits := q.MaxConcurrentJobs - u.JobsRunning
		if fits < 0 {
			fits = 0
		}
		consider("maxConcurrentJobs", fits, fmt.Sprintf("maxConcurrentJobs reached: %d of %d", u.JobsRunning, q.MaxConcurrentJobs))
	}

	result.CanAccommodate = fit
	return result
}

// headroom returns how many instances of request fit between used and limit.
func headroom(limit, used, request int64) int {
	remaining := limit - used
	if remaining <= 0 || request <= 0 {
		return 0
	}
	fits := remaining / request
	if fits > unboundedFit {
		return unboundedFit
	}
	return int(fits)
}

// Reserve books the requirements against the pool on behalf of holder. The
// reservation counts as a queued job until Activate. Returns an
// InsufficientResources error when the pool cannot take the placement.
func (l *Ledger) Reserve(poolID, holder string, reqs quantity.Requirements) error {
	pool, err := l.pools.Get(poolID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.reservations[holder]; exists {
		return errors.Conflictf("holder %s already has a reservation", holder)
	}

	result := l.checkLocked(pool, reqs, 1)
	if !result.Available() {
		return errors.InsufficientResourcesf("insufficient resources in pool %s: %v", pool.Name, result.LimitingFactors)
	}

	u := l.usageLocked(poolID)
	u.CPUMillis += reqs.CPUMillis
	u.MemoryBytes += reqs.MemoryBytes
	u.StorageBytes += reqs.StorageBytes
	for key, v := range reqs.Custom {
		if u.Custom == nil {
			u.Custom = make(map[string]int64)
		}
		u.Custom[key] += v
	}
	u.JobsQueued++

	l.reservations[holder] = &reservation{poolID: poolID, reqs: reqs}
	l.persistLocked(poolID)

	l.logger.Debug().
		Str("pool_id", poolID).
		Str("holder", holder).
		Str("cpu", quantity.FormatCPU(reqs.CPUMillis)).
		Str("memory", quantity.FormatMemory(reqs.MemoryBytes)).
		Msg("Resources reserved")

	return nil
}

// Activate moves a reservation from queued to running accounting. Called when
// the execution actually starts on a worker. No-op for unknown holders.
func (l *Ledger) Activate(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[holder]
	if !ok || res.started {
		return
	}
	res.started = true

	u := l.usageLocked(res.poolID)
	if u.JobsQueued > 0 {
		u.JobsQueued--
	}
	u.JobsRunning++
	l.persistLocked(res.poolID)
}

// Release returns a holder's resources to the pool. Idempotent: releasing an
// unknown holder is a no-op, so terminal paths can release unconditionally.
func (l *Ledger) Release(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[holder]
	if !ok {
		return
	}
	delete(l.reservations, holder)

	u := l.usageLocked(res.poolID)
	u.CPUMillis -= res.reqs.CPUMillis
	u.MemoryBytes -= res.reqs.MemoryBytes
	u.StorageBytes -= res.reqs.StorageBytes
	for key, v := range res.reqs.Custom {
		u.Custom[key] -= v
	}
	if res.started {
		if u.JobsRunning > 0 {
			u.JobsRunning--
		}
	} else if u.JobsQueued > 0 {
		u.JobsQueued--
	}
	clampUsage(u)
	l.persistLocked(res.poolID)

	l.logger.Debug().
		Str("pool_id", res.poolID).
		Str("holder", holder).
		Msg("Resources released")
}

// AddWorker counts a worker against the pool's maxWorkers quota.
func (l *Ledger) AddWorker(poolID string) error {
	pool, err := l.pools.Get(poolID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.usageLocked(poolID)
	if limit := pool.Quotas.MaxWorkers; limit > 0 && u.Workers+1 > limit {
		return errors.InsufficientResourcesf("pool %s is at maxWorkers (%d)", pool.Name, limit)
	}
	u.Workers++
	l.persistLocked(poolID)
	return nil
}

// RestoreWorker re-counts an already-admitted worker after a restart. The
// maxWorkers check is skipped: the worker was admitted by a previous
// process, and refusing it now would skew the count the reaper later
// decrements.
func (l *Ledger) RestoreWorker(poolID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.usageLocked(poolID)
	u.Workers++
	l.persistLocked(poolID)
}

// RemoveWorker releases a worker slot.
func (l *Ledger) RemoveWorker(poolID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.usageLocked(poolID)
	if u.Workers > 0 {
		u.Workers--
	}
	l.persistLocked(poolID)
}

// Violations lists quota dimensions where current usage exceeds the limit.
// Usage can exceed quotas after an administrator lowers limits below what is
// already reserved.
func (l *Ledger) Violations(poolName string) ([]string, error) {
	pool, err := l.pools.GetByName(poolName)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.usageLocked(pool.ID)
	q := pool.Quotas

	var violations []string
	if q.CPU.Limits > 0 && u.CPUMillis > q.CPU.Limits {
		violations = append(violations, fmt.Sprintf("cpu usage %s exceeds limit %s",
			quantity.FormatCPU(u.CPUMillis), quantity.FormatCPU(q.CPU.Limits)))
	}
	if q.Memory.Limits > 0 && u.MemoryBytes > q.Memory.Limits {
		violations = append(violations, fmt.Sprintf("memory usage %s exceeds limit %s",
			quantity.FormatMemory(u.MemoryBytes), quantity.FormatMemory(q.Memory.Limits)))
	}
	if q.StorageBytes > 0 && u.StorageBytes > q.StorageBytes {
		violations = append(violations, fmt.Sprintf("storage usage %s exceeds limit %s",
			quantity.FormatMemory(u.StorageBytes), quantity.FormatMemory(q.StorageBytes)))
	}
	for key, limit := range q.CustomLimits {
		if limit > 0 && u.Custom[key] > limit {
			violations = append(violations, fmt.Sprintf("%s usage %d exceeds limit %d", key, u.Custom[key], limit))
		}
	}
	if q.MaxWorkers > 0 && u.Workers > q.MaxWorkers {
		violations = append(violations, fmt.Sprintf("workers %d exceed maxWorkers %d", u.Workers, q.MaxWorkers))
	}
	live := u.JobsRunning + u.JobsQueued
	if q.MaxConcurrentJobs > 0 && live > q.MaxConcurrentJobs {
		violations = append(violations, fmt.Sprintf("concurrent jobs %d exceed maxConcurrentJobs %d", live, q.MaxConcurrentJobs))
	}
	return violations, nil
}

func (l *Ledger) usageLocked(poolID string) *types.ResourceUsage {
	u, ok := l.usage[poolID]
	if !ok {
		u = &types.ResourceUsage{Custom: make(map[string]int64)}
		l.usage[poolID] = u
	}
	return u
}

func (l *Ledger) persistLocked(poolID string) {
	if err := l.store.SaveUsage(poolID, copyUsage(l.usage[poolID])); err != nil {
		l.logger.Warn().Err(err).Str("pool_id", poolID).Msg("Failed to persist usage snapshot")
	}
}

func copyUsage(u *types.ResourceUsage) *types.ResourceUsage {
	cp := *u
	if u.Custom != nil {
		cp.Custom = make(map[string]int64, len(u.Custom))
		for k, v := range u.Custom {
			cp.Custom[k] = v
		}
	}
	return &cp
}

func clampUsage(u *types.ResourceUsage) {
	if u.CPUMillis < 0 {
		u.CPUMillis = 0
	}
	if u.MemoryBytes < 0 {
		u.MemoryBytes = 0
	}
	if u.StorageBytes < 0 {
		u.StorageBytes = 0
	}
	for k, v := range u.Custom {
		if v < 0 {
			u.Custom[k] = 0
		}
	}
}
