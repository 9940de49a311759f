package monitor

import (
	"context"
	"time"

	"github.com/droverhq/drover/pkg/quantity"
	"github.com/droverhq/drover/pkg/types"
)

// StaticMonitor derives utilization from pool quota limits and the ledger's
// reserved usage. It serves pools whose capacity is declared up front rather
// than observed from a live substrate.
type StaticMonitor struct {
	usage UsageSource
}

// NewStaticMonitor creates a monitor for statically sized pools.
func NewStaticMonitor(usage UsageSource) *StaticMonitor {
	return &StaticMonitor{usage: usage}
}

func (m *StaticMonitor) Type() string {
	return "static"
}

func (m *StaticMonitor) GetUtilization(ctx context.Context, pool *types.ResourcePool) (*types.PoolUtilization, error) {
	used, err := m.usage.Usage(pool.ID)
	if err != nil {
		return nil, err
	}

	util := &types.PoolUtilization{
		PoolID:          pool.ID,
		UsedCPU:         quantity.CPUCores(used.CPUMillis),
		UsedMemoryBytes: used.MemoryBytes,
		UsedDiskBytes:   used.StorageBytes,
		RunningJobs:     used.JobsRunning,
		QueuedJobs:      used.JobsQueued,
		Timestamp:       time.Now().UTC(),
	}

	// Zero limits mean unbounded capacity; totals stay zero and strategies
	// treat the ratio as zero.
	util.TotalCPU = quantity.CPUCores(pool.Quotas.CPU.Limits)
	util.TotalMemoryBytes = pool.Quotas.Memory.Limits
	util.TotalDiskBytes = pool.Quotas.StorageBytes

	return util, nil
}

func (m *StaticMonitor) Subscribe(ctx context.Context, pool *types.ResourcePool, interval time.Duration) <-chan *types.PoolUtilization {
	return subscribe(ctx, pool, interval, m.GetUtilization)
}
