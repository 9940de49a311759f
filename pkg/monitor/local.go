package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

// LocalMonitor reads utilization from the host the orchestrator runs on. It
// serves single-machine pools where workers share the orchestrator's host.
type LocalMonitor struct {
	usage    UsageSource
	diskPath string
}

// NewLocalMonitor creates a monitor backed by host readings. diskPath is the
// mount point sampled for disk usage, typically the data directory.
func NewLocalMonitor(usage UsageSource, diskPath string) *LocalMonitor {
	if diskPath == "" {
		diskPath = "/"
	}
	return &LocalMonitor{usage: usage, diskPath: diskPath}
}

func (m *LocalMonitor) Type() string {
	return "local"
}

func (m *LocalMonitor) GetUtilization(ctx context.Context, pool *types.ResourcePool) (*types.PoolUtilization, error) {
	cores, err := cpu.Counts(true)
	if err != nil {
		return nil, errors.OperationFailed(err, "failed to read cpu count")
	}

	// Percent(0, false) compares against the previous call, non-blocking.
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return nil, errors.OperationFailed(err, "failed to read cpu usage")
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.OperationFailed(err, "failed to read memory usage")
	}

	du, err := disk.Usage(m.diskPath)
	if err != nil {
		return nil, errors.OperationFailed(err, "failed to read disk usage")
	}

	util := &types.PoolUtilization{
		PoolID:           pool.ID,
		TotalCPU:         float64(cores),
		UsedCPU:          float64(cores) * cpuPercent / 100.0,
		TotalMemoryBytes: int64(vm.Total),
		UsedMemoryBytes:  int64(vm.Used),
		TotalDiskBytes:   int64(du.Total),
		UsedDiskBytes:    int64(du.Used),
		Timestamp:        time.Now().UTC(),
	}

	if m.usage != nil {
		if used, err := m.usage.Usage(pool.ID); err == nil {
			util.RunningJobs = used.JobsRunning
			util.QueuedJobs = used.JobsQueued
		}
	}

	return util, nil
}

func (m *LocalMonitor) Subscribe(ctx context.Context, pool *types.ResourcePool, interval time.Duration) <-chan *types.PoolUtilization {
	return subscribe(ctx, pool, interval, m.GetUtilization)
}
