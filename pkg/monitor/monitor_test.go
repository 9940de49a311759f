package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

type fakeUsage struct {
	usage *types.ResourceUsage
	err   error
}

func (f *fakeUsage) Usage(poolID string) (*types.ResourceUsage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.usage, nil
}

// TestRegistryLookup tests type-keyed monitor lookup
func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewStaticMonitor(&fakeUsage{usage: &types.ResourceUsage{}}))

	m, err := reg.For("static")
	require.NoError(t, err)
	assert.Equal(t, "static", m.Type())

	// Lookup is case-insensitive
	m, err = reg.For("STATIC")
	require.NoError(t, err)
	assert.Equal(t, "static", m.Type())

	_, err = reg.For("kubernetes")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

// TestStaticUtilization tests quota-derived utilization snapshots
func TestStaticUtilization(t *testing.T) {
	usage := &fakeUsage{usage: &types.ResourceUsage{
		CPUMillis:   2500,
		MemoryBytes: 2 * 1024 * 1024 * 1024,
		JobsRunning: 3,
		JobsQueued:  5,
	}}
	m := NewStaticMonitor(usage)

	pool := &types.ResourcePool{
		ID:   "pool-1",
		Type: "static",
		Quotas: types.PoolQuotas{
			CPU:          types.QuotaBand{Limits: 8000},
			Memory:       types.QuotaBand{Limits: 16 * 1024 * 1024 * 1024},
			StorageBytes: 100 * 1024 * 1024 * 1024,
		},
	}

	util, err := m.GetUtilization(context.Background(), pool)
	require.NoError(t, err)

	assert.Equal(t, "pool-1", util.PoolID)
	assert.InDelta(t, 8.0, util.TotalCPU, 0.001)
	assert.InDelta(t, 2.5, util.UsedCPU, 0.001)
	assert.Equal(t, int64(16*1024*1024*1024), util.TotalMemoryBytes)
	assert.Equal(t, int64(2*1024*1024*1024), util.UsedMemoryBytes)
	assert.Equal(t, 3, util.RunningJobs)
	assert.Equal(t, 5, util.QueuedJobs)
	assert.False(t, util.Timestamp.IsZero())
}

// TestStaticUtilizationUnboundedPool tests that empty limits leave totals at zero
func TestStaticUtilizationUnboundedPool(t *testing.T) {
	m := NewStaticMonitor(&fakeUsage{usage: &types.ResourceUsage{CPUMillis: 500}})

	pool := &types.ResourcePool{ID: "pool-1", Type: "static"}

	util, err := m.GetUtilization(context.Background(), pool)
	require.NoError(t, err)
	assert.Zero(t, util.TotalCPU)
	assert.Zero(t, util.TotalMemoryBytes)
	assert.InDelta(t, 0.5, util.UsedCPU, 0.001)
}

// TestStaticUtilizationUsageError tests that ledger failures propagate
func TestStaticUtilizationUsageError(t *testing.T) {
	m := NewStaticMonitor(&fakeUsage{err: errors.NotFoundf("pool not found: pool-1")})

	pool := &types.ResourcePool{ID: "pool-1", Type: "static"}

	_, err := m.GetUtilization(context.Background(), pool)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

// TestSubscribeEmitsAndStops tests the lazy snapshot stream
func TestSubscribeEmitsAndStops(t *testing.T) {
	m := NewStaticMonitor(&fakeUsage{usage: &types.ResourceUsage{CPUMillis: 1000}})
	pool := &types.ResourcePool{
		ID:     "pool-1",
		Type:   "static",
		Quotas: types.PoolQuotas{CPU: types.QuotaBand{Limits: 4000}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Subscribe(ctx, pool, 10*time.Millisecond)

	// First snapshot arrives without waiting a full interval
	select {
	case util := <-ch:
		require.NotNil(t, util)
		assert.InDelta(t, 1.0, util.UsedCPU, 0.001)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first snapshot")
	}

	// Further snapshots follow on the interval
	select {
	case util := <-ch:
		require.NotNil(t, util)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second snapshot")
	}

	cancel()

	// Channel closes after cancellation
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

// TestLocalMonitorType tests the local monitor registration key
func TestLocalMonitorType(t *testing.T) {
	m := NewLocalMonitor(nil, "")
	assert.Equal(t, "local", m.Type())
}
