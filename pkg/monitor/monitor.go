package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

// Monitor provides utilization snapshots for pools of one type.
type Monitor interface {
	// Type returns the pool type this monitor serves (e.g. "static", "local").
	Type() string

	// GetUtilization returns a point-in-time utilization snapshot for the pool.
	GetUtilization(ctx context.Context, pool *types.ResourcePool) (*types.PoolUtilization, error)

	// Subscribe returns a lazy stream of utilization snapshots emitted every
	// interval until the context is cancelled. The first snapshot is emitted
	// immediately.
	Subscribe(ctx context.Context, pool *types.ResourcePool, interval time.Duration) <-chan *types.PoolUtilization
}

// UsageSource reports current reserved usage for a pool, typically backed by
// the quota ledger.
type UsageSource interface {
	Usage(poolID string) (*types.ResourceUsage, error)
}

// Registry maps pool types to monitors.
type Registry struct {
	mu       sync.RWMutex
	monitors map[string]Monitor
}

// NewRegistry creates an empty monitor registry.
func NewRegistry() *Registry {
	return &Registry{monitors: make(map[string]Monitor)}
}

// Register adds a monitor, replacing any existing monitor for the same type.
func (r *Registry) Register(m Monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors[strings.ToLower(m.Type())] = m
}

// For returns the monitor for the given pool type.
func (r *Registry) For(poolType string) (Monitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.monitors[strings.ToLower(poolType)]
	if !ok {
		return nil, errors.NotFoundf("no monitor registered for pool type: %s", poolType)
	}
	return m, nil
}

// subscribe implements the shared ticker loop for monitor streams.
func subscribe(ctx context.Context, pool *types.ResourcePool, interval time.Duration,
	fetch func(context.Context, *types.ResourcePool) (*types.PoolUtilization, error)) <-chan *types.PoolUtilization {

	ch := make(chan *types.PoolUtilization, 1)
	go func() {
		defer close(ch)

		emit := func() {
			u, err := fetch(ctx, pool)
			if err != nil {
				return
			}
			select {
			case ch <- u:
			case <-ctx.Done():
			}
		}

		emit()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				emit()
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
