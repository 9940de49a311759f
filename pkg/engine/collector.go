package engine

import (
	"time"

	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

const collectInterval = 15 * time.Second

var (
	poolStatuses = []types.PoolStatus{
		types.PoolStatusActive,
		types.PoolStatusDraining,
		types.PoolStatusTerminating,
		types.PoolStatusSuspended,
	}
	workerStatuses = []types.WorkerStatus{
		types.WorkerStatusProvisioning,
		types.WorkerStatusIdle,
		types.WorkerStatusBusy,
		types.WorkerStatusOffline,
		types.WorkerStatusTerminating,
		types.WorkerStatusFailed,
	}
	jobStatuses = []types.JobStatus{
		types.JobStatusPending,
		types.JobStatusQueued,
		types.JobStatusRunning,
		types.JobStatusCompleted,
		types.JobStatusFailed,
		types.JobStatusCancelled,
	}
	executionStates = []types.ExecutionState{
		types.ExecutionStateCreated,
		types.ExecutionStateAssigned,
		types.ExecutionStateStarted,
		types.ExecutionStateCompleted,
		types.ExecutionStateFailed,
		types.ExecutionStateCancelled,
		types.ExecutionStateTimeout,
	}
)

// collectLoop refreshes the inventory gauges until the engine stops.
func (e *Engine) collectLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	e.collect()
	for {
		select {
		case <-ticker.C:
			e.collect()
		case <-e.ctx.Done():
			return
		}
	}
}

// collect sets every labeled gauge, including zeros, so a status that
// empties out does not freeze at its last value.
func (e *Engine) collect() {
	e.collectPools()
	e.collectWorkers()
	e.collectJobs()
	e.collectExecutions()
}

func (e *Engine) collectPools() {
	pools, err := e.store.ListPools()
	if err != nil {
		e.logger.Debug().Err(err).Msg("Failed to collect pool metrics")
		return
	}
	counts := make(map[types.PoolStatus]int, len(poolStatuses))
	for _, p := range pools {
		counts[p.Status]++
	}
	for _, s := range poolStatuses {
		metrics.PoolsTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (e *Engine) collectWorkers() {
	counts := make(map[types.WorkerStatus]int, len(workerStatuses))
	for _, w := range e.workers.List() {
		counts[w.Status]++
	}
	for _, s := range workerStatuses {
		metrics.WorkersTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (e *Engine) collectJobs() {
	jobs, err := e.store.ListJobs()
	if err != nil {
		e.logger.Debug().Err(err).Msg("Failed to collect job metrics")
		return
	}
	counts := make(map[types.JobStatus]int, len(jobStatuses))
	for _, j := range jobs {
		counts[j.Status]++
	}
	for _, s := range jobStatuses {
		metrics.JobsTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (e *Engine) collectExecutions() {
	execs, err := e.store.ListExecutions()
	if err != nil {
		e.logger.Debug().Err(err).Msg("Failed to collect execution metrics")
		return
	}
	counts := make(map[types.ExecutionState]int, len(executionStates))
	for _, x := range execs {
		counts[x.State]++
	}
	for _, s := range executionStates {
		metrics.ExecutionsTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
