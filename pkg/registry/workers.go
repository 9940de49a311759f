package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/quantity"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// reapInterval is how often the reaper sweeps for stale heartbeats.
const reapInterval = 10 * time.Second

// WorkerRegistry is the concurrent workerId → Worker mapping. Operations are
// linearizable per worker id: every mutation happens under one lock, and the
// in-memory map is authoritative with the store trailing behind it.
type WorkerRegistry struct {
	store  storage.Store
	ledger *Ledger
	logger zerolog.Logger

	heartbeatTimeout time.Duration
	evictionGrace    time.Duration

	mu       sync.Mutex
	workers  map[string]*types.Worker
	arrivals chan struct{}

	onWorkerLost func(workerID, executionID string)

	stopCh chan struct{}
}

// NewWorkerRegistry creates the registry and loads persisted workers. Workers
// found in the store are marked OFFLINE: their streams died with the previous
// process, and the reaper evicts them unless they re-register in time.
func NewWorkerRegistry(store storage.Store, ledger *Ledger, heartbeatTimeout, evictionGrace time.Duration) *WorkerRegistry {
	r := &WorkerRegistry{
		store:            store,
		ledger:           ledger,
		logger:           log.WithComponent("worker-registry"),
		heartbeatTimeout: heartbeatTimeout,
		evictionGrace:    evictionGrace,
		workers:          make(map[string]*types.Worker),
		arrivals:         make(chan struct{}),
		stopCh:           make(chan struct{}),
	}

	persisted, err := store.ListWorkers()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to load persisted workers")
		return r
	}
	for _, w := range persisted {
		w.Status = types.WorkerStatusOffline
		w.ActiveExecutionID = ""
		r.workers[w.ID] = w
		ledger.RestoreWorker(w.PoolID)
		if err := store.UpdateWorker(w); err != nil {
			r.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("Failed to persist worker state")
		}
	}
	if len(r.workers) > 0 {
		r.logger.Info().Int("count", len(r.workers)).Msg("Loaded persisted workers as OFFLINE")
	}
	return r
}

// SetOnWorkerLost installs the callback invoked when a BUSY worker's
// heartbeat lapses. The callback runs outside the registry lock.
func (r *WorkerRegistry) SetOnWorkerLost(fn func(workerID, executionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWorkerLost = fn
}

// Register adds a worker or refreshes a known one. Re-registering a known id
// in a non-terminal state is idempotent; re-registering against a different
// pool is a conflict.
func (r *WorkerRegistry) Register(workerID, poolID string, caps types.WorkerCapabilities) (*types.Worker, error) {
	if workerID == "" {
		return nil, errors.Validationf("worker id must not be empty")
	}
	if _, err := r.store.GetPool(poolID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[workerID]; ok {
		if existing.PoolID != poolID {
			return nil, errors.Conflictf("worker %s is already registered to pool %s", workerID, existing.PoolID)
		}
		if !types.IsTerminalWorkerStatus(existing.Status) {
			existing.Capabilities = caps
			existing.LastHeartbeat = time.Now().UTC()
			existing.UpdatedAt = existing.LastHeartbeat
			if existing.Status == types.WorkerStatusOffline {
				// A reconnecting worker has no execution; it either finished
				// or the reaper already failed it.
				existing.Status = types.WorkerStatusIdle
				existing.ActiveExecutionID = ""
			}
			r.persistLocked(existing)
			r.notifyLocked()

			r.logger.Info().
				Str("worker_id", workerID).
				Str("pool_id", poolID).
				Msg("Worker re-registered")
			return copyWorker(existing), nil
		}
		// Terminal record: free its ledger slot and replace it below as a
		// fresh registration.
		r.ledger.RemoveWorker(existing.PoolID)
		delete(r.workers, workerID)
	}

	if err := r.ledger.AddWorker(poolID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	worker := &types.Worker{
		ID:            workerID,
		PoolID:        poolID,
		Capabilities:  caps,
		Status:        types.WorkerStatusIdle,
		LastHeartbeat: now,
		SessionToken:  uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.workers[workerID] = worker
	r.persistLocked(worker)
	r.notifyLocked()

	r.logger.Info().
		Str("worker_id", workerID).
		Str("pool_id", poolID).
		Str("cpu", quantity.FormatCPU(caps.CPUMillis)).
		Str("memory", quantity.FormatMemory(caps.MemoryBytes)).
		Msg("Worker registered")

	return copyWorker(worker), nil
}

// Heartbeat refreshes a worker's liveness. An OFFLINE worker that heartbeats
// again comes back as IDLE.
func (r *WorkerRegistry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return errors.NotFoundf("worker not found: %s", workerID)
	}

	worker.LastHeartbeat = time.Now().UTC()
	worker.UpdatedAt = worker.LastHeartbeat
	if worker.Status == types.WorkerStatusOffline {
		worker.Status = types.WorkerStatusIdle
		worker.ActiveExecutionID = ""
		r.notifyLocked()
	}
	r.persistLocked(worker)
	return nil
}

// Assign atomically flips an IDLE worker to BUSY with the execution pinned.
// Returns false when the worker is unknown or not IDLE.
func (r *WorkerRegistry) Assign(workerID, executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignLocked(workerID, executionID)
}

func (r *WorkerRegistry) assignLocked(workerID, executionID string) bool {
	worker, ok := r.workers[workerID]
	if !ok || worker.Status != types.WorkerStatusIdle {
		return false
	}
	worker.Status = types.WorkerStatusBusy
	worker.ActiveExecutionID = executionID
	worker.UpdatedAt = time.Now().UTC()
	r.persistLocked(worker)
	return true
}

// Release clears a worker's active execution. A BUSY worker returns to IDLE;
// other states keep their status but drop the execution reference.
func (r *WorkerRegistry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return
	}
	worker.ActiveExecutionID = ""
	worker.UpdatedAt = time.Now().UTC()
	if worker.Status == types.WorkerStatusBusy {
		worker.Status = types.WorkerStatusIdle
		r.notifyLocked()
	}
	r.persistLocked(worker)
}

// MarkOffline records a torn stream. The caller decides what happens to the
// worker's active execution; the returned snapshot carries its id.
func (r *WorkerRegistry) MarkOffline(workerID string) (*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return nil, errors.NotFoundf("worker not found: %s", workerID)
	}
	if !types.IsTerminalWorkerStatus(worker.Status) {
		worker.Status = types.WorkerStatusOffline
		worker.UpdatedAt = time.Now().UTC()
		r.persistLocked(worker)
	}
	return copyWorker(worker), nil
}

// Drain marks a worker TERMINATING so it takes no new work; the reaper
// evicts it once it is no longer BUSY.
func (r *WorkerRegistry) Drain(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return errors.NotFoundf("worker not found: %s", workerID)
	}
	worker.Status = types.WorkerStatusTerminating
	worker.UpdatedAt = time.Now().UTC()
	r.persistLocked(worker)
	return nil
}

// Get returns a snapshot of the worker.
func (r *WorkerRegistry) Get(workerID string) (*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return nil, errors.NotFoundf("worker not found: %s", workerID)
	}
	return copyWorker(worker), nil
}

// List returns snapshots of all workers.
func (r *WorkerRegistry) List() []*types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, copyWorker(w))
	}
	return out
}

// ListByPool returns snapshots of the pool's workers.
func (r *WorkerRegistry) ListByPool(poolID string) []*types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.Worker
	for _, w := range r.workers {
		if w.PoolID == poolID {
			out = append(out, copyWorker(w))
		}
	}
	return out
}

// FindAvailable returns the first IDLE worker in the pool satisfying the
// requirements, ties broken by earliest creation time. Nil when none.
func (r *WorkerRegistry) FindAvailable(poolID string, reqs quantity.Requirements, tools []string) *types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w := r.findAvailableLocked(poolID, reqs, tools); w != nil {
		return copyWorker(w)
	}
	return nil
}

func (r *WorkerRegistry) findAvailableLocked(poolID string, reqs quantity.Requirements, tools []string) *types.Worker {
	var best *types.Worker
	for _, w := range r.workers {
		if w.PoolID != poolID || w.Status != types.WorkerStatusIdle {
			continue
		}
		if !w.Capabilities.Satisfies(reqs.CPUMillis, reqs.MemoryBytes, reqs.StorageBytes, tools) {
			continue
		}
		if best == nil || w.CreatedAt.Before(best.CreatedAt) {
			best = w
		}
	}
	return best
}

// TryAcquire finds an available worker and assigns it in one atomic step.
func (r *WorkerRegistry) TryAcquire(poolID string, reqs quantity.Requirements, tools []string, executionID string) (*types.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker := r.findAvailableLocked(poolID, reqs, tools)
	if worker == nil {
		return nil, false
	}
	if !r.assignLocked(worker.ID, executionID) {
		return nil, false
	}
	return copyWorker(worker), true
}

// AwaitAvailable blocks until a worker in the pool can be acquired for the
// execution, the timeout lapses, or the context is cancelled.
func (r *WorkerRegistry) AwaitAvailable(ctx context.Context, poolID string, reqs quantity.Requirements, tools []string, executionID string, timeout time.Duration) (*types.Worker, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		arrivals := r.arrivalsChan()
		if worker, ok := r.TryAcquire(poolID, reqs, tools, executionID); ok {
			return worker, nil
		}

		select {
		case <-arrivals:
		case <-deadline.C:
			return nil, errors.Timeoutf("no worker available in pool %s within %s", poolID, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitForRegistration blocks until the worker id registers, the timeout
// lapses, or the context is cancelled.
func (r *WorkerRegistry) WaitForRegistration(ctx context.Context, workerID string, timeout time.Duration) (*types.Worker, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		arrivals := r.arrivalsChan()

		r.mu.Lock()
		worker, ok := r.workers[workerID]
		if ok && !types.IsTerminalWorkerStatus(worker.Status) && worker.Status != types.WorkerStatusOffline {
			cp := copyWorker(worker)
			r.mu.Unlock()
			return cp, nil
		}
		r.mu.Unlock()

		select {
		case <-arrivals:
		case <-deadline.C:
			return nil, errors.Timeoutf("worker %s did not register within %s", workerID, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Start launches the heartbeat reaper.
func (r *WorkerRegistry) Start() {
	go r.reapLoop()
}

// Stop halts the reaper.
func (r *WorkerRegistry) Stop() {
	close(r.stopCh)
}

func (r *WorkerRegistry) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reap()
		case <-r.stopCh:
			return
		}
	}
}

type lostExecution struct {
	workerID    string
	executionID string
}

// reap sweeps for stale heartbeats: live workers past heartbeatTimeout go
// OFFLINE (failing their active execution), OFFLINE workers past the
// eviction grace are removed, and drained workers are removed once idle.
func (r *WorkerRegistry) reap() {
	now := time.Now().UTC()

	var lost []lostExecution
	var onLost func(workerID, executionID string)

	r.mu.Lock()
	onLost = r.onWorkerLost
	for id, w := range r.workers {
		switch w.Status {
		case types.WorkerStatusIdle, types.WorkerStatusBusy, types.WorkerStatusProvisioning:
			if now.Sub(w.LastHeartbeat) <= r.heartbeatTimeout {
				continue
			}
			if w.Status == types.WorkerStatusBusy && w.ActiveExecutionID != "" {
				lost = append(lost, lostExecution{workerID: id, executionID: w.ActiveExecutionID})
			}
			w.Status = types.WorkerStatusOffline
			w.UpdatedAt = now
			r.persistLocked(w)
			r.logger.Warn().
				Str("worker_id", id).
				Time("last_heartbeat", w.LastHeartbeat).
				Msg("Worker heartbeat lapsed, marked OFFLINE")

		case types.WorkerStatusOffline:
			if now.Sub(w.LastHeartbeat) > r.heartbeatTimeout+r.evictionGrace {
				r.evictLocked(id, w)
			}

		case types.WorkerStatusTerminating:
			// Draining workers finish their active execution first.
			if w.ActiveExecutionID == "" {
				r.evictLocked(id, w)
			}
		}
	}
	r.mu.Unlock()

	// Callbacks run outside the lock: they call back into the engine, which
	// may call back into this registry.
	if onLost != nil {
		for _, l := range lost {
			onLost(l.workerID, l.executionID)
		}
	}
}

func (r *WorkerRegistry) evictLocked(id string, w *types.Worker) {
	delete(r.workers, id)
	if err := r.store.DeleteWorker(id); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", id).Msg("Failed to delete persisted worker")
	}
	r.ledger.RemoveWorker(w.PoolID)
	metrics.WorkersEvicted.Inc()

	r.logger.Info().
		Str("worker_id", id).
		Str("pool_id", w.PoolID).
		Msg("Worker evicted")
}

func (r *WorkerRegistry) arrivalsChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arrivals
}

// notifyLocked wakes every goroutine waiting for worker availability.
func (r *WorkerRegistry) notifyLocked() {
	close(r.arrivals)
	r.arrivals = make(chan struct{})
}

func (r *WorkerRegistry) persistLocked(w *types.Worker) {
	if err := r.store.UpdateWorker(w); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("Failed to persist worker state")
	}
}

func copyWorker(w *types.Worker) *types.Worker {
	cp := *w
	return &cp
}
