package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/fanout"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/quantity"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/state"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

const (
	eventRingSize = 128
	logRingSize   = 512

	// Finished executions keep their event and log windows queryable for a
	// while after the live context is gone.
	finishedTTL   = 30 * time.Minute
	finishedSweep = 10 * time.Minute
)

// Sender is the engine's view of the worker stream layer.
type Sender interface {
	Send(workerID string, env *protocol.Envelope) error
	Disconnect(workerID, reason string)
}

// Config tunes dispatch behavior. Zero fields fall back to defaults.
type Config struct {
	WorkerWait       time.Duration
	StartGrace       time.Duration
	HeartbeatTimeout time.Duration
	CancelGrace      time.Duration
	RequeueBackoff   time.Duration
	MaxBackoff       time.Duration
	Dispatchers      int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		WorkerWait:       120 * time.Second,
		StartGrace:       60 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		CancelGrace:      30 * time.Second,
		RequeueBackoff:   time.Second,
		MaxBackoff:       60 * time.Second,
		Dispatchers:      4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerWait <= 0 {
		c.WorkerWait = d.WorkerWait
	}
	if c.StartGrace <= 0 {
		c.StartGrace = d.StartGrace
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.RequeueBackoff <= 0 {
		c.RequeueBackoff = d.RequeueBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Dispatchers <= 0 {
		c.Dispatchers = d.Dispatchers
	}
	return c
}

// ExecutionContext is a point-in-time view of one live execution: the
// records, the assigned worker, and the retained event and log windows.
type ExecutionContext struct {
	Execution *types.Execution
	Job       *types.Job
	WorkerID  string
	Events    []types.ExecutionUpdate
	Logs      []types.ExecutionUpdate
}

// executionContext is the engine's live record of one execution. The
// machine serializes transitions; everything else mutates under mu.
type executionContext struct {
	id      string
	machine *state.Machine
	events  *updateRing
	logs    *updateRing

	finalizeOnce sync.Once

	mu              sync.Mutex
	execution       *types.Execution
	job             *types.Job
	workerID        string
	cancelRequested bool
	cancelReason    string
	failure         error
	finalized       bool
	stopWait        context.CancelFunc
	requeues        int
}

func (ectx *executionContext) jobSnapshot() types.Job {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()
	return *ectx.job
}

func (ectx *executionContext) executionSnapshot() types.Execution {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()
	return *ectx.execution
}

func (ectx *executionContext) priority() types.JobPriority {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()
	return ectx.job.Priority
}

func (ectx *executionContext) setWorker(workerID string) {
	ectx.mu.Lock()
	ectx.workerID = workerID
	ectx.execution.WorkerID = workerID
	ectx.mu.Unlock()
}

func (ectx *executionContext) worker() string {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()
	return ectx.workerID
}

func (ectx *executionContext) setFailure(err error) {
	ectx.mu.Lock()
	ectx.failure = err
	ectx.mu.Unlock()
}

func (ectx *executionContext) setErrorMessage(msg string) {
	ectx.mu.Lock()
	ectx.execution.ErrorMessage = msg
	ectx.mu.Unlock()
}

// requestCancel records the intent once. Returns false when a cancel is
// already in flight.
func (ectx *executionContext) requestCancel(reason string) bool {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()
	if ectx.cancelRequested {
		return false
	}
	ectx.cancelRequested = true
	ectx.cancelReason = reason
	return true
}

func (ectx *executionContext) cancelPending() bool {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()
	return ectx.cancelRequested
}

func (ectx *executionContext) bumpRequeue() int {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()
	ectx.requeues++
	return ectx.requeues
}

func (ectx *executionContext) setStopWait(fn context.CancelFunc) {
	ectx.mu.Lock()
	ectx.stopWait = fn
	ectx.mu.Unlock()
}

// abortWait unblocks a dispatcher parked in worker acquisition.
func (ectx *executionContext) abortWait() {
	ectx.mu.Lock()
	fn := ectx.stopWait
	ectx.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Engine drives accepted jobs from queue to terminal execution state. It
// owns the dispatch queue and the live execution contexts; registries,
// scheduler, store, stream, and fanout are collaborators.
type Engine struct {
	store   storage.Store
	sched   *scheduler.Scheduler
	workers *registry.WorkerRegistry
	ledger  *registry.Ledger
	broker  *fanout.Broker
	sender  Sender
	cfg     Config
	logger  zerolog.Logger

	queue    *dispatchQueue
	finished *cache.Cache

	mu       sync.RWMutex
	live     map[string]*executionContext
	byWorker map[string]*executionContext

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// finishedExecution is what the engine retains after the live context is
// torn down.
type finishedExecution struct {
	State  types.ExecutionState
	Events []types.ExecutionUpdate
	Logs   []types.ExecutionUpdate
}

// New creates the engine. Call Start to launch the dispatchers.
func New(store storage.Store, sched *scheduler.Scheduler, workers *registry.WorkerRegistry, ledger *registry.Ledger, broker *fanout.Broker, sender Sender, cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		sched:    sched,
		workers:  workers,
		ledger:   ledger,
		broker:   broker,
		sender:   sender,
		cfg:      cfg.withDefaults(),
		logger:   log.WithComponent("engine"),
		queue:    newDispatchQueue(),
		finished: cache.New(finishedTTL, finishedSweep),
		live:     make(map[string]*executionContext),
		byWorker: make(map[string]*executionContext),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start recovers orphaned executions and launches the dispatcher pool and
// the gauge collector.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.workers.SetOnWorkerLost(e.handleWorkerLost)
		e.recoverOrphans()
		for i := 0; i < e.cfg.Dispatchers; i++ {
			e.wg.Add(1)
			go e.dispatchLoop()
		}
		e.wg.Add(1)
		go e.collectLoop()

		e.logger.Info().
			Int("dispatchers", e.cfg.Dispatchers).
			Dur("worker_wait", e.cfg.WorkerWait).
			Dur("start_grace", e.cfg.StartGrace).
			Msg("Execution engine started")
	})
}

// Stop halts the dispatchers and waits for in-flight work to unwind.
// Non-terminal executions stay persisted and are settled on the next start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.logger.Info().Msg("Execution engine stopped")
	})
}

// Submit validates and persists the job, creates its first execution, and
// enqueues it for dispatch.
func (e *Engine) Submit(job *types.Job) (*types.Execution, error) {
	if job == nil {
		return nil, errors.Validationf("job must not be nil")
	}
	if job.Priority == 0 {
		job.Priority = types.PriorityNormal
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if _, err := quantity.ParseRequirements(job.ResourceRequirements); err != nil {
		return nil, err
	}
	if err := e.sched.ValidateStrategy(job.Strategy); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = types.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := e.store.CreateJob(job); err != nil {
		return nil, err
	}

	exec := newExecution(job.ID)
	if err := e.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	job.LatestExecutionID = exec.ID
	job.Status = types.JobStatusQueued
	job.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateJob(job); err != nil {
		return nil, err
	}

	e.track(job, exec)
	e.queue.Push(exec.ID, job.Priority)
	metrics.JobsSubmitted.Inc()

	e.logger.Info().
		Str("job_id", job.ID).
		Str("job_name", job.Name).
		Str("execution_id", exec.ID).
		Int("priority", int(job.Priority)).
		Msg("Job submitted")

	cp := *exec
	return &cp, nil
}

// Cancel asks the execution to stop. Idempotent: cancelling an execution
// that is already terminal, or already cancelling, succeeds without effect.
func (e *Engine) Cancel(executionID, reason string) error {
	ectx := e.get(executionID)
	if ectx == nil {
		return e.cancelStored(executionID, reason)
	}
	if !ectx.requestCancel(reason) {
		return nil
	}
	if ectx.machine.Terminal() {
		return nil
	}

	if ectx.machine.Current() == types.ExecutionStateCreated {
		// Still queued: no worker is involved yet.
		msg := errors.CodeCancelled
		if reason != "" {
			msg += ": " + reason
		}
		ectx.setErrorMessage(msg)
		if err := e.applyState(ectx, types.ExecutionStateCancelled); err != nil {
			return nil
		}
		ectx.abortWait()
		e.finalize(ectx)
		return nil
	}

	workerID := ectx.worker()
	if workerID != "" {
		env, err := protocol.NewEnvelope(protocol.TypeCancelSignal, &protocol.CancelSignal{Reason: reason})
		if err == nil {
			if sendErr := e.sender.Send(workerID, env); sendErr != nil {
				e.logger.Warn().Err(sendErr).
					Str("execution_id", executionID).
					Str("worker_id", workerID).
					Msg("Cancel signal undeliverable")
			}
		}
	}

	e.logger.Info().
		Str("execution_id", executionID).
		Str("reason", reason).
		Msg("Cancellation requested")

	e.wg.Add(1)
	go e.cancelGraceWatch(ectx, workerID)
	return nil
}

// cancelStored settles a cancel against a record with no live context.
func (e *Engine) cancelStored(executionID, reason string) error {
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if terminalRecord(exec) {
		return nil
	}

	now := time.Now().UTC()
	exec.Status = types.ExecutionStatusCancelled
	exec.State = types.ExecutionStateCancelled
	exec.ErrorMessage = errors.CodeCancelled
	if reason != "" {
		exec.ErrorMessage += ": " + reason
	}
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(exec); err != nil {
		return errors.OperationFailed(err, "persist cancelled execution")
	}

	e.broker.Publish(types.ExecutionUpdate{
		ExecutionID: exec.ID,
		JobID:       exec.JobID,
		Kind:        types.UpdateKindEvent,
		Timestamp:   now,
		EventType:   types.EventExecutionCancelled,
		State:       exec.State,
		Message:     exec.ErrorMessage,
		Final:       true,
	})

	if job, jobErr := e.store.GetJob(exec.JobID); jobErr == nil {
		if types.ValidJobTransition(job.Status, types.JobStatusCancelled) {
			job.Status = types.JobStatusCancelled
			job.UpdatedAt = now
			if job.CompletedAt == nil {
				job.CompletedAt = &now
			}
			if err := e.store.UpdateJob(job); err != nil {
				e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist job state")
			}
		}
	}

	e.logger.Info().Str("execution_id", executionID).Msg("Stored execution cancelled")
	return nil
}

// cancelGraceWatch forces the execution into CANCELLED if the worker does
// not return a terminal result within the grace period.
func (e *Engine) cancelGraceWatch(ectx *executionContext, workerID string) {
	defer e.wg.Done()

	timer := time.NewTimer(e.cfg.CancelGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.ctx.Done():
		return
	}

	if ectx.machine.Terminal() {
		return
	}
	ectx.setErrorMessage(errors.CodeCancelled + ": cancel grace expired")
	if err := e.applyState(ectx, types.ExecutionStateCancelled); err != nil {
		return
	}
	if workerID != "" {
		e.sender.Disconnect(workerID, "cancel grace expired")
	}
	e.logger.Warn().
		Str("execution_id", ectx.id).
		Str("worker_id", workerID).
		Msg("Cancel grace expired, execution forced CANCELLED")
	// The dispatcher observes the terminal transition and finalizes.
}

// ActiveExecutions snapshots every live execution context.
func (e *Engine) ActiveExecutions() []*ExecutionContext {
	e.mu.RLock()
	ctxs := make([]*executionContext, 0, len(e.live))
	for _, ectx := range e.live {
		ctxs = append(ctxs, ectx)
	}
	e.mu.RUnlock()

	out := make([]*ExecutionContext, 0, len(ctxs))
	for _, ectx := range ctxs {
		exec := ectx.executionSnapshot()
		job := ectx.jobSnapshot()
		out = append(out, &ExecutionContext{
			Execution: &exec,
			Job:       &job,
			WorkerID:  ectx.worker(),
			Events:    ectx.events.Snapshot(),
			Logs:      ectx.logs.Snapshot(),
		})
	}
	return out
}

// Logs returns the retained log window for a live or recently finished
// execution. An execution outside the retention window returns empty.
func (e *Engine) Logs(executionID string) ([]types.ExecutionUpdate, error) {
	if ectx := e.get(executionID); ectx != nil {
		return ectx.logs.Snapshot(), nil
	}
	if v, ok := e.finished.Get(executionID); ok {
		return v.(*finishedExecution).Logs, nil
	}
	if _, err := e.store.GetExecution(executionID); err != nil {
		return nil, err
	}
	return nil, nil
}

// Events returns the retained event window for a live or recently finished
// execution.
func (e *Engine) Events(executionID string) ([]types.ExecutionUpdate, error) {
	if ectx := e.get(executionID); ectx != nil {
		return ectx.events.Snapshot(), nil
	}
	if v, ok := e.finished.Get(executionID); ok {
		return v.(*finishedExecution).Events, nil
	}
	if _, err := e.store.GetExecution(executionID); err != nil {
		return nil, err
	}
	return nil, nil
}

// track registers a live context for the execution.
func (e *Engine) track(job *types.Job, exec *types.Execution) *executionContext {
	ectx := &executionContext{
		id:        exec.ID,
		machine:   state.NewMachine(exec.ID),
		events:    newUpdateRing(eventRingSize),
		logs:      newUpdateRing(logRingSize),
		execution: exec,
		job:       job,
	}
	e.mu.Lock()
	e.live[exec.ID] = ectx
	e.mu.Unlock()
	return ectx
}

func (e *Engine) get(executionID string) *executionContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live[executionID]
}

func (e *Engine) byWorkerCtx(workerID string) *executionContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byWorker[workerID]
}

func (e *Engine) removeByWorker(workerID string, ectx *executionContext) {
	e.mu.Lock()
	if e.byWorker[workerID] == ectx {
		delete(e.byWorker, workerID)
	}
	e.mu.Unlock()
}

// applyState drives the machine and mirrors the new state onto the
// persisted record. Non-terminal job projections happen here; terminal
// projection, with its retry decision, belongs to finalize.
func (e *Engine) applyState(ectx *executionContext, to types.ExecutionState) error {
	if err := ectx.machine.Apply(to); err != nil {
		return err
	}
	e.applyRecord(ectx, to)
	if !types.IsTerminalExecutionState(to) {
		e.projectJob(ectx, types.JobStatusForExecutionState(to))
	}
	return nil
}

// applyRecord mirrors a machine state onto the stored execution record.
func (e *Engine) applyRecord(ectx *executionContext, to types.ExecutionState) {
	now := time.Now().UTC()
	ectx.mu.Lock()
	exec := ectx.execution
	exec.State = to
	exec.Status = types.ExecutionStatusForState(to)
	exec.UpdatedAt = now
	if to == types.ExecutionStateStarted && exec.StartedAt == nil {
		t := now
		exec.StartedAt = &t
	}
	if types.IsTerminalExecutionState(to) && exec.CompletedAt == nil {
		t := now
		exec.CompletedAt = &t
	}
	cp := *exec
	ectx.mu.Unlock()

	if err := e.store.UpdateExecution(&cp); err != nil {
		e.logger.Warn().Err(err).Str("execution_id", cp.ID).Msg("Failed to persist execution state")
	}
}

// projectJob moves the job to the given status when the transition table
// allows it.
func (e *Engine) projectJob(ectx *executionContext, status types.JobStatus) {
	ectx.mu.Lock()
	job := ectx.job
	if job.Status == status || !types.ValidJobTransition(job.Status, status) {
		ectx.mu.Unlock()
		return
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	cp := *job
	ectx.mu.Unlock()

	if err := e.store.UpdateJob(&cp); err != nil {
		e.logger.Warn().Err(err).Str("job_id", cp.ID).Msg("Failed to persist job state")
	}
}

// publishEvent fans out a progress event and retains it in the context's
// event window. Publishes and the finalized flag share the context lock so
// no update can trail the final one.
func (e *Engine) publishEvent(ectx *executionContext, eventType types.EventType, message string, ts time.Time, final bool) {
	ectx.mu.Lock()
	if ectx.finalized && !final {
		ectx.mu.Unlock()
		return
	}
	if final {
		ectx.finalized = true
	}
	u := types.ExecutionUpdate{
		ExecutionID: ectx.execution.ID,
		JobID:       ectx.execution.JobID,
		Kind:        types.UpdateKindEvent,
		Timestamp:   ts,
		EventType:   eventType,
		State:       ectx.execution.State,
		Message:     message,
		Final:       final,
	}
	ectx.events.Append(u)
	e.broker.Publish(u)
	ectx.mu.Unlock()
}

// publishLog fans out one log chunk and retains it in the log window.
func (e *Engine) publishLog(ectx *executionContext, stream types.LogStream, content []byte, ts time.Time) {
	ectx.mu.Lock()
	if ectx.finalized {
		ectx.mu.Unlock()
		return
	}
	u := types.ExecutionUpdate{
		ExecutionID: ectx.execution.ID,
		JobID:       ectx.execution.JobID,
		Kind:        types.UpdateKindLog,
		Timestamp:   ts,
		Stream:      stream,
		Content:     content,
	}
	ectx.logs.Append(u)
	e.broker.Publish(u)
	ectx.mu.Unlock()
}

// finalize settles one execution exactly once: releases its reservation
// and worker, publishes the final update, projects the job, and decides
// the retry.
func (e *Engine) finalize(ectx *executionContext) {
	ectx.finalizeOnce.Do(func() { e.doFinalize(ectx) })
}

func (e *Engine) doFinalize(ectx *executionContext) {
	exec := ectx.executionSnapshot()
	workerID := ectx.worker()

	e.ledger.Release(exec.ID)
	if workerID != "" {
		e.workers.Release(workerID)
		e.removeByWorker(workerID, ectx)
	}

	e.publishEvent(ectx, finalEventFor(exec.Status), exec.ErrorMessage, time.Now().UTC(), true)

	target := jobStatusForExecutionStatus(exec.Status)
	retried := false
	if target == types.JobStatusFailed {
		metrics.ExecutionsFailed.Inc()
		ectx.mu.Lock()
		transient := ectx.failure != nil && errors.Transient(ectx.failure)
		withinBudget := ectx.job.RetryCount < ectx.job.MaxRetries
		ectx.mu.Unlock()
		retried = transient && withinBudget
	}

	now := time.Now().UTC()
	ectx.mu.Lock()
	job := ectx.job
	if types.ValidJobTransition(job.Status, target) {
		job.Status = target
	}
	switch target {
	case types.JobStatusCompleted:
		job.ErrorMessage = ""
	default:
		if exec.ErrorMessage != "" {
			job.ErrorMessage = exec.ErrorMessage
		}
	}
	job.UpdatedAt = now
	if !retried && types.IsTerminalJobStatus(job.Status) && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	jobCopy := *job
	ectx.mu.Unlock()

	if err := e.store.UpdateJob(&jobCopy); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobCopy.ID).Msg("Failed to persist job state")
	}

	e.mu.Lock()
	delete(e.live, exec.ID)
	e.mu.Unlock()
	e.finished.SetDefault(exec.ID, &finishedExecution{
		State:  exec.State,
		Events: ectx.events.Snapshot(),
		Logs:   ectx.logs.Snapshot(),
	})

	e.logger.Info().
		Str("execution_id", exec.ID).
		Str("job_id", exec.JobID).
		Str("status", string(exec.Status)).
		Str("error", exec.ErrorMessage).
		Bool("retried", retried).
		Msg("Execution finished")

	if retried {
		e.retryJob(ectx)
	}
}

// retryJob re-queues the job with a fresh execution after a transient
// failure.
func (e *Engine) retryJob(ectx *executionContext) {
	now := time.Now().UTC()
	ectx.mu.Lock()
	job := ectx.job
	job.RetryCount++
	job.Status = types.JobStatusQueued
	job.UpdatedAt = now
	exec := newExecution(job.ID)
	job.LatestExecutionID = exec.ID
	jobCopy := *job
	ectx.mu.Unlock()

	if err := e.store.CreateExecution(exec); err != nil {
		e.logger.Error().Err(err).Str("job_id", jobCopy.ID).Msg("Failed to persist retry execution")
		return
	}
	if err := e.store.UpdateJob(&jobCopy); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobCopy.ID).Msg("Failed to persist job state")
	}

	e.track(job, exec)
	e.queue.Push(exec.ID, jobCopy.Priority)
	metrics.JobsRetried.Inc()

	e.logger.Info().
		Str("job_id", jobCopy.ID).
		Str("execution_id", exec.ID).
		Int("retry_count", jobCopy.RetryCount).
		Int("max_retries", jobCopy.MaxRetries).
		Msg("Job retry scheduled")
}

// failUnassigned fails an execution that never reached a worker. The
// machine has no failure edge out of CREATED, so the record is settled
// directly.
func (e *Engine) failUnassigned(ectx *executionContext, code string, cause error) {
	if ectx.machine.Terminal() {
		e.finalize(ectx)
		return
	}
	ectx.setFailure(cause)
	msg := code
	if cause != nil {
		msg = code + ": " + cause.Error()
	}

	now := time.Now().UTC()
	ectx.mu.Lock()
	exec := ectx.execution
	if terminalRecord(exec) {
		ectx.mu.Unlock()
		e.finalize(ectx)
		return
	}
	exec.Status = types.ExecutionStatusFailed
	exec.ErrorMessage = msg
	exec.UpdatedAt = now
	if exec.CompletedAt == nil {
		exec.CompletedAt = &now
	}
	cp := *exec
	ectx.mu.Unlock()

	if err := e.store.UpdateExecution(&cp); err != nil {
		e.logger.Warn().Err(err).Str("execution_id", cp.ID).Msg("Failed to persist execution state")
	}

	e.logger.Warn().
		Str("execution_id", cp.ID).
		Str("job_id", cp.JobID).
		Str("error", msg).
		Msg("Execution failed before assignment")

	e.finalize(ectx)
}

// failWorkerExecution fails the execution a lost or displaced worker was
// running. Idempotent: a terminal machine absorbs it.
func (e *Engine) failWorkerExecution(workerID, executionID, code string, cause error) {
	ectx := e.get(executionID)
	if ectx == nil || ectx.machine.Terminal() {
		return
	}
	ectx.setFailure(cause)
	ectx.setErrorMessage(code)
	if err := e.applyState(ectx, failureStateFor(ectx.machine.Current())); err != nil {
		return
	}
	e.logger.Warn().
		Str("execution_id", executionID).
		Str("worker_id", workerID).
		Str("error", code).
		Msg("Worker lost, execution failed")
	// The owning dispatcher observes the terminal transition and finalizes.
}

// failureStateFor maps a live machine state to its lawful failure edge.
// ASSIGNED has no FAILED edge; TIMEOUT is its never-started terminal.
func failureStateFor(s types.ExecutionState) types.ExecutionState {
	if s == types.ExecutionStateAssigned {
		return types.ExecutionStateTimeout
	}
	return types.ExecutionStateFailed
}

func newExecution(jobID string) *types.Execution {
	now := time.Now().UTC()
	return &types.Execution{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Status:    types.ExecutionStatusPending,
		State:     types.ExecutionStateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func terminalRecord(exec *types.Execution) bool {
	switch exec.Status {
	case types.ExecutionStatusSuccess, types.ExecutionStatusFailed, types.ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// jobStatusForExecutionStatus projects a terminal execution record onto
// its job. Record status is used rather than machine state because
// pre-assignment failures never leave CREATED.
func jobStatusForExecutionStatus(s types.ExecutionStatus) types.JobStatus {
	switch s {
	case types.ExecutionStatusSuccess:
		return types.JobStatusCompleted
	case types.ExecutionStatusCancelled:
		return types.JobStatusCancelled
	default:
		return types.JobStatusFailed
	}
}

func finalEventFor(s types.ExecutionStatus) types.EventType {
	switch s {
	case types.ExecutionStatusSuccess:
		return types.EventExecutionCompleted
	case types.ExecutionStatusCancelled:
		return types.EventExecutionCancelled
	default:
		return types.EventExecutionFailed
	}
}
