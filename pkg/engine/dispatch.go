package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/quantity"
	"github.com/droverhq/drover/pkg/types"
)

// dispatchLoop pops accepted executions until the engine stops.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		executionID, err := e.queue.Pop(e.ctx)
		if err != nil {
			return
		}
		ectx := e.get(executionID)
		if ectx == nil {
			// Finalized while queued.
			continue
		}
		e.dispatch(ectx)
	}
}

// startOutcome is awaitStart's verdict.
type startOutcome int

const (
	startOutcomeStarted startOutcome = iota
	startOutcomeTerminal
	startOutcomeTimeout
	startOutcomeShutdown
)

// dispatch drives one execution from the queue to a terminal state:
// placement, reservation, worker acquisition, assignment, start grace, and
// the stream to completion.
func (e *Engine) dispatch(ectx *executionContext) {
	if ectx.machine.Terminal() {
		e.finalize(ectx)
		return
	}

	job := ectx.jobSnapshot()

	reqs, err := quantity.ParseRequirements(job.ResourceRequirements)
	if err != nil {
		e.failUnassigned(ectx, errors.CodePlacementFailed, err)
		return
	}

	pool, err := e.sched.FindPlacement(e.ctx, &job)
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.failUnassigned(ectx, errors.CodePlacementFailed, err)
		return
	}

	if err := e.ledger.Reserve(pool.ID, ectx.id, reqs); err != nil {
		if errors.IsKind(err, errors.KindInsufficientResources) {
			// Admission raced between check and reserve; the job stays
			// QUEUED and comes back after a backoff.
			e.requeue(ectx, err)
			return
		}
		e.failUnassigned(ectx, errors.CodePlacementFailed, err)
		return
	}
	if ectx.machine.Terminal() {
		e.finalize(ectx)
		return
	}
	e.recordPool(ectx, pool.ID)

	waitCtx, cancelWait := context.WithCancel(e.ctx)
	ectx.setStopWait(cancelWait)
	worker, err := e.workers.AwaitAvailable(waitCtx, pool.ID, reqs, toolsFor(&job), ectx.id, e.cfg.WorkerWait)
	ectx.setStopWait(nil)
	cancelWait()
	if err != nil {
		if e.ctx.Err() != nil {
			e.ledger.Release(ectx.id)
			return
		}
		if ectx.machine.Terminal() {
			e.finalize(ectx)
			return
		}
		e.failUnassigned(ectx, errors.CodeNoWorker, err)
		return
	}

	ectx.setWorker(worker.ID)
	e.mu.Lock()
	e.byWorker[worker.ID] = ectx
	e.mu.Unlock()

	if err := e.applyState(ectx, types.ExecutionStateAssigned); err != nil {
		// Lost to a concurrent cancel; finalize releases the reservation
		// and the worker.
		e.finalize(ectx)
		return
	}
	metrics.ExecutionsAssigned.Inc()

	feed := ectx.machine.Subscribe()

	if ectx.machine.Terminal() {
		e.finalize(ectx)
		return
	}
	if err := e.sendAssignment(ectx, &job, worker.ID); err != nil {
		ectx.setFailure(err)
		ectx.setErrorMessage(errors.CodeWorkerDisconnected)
		_ = e.applyState(ectx, types.ExecutionStateTimeout)
		e.finalize(ectx)
		return
	}

	e.logger.Info().
		Str("execution_id", ectx.id).
		Str("job_id", job.ID).
		Str("worker_id", worker.ID).
		Str("pool_id", pool.ID).
		Msg("Execution assigned")
	e.publishEvent(ectx, types.EventStatusUpdate,
		fmt.Sprintf("assigned to worker %s", worker.ID), time.Now().UTC(), false)

	switch e.awaitStart(feed) {
	case startOutcomeStarted:
		// Running; stream below.
	case startOutcomeTerminal:
		e.signalCancel(worker.ID, "execution terminated before start")
		e.finalize(ectx)
		return
	case startOutcomeShutdown:
		return
	case startOutcomeTimeout:
		ectx.setFailure(errors.Timeoutf("worker did not start execution within %s", e.cfg.StartGrace))
		ectx.setErrorMessage(errors.CodeStartTimeout)
		if err := e.applyState(ectx, types.ExecutionStateTimeout); err == nil {
			e.signalCancel(worker.ID, "start grace expired")
		}
		e.finalize(ectx)
		return
	}

	e.streamUntilTerminal(feed)
	if e.ctx.Err() != nil {
		// Shutdown: the record stays non-terminal and is recovered on the
		// next start.
		return
	}
	e.finalize(ectx)
}

// sendAssignment enqueues the work order on the worker's stream. The
// assignment demands an acknowledgment; the machine tracks the debt.
func (e *Engine) sendAssignment(ectx *executionContext, job *types.Job, workerID string) error {
	env, err := protocol.NewEnvelope(protocol.TypeExecutionAssignment, &protocol.ExecutionAssignment{
		ExecutionID: ectx.id,
		JobID:       job.ID,
		Definition:  definitionFor(job),
	})
	if err != nil {
		return err
	}
	env.RequiresAck = true
	ectx.machine.RequireAck(env.MessageID)
	return e.sender.Send(workerID, env)
}

// signalCancel sends a best-effort cancel to the worker.
func (e *Engine) signalCancel(workerID, reason string) {
	env, err := protocol.NewEnvelope(protocol.TypeCancelSignal, &protocol.CancelSignal{Reason: reason})
	if err != nil {
		return
	}
	if err := e.sender.Send(workerID, env); err != nil {
		e.logger.Debug().Err(err).Str("worker_id", workerID).Msg("Cancel signal undeliverable")
	}
}

// awaitStart waits for the worker's STARTED transition within the start
// grace.
func (e *Engine) awaitStart(feed <-chan types.ExecutionState) startOutcome {
	timer := time.NewTimer(e.cfg.StartGrace)
	defer timer.Stop()

	for {
		select {
		case st, ok := <-feed:
			if !ok {
				return startOutcomeTerminal
			}
			if st == types.ExecutionStateStarted {
				return startOutcomeStarted
			}
			if types.IsTerminalExecutionState(st) {
				return startOutcomeTerminal
			}
		case <-timer.C:
			return startOutcomeTimeout
		case <-e.ctx.Done():
			return startOutcomeShutdown
		}
	}
}

// streamUntilTerminal blocks until the machine feed closes.
func (e *Engine) streamUntilTerminal(feed <-chan types.ExecutionState) {
	for {
		select {
		case _, ok := <-feed:
			if !ok {
				return
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// requeue sends the execution back to the queue after the reservation lost
// an admission race. The delay grows exponentially per attempt.
func (e *Engine) requeue(ectx *executionContext, cause error) {
	attempt := ectx.bumpRequeue()
	delay := backoffDelay(e.cfg.RequeueBackoff, e.cfg.MaxBackoff, attempt)

	e.logger.Debug().
		Str("execution_id", ectx.id).
		Int("attempt", attempt).
		Dur("delay", delay).
		Err(cause).
		Msg("Reservation unavailable, execution requeued")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.queue.Push(ectx.id, ectx.priority())
		case <-e.ctx.Done():
		}
	}()
}

// backoffDelay doubles base per attempt (attempt 1 pays base), capped at
// limit.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// recordPool persists the placement decision on the execution record.
func (e *Engine) recordPool(ectx *executionContext, poolID string) {
	ectx.mu.Lock()
	ectx.execution.PoolID = poolID
	ectx.execution.UpdatedAt = time.Now().UTC()
	cp := *ectx.execution
	ectx.mu.Unlock()

	if err := e.store.UpdateExecution(&cp); err != nil {
		e.logger.Warn().Err(err).Str("execution_id", cp.ID).Msg("Failed to persist execution state")
	}
}

// toolsFor derives the tool requirements from the job's task kinds.
func toolsFor(job *types.Job) []string {
	if job.Spec == nil {
		return nil
	}
	for _, task := range job.Spec.Tasks {
		if task.KotlinScript != nil {
			return []string{"kotlin"}
		}
	}
	return nil
}

// definitionFor builds the self-contained work order a worker runs without
// calling back.
func definitionFor(job *types.Job) protocol.Definition {
	def := protocol.Definition{
		JobName:         job.Name,
		TemplateID:      job.TemplateID,
		TemplateVersion: job.TemplateVersion,
	}
	if job.Spec != nil {
		def.Tasks = job.Spec.Tasks
		def.Env = job.Spec.Env
	}
	return def
}

// recoverOrphans settles executions left non-terminal by a previous
// process. CREATED executions lost nothing and re-enter the queue;
// anything that had reached a worker died with its stream and is failed,
// then retried under the job's budget. Jobs whose latest execution turned
// terminal right before the crash are projected forward.
func (e *Engine) recoverOrphans() {
	execs, err := e.store.ListExecutions()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to list executions for recovery")
		return
	}

	var requeued, failed int
	for _, exec := range execs {
		if terminalRecord(exec) {
			continue
		}
		job, err := e.store.GetJob(exec.JobID)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("execution_id", exec.ID).
				Msg("Orphaned execution has no job")
			continue
		}

		ectx := e.track(job, exec)
		if exec.State == types.ExecutionStateCreated {
			e.queue.Push(exec.ID, job.Priority)
			requeued++
			continue
		}
		// The worker stream died with the previous process.
		exec.WorkerID = ""
		e.failUnassigned(ectx, errors.CodeWorkerLost,
			errors.WorkerLostf("orchestrator restarted during execution"))
		failed++
	}

	e.recoverJobs()

	if requeued > 0 || failed > 0 {
		e.logger.Info().
			Int("requeued", requeued).
			Int("failed", failed).
			Msg("Recovered orphaned executions")
	}
}

// recoverJobs closes the write-order gap where an execution reached a
// terminal record but the crash preceded the job projection. A transient
// failure with retry budget left takes the retry edge instead of settling.
func (e *Engine) recoverJobs() {
	jobs, err := e.store.ListJobs()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to list jobs for recovery")
		return
	}

	for _, job := range jobs {
		if types.IsTerminalJobStatus(job.Status) || job.LatestExecutionID == "" {
			continue
		}
		if e.get(job.LatestExecutionID) != nil {
			// Re-tracked above; the dispatcher owns it.
			continue
		}
		exec, err := e.store.GetExecution(job.LatestExecutionID)
		if err != nil || !terminalRecord(exec) {
			continue
		}

		target := jobStatusForExecutionStatus(exec.Status)
		if !types.ValidJobTransition(job.Status, target) {
			continue
		}
		now := time.Now().UTC()
		if exec.ErrorMessage != "" {
			job.ErrorMessage = exec.ErrorMessage
		}

		if target == types.JobStatusFailed && transientCode(exec.ErrorMessage) &&
			job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.Status = types.JobStatusQueued
			job.UpdatedAt = now
			retry := newExecution(job.ID)
			job.LatestExecutionID = retry.ID
			if err := e.store.CreateExecution(retry); err != nil {
				e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist retry execution")
				continue
			}
			if err := e.store.UpdateJob(job); err != nil {
				e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist job state")
				continue
			}
			e.track(job, retry)
			e.queue.Push(retry.ID, job.Priority)
			metrics.JobsRetried.Inc()
			e.logger.Info().
				Str("job_id", job.ID).
				Str("execution_id", retry.ID).
				Int("retry_count", job.RetryCount).
				Msg("Job retry scheduled after restart")
			continue
		}

		job.Status = target
		job.UpdatedAt = now
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		if err := e.store.UpdateJob(job); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist job state")
			continue
		}
		e.logger.Info().
			Str("job_id", job.ID).
			Str("status", string(target)).
			Msg("Projected job from terminal execution after restart")
	}
}

// transientCode reports whether a recorded failure code names an
// infrastructure fault rather than a verdict from the job itself.
func transientCode(msg string) bool {
	for _, code := range []string{
		errors.CodeWorkerLost,
		errors.CodeWorkerDisconnected,
		errors.CodeNoWorker,
		errors.CodeStartTimeout,
	} {
		if strings.HasPrefix(msg, code) {
			return true
		}
	}
	return false
}
