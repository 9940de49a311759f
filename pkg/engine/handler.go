package engine

import (
	"fmt"
	"time"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/stream"
	"github.com/droverhq/drover/pkg/types"
)

// The engine is the hub's inbound handler; the hub is the engine's sender.
var (
	_ stream.Handler = (*Engine)(nil)
	_ Sender         = (*stream.Hub)(nil)
)

// OnRegister admits a worker to its pool. A returning worker does not
// resume: any execution still bound to its ID died with the old stream and
// is failed before the fresh registration lands.
func (e *Engine) OnRegister(workerID, poolID string, caps types.WorkerCapabilities) error {
	e.failDangling(workerID)
	if _, err := e.workers.Register(workerID, poolID, caps); err != nil {
		return err
	}
	e.logger.Info().
		Str("worker_id", workerID).
		Str("pool_id", poolID).
		Msg("Worker registered")
	return nil
}

// failDangling settles an execution still bound to a worker ID that is
// registering anew.
func (e *Engine) failDangling(workerID string) {
	executionID := ""
	if ectx := e.byWorkerCtx(workerID); ectx != nil {
		executionID = ectx.id
	} else if w, err := e.workers.Get(workerID); err == nil {
		executionID = w.ActiveExecutionID
	}
	if executionID == "" {
		return
	}
	e.failWorkerExecution(workerID, executionID, errors.CodeWorkerDisconnected,
		errors.WorkerDisconnectedf("worker %s reconnected without its execution", workerID))
}

// OnStatusUpdate applies worker progress to the bound execution.
// EXECUTION_STARTED drives the state machine; every update lands in the
// event ring and the fanout.
func (e *Engine) OnStatusUpdate(workerID string, update *protocol.StatusUpdate) {
	ectx := e.byWorkerCtx(workerID)
	if ectx == nil {
		e.logger.Debug().
			Str("worker_id", workerID).
			Str("event_type", string(update.EventType)).
			Msg("Status update without bound execution")
		return
	}

	if update.EventType == types.EventExecutionStarted {
		if err := e.applyState(ectx, types.ExecutionStateStarted); err != nil {
			e.logger.Debug().Err(err).
				Str("execution_id", ectx.id).
				Msg("Started transition rejected")
		} else {
			e.ledger.Activate(ectx.id)
		}
	}

	e.publishEvent(ectx, update.EventType, update.Message, payloadTime(update.Timestamp), false)
}

// OnLogChunk appends process output to the bound execution's log ring and
// fanout.
func (e *Engine) OnLogChunk(workerID string, chunk *protocol.LogChunk) {
	ectx := e.byWorkerCtx(workerID)
	if ectx == nil {
		e.logger.Debug().Str("worker_id", workerID).Msg("Log chunk without bound execution")
		return
	}
	e.publishLog(ectx, chunk.Stream, chunk.Content, payloadTime(chunk.Timestamp))
}

// OnExecutionResult settles the bound execution with the worker's verdict.
// A failed verdict after a cancel request counts as the cancel landing.
func (e *Engine) OnExecutionResult(workerID string, result *protocol.ExecutionResult) {
	ectx := e.byWorkerCtx(workerID)
	if ectx == nil {
		e.logger.Debug().Str("worker_id", workerID).Msg("Result without bound execution")
		return
	}

	exitCode := result.ExitCode
	ectx.mu.Lock()
	ectx.execution.ExitCode = &exitCode
	cancelled := ectx.cancelRequested && !result.Success
	reason := ectx.cancelReason
	ectx.mu.Unlock()

	switch {
	case cancelled:
		msg := errors.CodeCancelled
		if reason != "" {
			msg += ": " + reason
		}
		ectx.setErrorMessage(msg)
		_ = e.applyState(ectx, types.ExecutionStateCancelled)
	case result.Success:
		_ = e.applyState(ectx, types.ExecutionStateCompleted)
	default:
		msg := result.Details
		if msg == "" {
			msg = fmt.Sprintf("task exited with code %d", result.ExitCode)
		}
		// A worker verdict is the job's own fault; it never retries.
		ectx.setFailure(errors.Newf("%s", msg))
		ectx.setErrorMessage(msg)
		_ = e.applyState(ectx, types.ExecutionStateFailed)
	}
}

// OnHeartbeat refreshes the worker's liveness deadline.
func (e *Engine) OnHeartbeat(workerID string) {
	if err := e.workers.Heartbeat(workerID); err != nil {
		e.logger.Debug().Err(err).Str("worker_id", workerID).Msg("Heartbeat rejected")
	}
}

// OnAck settles a pending acknowledgment on the worker's bound execution.
func (e *Engine) OnAck(workerID, messageID string) {
	ectx := e.byWorkerCtx(workerID)
	if ectx == nil {
		e.logger.Debug().Str("worker_id", workerID).Msg("Ack without bound execution")
		return
	}
	if !ectx.machine.Acknowledge(messageID) {
		e.logger.Debug().
			Str("execution_id", ectx.id).
			Str("message_id", messageID).
			Msg("Ack for unknown message")
	}
}

// OnDisconnect marks the worker offline and arms the loss watch for its
// bound execution. The failure lands only after the heartbeat window, on
// the same clock as a silently stalled worker's.
func (e *Engine) OnDisconnect(workerID string) {
	worker, err := e.workers.MarkOffline(workerID)
	if err != nil {
		return
	}

	executionID := worker.ActiveExecutionID
	if executionID == "" {
		if ectx := e.byWorkerCtx(workerID); ectx != nil {
			executionID = ectx.id
		}
	}
	if executionID == "" {
		return
	}

	e.logger.Warn().
		Str("worker_id", workerID).
		Str("execution_id", executionID).
		Dur("grace", e.cfg.HeartbeatTimeout).
		Msg("Worker disconnected with active execution")

	if e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go e.lostWorkerWatch(workerID, executionID)
}

// lostWorkerWatch fails the execution if its worker stays offline past the
// heartbeat window.
func (e *Engine) lostWorkerWatch(workerID, executionID string) {
	defer e.wg.Done()

	timer := time.NewTimer(e.cfg.HeartbeatTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.ctx.Done():
		return
	}

	if w, err := e.workers.Get(workerID); err == nil && w.Status != types.WorkerStatusOffline {
		// Reconnected in time.
		return
	}
	e.failWorkerExecution(workerID, executionID, errors.CodeWorkerLost,
		errors.WorkerLostf("worker %s offline past heartbeat window", workerID))
}

// handleWorkerLost is the registry reaper's callback for workers whose
// heartbeats lapsed without a disconnect, such as a half-open connection.
func (e *Engine) handleWorkerLost(workerID, executionID string) {
	e.failWorkerExecution(workerID, executionID, errors.CodeWorkerLost,
		errors.WorkerLostf("worker %s heartbeat lapsed", workerID))
}

// payloadTime converts a wire timestamp in unix milliseconds, falling back
// to now for zero values.
func payloadTime(millis int64) time.Time {
	if millis == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(millis).UTC()
}
