package types

// JobStatus is the coarse lifecycle of a Job aggregate.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// jobTransitions is the job lifecycle kept as data. QUEUED↔PENDING both
// ways exists because the execution projection maps ASSIGNED back to
// PENDING while a requeue returns the job to QUEUED; FAILED→QUEUED is the
// retry edge, guarded separately by the retry budget.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusQueued, JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusQueued:    {JobStatusPending, JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusFailed:    {JobStatusQueued},
	JobStatusCompleted: nil,
	JobStatusCancelled: nil,
}

// ValidJobTransition reports whether from→to is a lawful job move.
// Same-state transitions are lawful no-ops (at-least-once delivery).
func ValidJobTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalJobStatus reports a job state with no outgoing edges except
// the retry edge out of FAILED.
func IsTerminalJobStatus(s JobStatus) bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ExecutionState is the fine-grained per-execution machine state.
type ExecutionState string

const (
	ExecutionStateCreated   ExecutionState = "CREATED"
	ExecutionStateAssigned  ExecutionState = "ASSIGNED"
	ExecutionStateStarted   ExecutionState = "STARTED"
	ExecutionStateCompleted ExecutionState = "COMPLETED"
	ExecutionStateFailed    ExecutionState = "FAILED"
	ExecutionStateCancelled ExecutionState = "CANCELLED"
	ExecutionStateTimeout   ExecutionState = "TIMEOUT"
)

// executionTransitions is the machine's transition table as data. Any
// pair absent here is refused.
var executionTransitions = map[ExecutionState][]ExecutionState{
	ExecutionStateCreated:   {ExecutionStateAssigned, ExecutionStateCancelled},
	ExecutionStateAssigned:  {ExecutionStateStarted, ExecutionStateCancelled, ExecutionStateTimeout},
	ExecutionStateStarted:   {ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateCancelled, ExecutionStateTimeout},
	ExecutionStateCompleted: nil,
	ExecutionStateFailed:    nil,
	ExecutionStateCancelled: nil,
	ExecutionStateTimeout:   nil,
}

// ValidExecutionTransition reports whether from→to is lawful. Same-state
// re-application is lawful (idempotent redelivery).
func ValidExecutionTransition(from, to ExecutionState) bool {
	if from == to {
		return true
	}
	for _, next := range executionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalExecutionState reports a machine state with no successors.
func IsTerminalExecutionState(s ExecutionState) bool {
	switch s {
	case ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateCancelled, ExecutionStateTimeout:
		return true
	default:
		return false
	}
}

// ExecutionStatus is the coarse persisted execution record status.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess   ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// ExecutionStatusForState projects a machine state onto the persisted
// record status.
func ExecutionStatusForState(s ExecutionState) ExecutionStatus {
	switch s {
	case ExecutionStateStarted:
		return ExecutionStatusRunning
	case ExecutionStateCompleted:
		return ExecutionStatusSuccess
	case ExecutionStateFailed, ExecutionStateTimeout:
		return ExecutionStatusFailed
	case ExecutionStateCancelled:
		return ExecutionStatusCancelled
	default:
		return ExecutionStatusPending
	}
}

// JobStatusForExecutionState projects a machine state onto the owning
// job's status.
func JobStatusForExecutionState(s ExecutionState) JobStatus {
	switch s {
	case ExecutionStateCreated:
		return JobStatusQueued
	case ExecutionStateAssigned:
		return JobStatusPending
	case ExecutionStateStarted:
		return JobStatusRunning
	case ExecutionStateCompleted:
		return JobStatusCompleted
	case ExecutionStateFailed, ExecutionStateTimeout:
		return JobStatusFailed
	case ExecutionStateCancelled:
		return JobStatusCancelled
	default:
		return JobStatusQueued
	}
}

// WorkerStatus is a worker host's lifecycle state.
type WorkerStatus string

const (
	WorkerStatusProvisioning WorkerStatus = "PROVISIONING"
	WorkerStatusIdle         WorkerStatus = "IDLE"
	WorkerStatusBusy         WorkerStatus = "BUSY"
	WorkerStatusOffline      WorkerStatus = "OFFLINE"
	WorkerStatusTerminating  WorkerStatus = "TERMINATING"
	WorkerStatusFailed       WorkerStatus = "FAILED"
)

// IsTerminalWorkerStatus reports worker states a re-registration may not
// resurrect.
func IsTerminalWorkerStatus(s WorkerStatus) bool {
	return s == WorkerStatusTerminating || s == WorkerStatusFailed
}

// PoolStatus is a resource pool's administrative state.
type PoolStatus string

const (
	PoolStatusActive      PoolStatus = "ACTIVE"
	PoolStatusDraining    PoolStatus = "DRAINING"
	PoolStatusTerminating PoolStatus = "TERMINATING"
	PoolStatusSuspended   PoolStatus = "SUSPENDED"
)

// EventType tags execution progress events on the stream and in fanout.
type EventType string

const (
	EventStatusUpdate       EventType = "STATUS_UPDATE"
	EventStageStarted       EventType = "STAGE_STARTED"
	EventStageCompleted     EventType = "STAGE_COMPLETED"
	EventStepStarted        EventType = "STEP_STARTED"
	EventStepCompleted      EventType = "STEP_COMPLETED"
	EventExecutionStarted   EventType = "EXECUTION_STARTED"
	EventExecutionCompleted EventType = "EXECUTION_COMPLETED"
	EventExecutionFailed    EventType = "EXECUTION_FAILED"
	EventExecutionCancelled EventType = "EXECUTION_CANCELLED"
)

// LogStream distinguishes the origin of a log chunk.
type LogStream string

const (
	LogStreamStdout LogStream = "STDOUT"
	LogStreamStderr LogStream = "STDERR"
	LogStreamSystem LogStream = "SYSTEM"
)
