package protocol

import (
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// RegisterRequest announces a worker on a fresh stream. It MUST be the
// first message on the connection.
type RegisterRequest struct {
	WorkerID     string                   `json:"workerId"`
	PoolID       string                   `json:"poolId"`
	Capabilities types.WorkerCapabilities `json:"capabilities"`
}

// StatusUpdate reports execution progress. The orchestrator resolves the
// owning execution from the worker's active assignment.
type StatusUpdate struct {
	EventType types.EventType `json:"eventType"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// LogChunk carries raw process output. Content is base64 on the wire.
type LogChunk struct {
	Stream    types.LogStream `json:"stream"`
	Content   []byte          `json:"content"`
	Timestamp int64           `json:"timestamp"`
}

// ExecutionResult is the worker's terminal verdict for its assignment.
type ExecutionResult struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Details  string `json:"details,omitempty"`
}

// Heartbeat keeps the worker's liveness fresh. It doubles as the carrier
// for standalone acknowledgments (the envelope's Ack field).
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// ExecutionAssignment hands a definition to a worker.
type ExecutionAssignment struct {
	ExecutionID string     `json:"executionId"`
	JobID       string     `json:"jobId"`
	Definition  Definition `json:"definition"`
}

// Definition is the self-contained work order: everything the worker needs
// to run the pipeline without calling back.
type Definition struct {
	JobName         string            `json:"jobName"`
	TemplateID      string            `json:"templateId,omitempty"`
	TemplateVersion string            `json:"templateVersion,omitempty"`
	Tasks           []types.Task      `json:"tasks"`
	Env             map[string]string `json:"env,omitempty"`
}

// CancelSignal asks a worker to stop its active execution.
type CancelSignal struct {
	Reason string `json:"reason,omitempty"`
}

// HealthProbe is an orchestrator-initiated liveness poke.
type HealthProbe struct {
	Timestamp int64 `json:"timestamp"`
}

// NowMillis is the payload timestamp convention: unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
