package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/errors"
)

// Type discriminates envelope payloads.
type Type string

// Worker → orchestrator message types.
const (
	TypeRegister        Type = "REGISTER"
	TypeStatusUpdate    Type = "STATUS_UPDATE"
	TypeLogChunk        Type = "LOG_CHUNK"
	TypeExecutionResult Type = "EXECUTION_RESULT"
	TypeHeartbeat       Type = "HEARTBEAT"
)

// Orchestrator → worker message types.
const (
	TypeExecutionAssignment Type = "EXECUTION_ASSIGNMENT"
	TypeCancelSignal        Type = "CANCEL_SIGNAL"
	TypeHealthProbe         Type = "HEALTH_PROBE"
)

// Envelope frames every stream message in both directions. Payload is a
// tagged union over Type. Acknowledgments ride the envelope: a message sent
// with RequiresAck names itself via MessageID, and any later envelope from
// the peer may settle it by carrying that id in Ack.
type Envelope struct {
	MessageID   string          `json:"messageId"`
	Timestamp   int64           `json:"timestamp"` // unix milliseconds
	Type        Type            `json:"type"`
	RequiresAck bool            `json:"requiresAck,omitempty"`
	Ack         string          `json:"ack,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload with a fresh message id and timestamp.
func NewEnvelope(t Type, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Type:      t,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.OperationFailed(err, "marshal payload")
		}
		env.Payload = raw
	}
	return env, nil
}

// Validate checks the frame invariants shared by both directions.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return errors.ProtocolViolationf("envelope has no messageId")
	}
	if !IsWorkerType(e.Type) && !IsOrchestratorType(e.Type) {
		return errors.ProtocolViolationf("unknown message type %q", e.Type)
	}
	return nil
}

// IsWorkerType reports worker → orchestrator types.
func IsWorkerType(t Type) bool {
	switch t {
	case TypeRegister, TypeStatusUpdate, TypeLogChunk, TypeExecutionResult, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// IsOrchestratorType reports orchestrator → worker types.
func IsOrchestratorType(t Type) bool {
	switch t {
	case TypeExecutionAssignment, TypeCancelSignal, TypeHealthProbe:
		return true
	default:
		return false
	}
}

// decode unmarshals the payload after checking the discriminator.
func (e *Envelope) decode(want Type, into interface{}) error {
	if e.Type != want {
		return errors.ProtocolViolationf("expected %s, got %s", want, e.Type)
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return errors.ProtocolViolationf("malformed %s payload: %v", want, err)
	}
	return nil
}

// DecodeRegister returns the register payload.
func (e *Envelope) DecodeRegister() (*RegisterRequest, error) {
	var p RegisterRequest
	if err := e.decode(TypeRegister, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeStatusUpdate returns the status-update payload.
func (e *Envelope) DecodeStatusUpdate() (*StatusUpdate, error) {
	var p StatusUpdate
	if err := e.decode(TypeStatusUpdate, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeLogChunk returns the log-chunk payload.
func (e *Envelope) DecodeLogChunk() (*LogChunk, error) {
	var p LogChunk
	if err := e.decode(TypeLogChunk, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeExecutionResult returns the execution-result payload.
func (e *Envelope) DecodeExecutionResult() (*ExecutionResult, error) {
	var p ExecutionResult
	if err := e.decode(TypeExecutionResult, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeHeartbeat returns the heartbeat payload.
func (e *Envelope) DecodeHeartbeat() (*Heartbeat, error) {
	var p Heartbeat
	if err := e.decode(TypeHeartbeat, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeExecutionAssignment returns the assignment payload.
func (e *Envelope) DecodeExecutionAssignment() (*ExecutionAssignment, error) {
	var p ExecutionAssignment
	if err := e.decode(TypeExecutionAssignment, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeCancelSignal returns the cancel payload.
func (e *Envelope) DecodeCancelSignal() (*CancelSignal, error) {
	var p CancelSignal
	if err := e.decode(TypeCancelSignal, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeHealthProbe returns the health-probe payload.
func (e *Envelope) DecodeHealthProbe() (*HealthProbe, error) {
	var p HealthProbe
	if err := e.decode(TypeHealthProbe, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
