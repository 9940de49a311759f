package state

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/types"
)

// feedBuffer bounds a subscriber channel. An execution makes at most four
// transitions, so the feed never drops in practice.
const feedBuffer = 8

// Machine is one execution's state machine. It enforces the transition
// table, tracks acknowledgment debt, and feeds state changes to subscribers.
//
// A transition that required an acknowledgment is not durable until the
// matching Acknowledge arrives; HasPendingAcks exposes that debt.
type Machine struct {
	executionID string
	logger      zerolog.Logger

	mu          sync.Mutex
	current     types.ExecutionState
	pendingAcks map[string]struct{}
	subscribers []chan types.ExecutionState
	closed      bool
}

// NewMachine creates a machine in CREATED.
func NewMachine(executionID string) *Machine {
	return &Machine{
		executionID: executionID,
		logger:      log.WithComponent("state-machine"),
		current:     types.ExecutionStateCreated,
		pendingAcks: make(map[string]struct{}),
	}
}

// ExecutionID returns the owning execution id.
func (m *Machine) ExecutionID() string {
	return m.executionID
}

// Current returns the machine's state.
func (m *Machine) Current() types.ExecutionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Apply moves the machine to the target state. Re-applying the current
// state is an idempotent no-op; an unlawful move is refused with a
// business-rule error so the caller can drop the inbound message.
func (m *Machine) Apply(to types.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !types.ValidExecutionTransition(m.current, to) {
		m.logger.Warn().
			Str("execution_id", m.executionID).
			Str("from", string(m.current)).
			Str("to", string(to)).
			Msg("Refused invalid execution transition")
		return errors.BusinessRulef("invalid execution transition %s -> %s", m.current, to)
	}

	from := m.current
	m.current = to

	m.logger.Debug().
		Str("execution_id", m.executionID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Execution transition")

	for _, sub := range m.subscribers {
		select {
		case sub <- to:
		default:
			// Subscriber stopped draining; it still sees the terminal close.
		}
	}
	if types.IsTerminalExecutionState(to) {
		m.closeSubscribersLocked()
	}
	return nil
}

// Terminal reports whether the machine reached a terminal state.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.IsTerminalExecutionState(m.current)
}

// RequireAck records that a sent message must be acknowledged before the
// transition it carried is durable.
func (m *Machine) RequireAck(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingAcks[messageID] = struct{}{}
}

// Acknowledge settles a pending message id. Returns false for ids the
// machine was not waiting on.
func (m *Machine) Acknowledge(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pendingAcks[messageID]; !ok {
		return false
	}
	delete(m.pendingAcks, messageID)
	return true
}

// HasPendingAcks reports outstanding acknowledgment debt.
func (m *Machine) HasPendingAcks() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingAcks) > 0
}

// PendingAcks returns the outstanding message ids.
func (m *Machine) PendingAcks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.pendingAcks))
	for id := range m.pendingAcks {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a channel fed with every subsequent state change. The
// channel closes when the machine reaches a terminal state; subscribing to
// an already-terminal machine returns a closed channel.
func (m *Machine) Subscribe() <-chan types.ExecutionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan types.ExecutionState, feedBuffer)
	if m.closed || types.IsTerminalExecutionState(m.current) {
		close(ch)
		return ch
	}
	m.subscribers = append(m.subscribers, ch)
	return ch
}

func (m *Machine) closeSubscribersLocked() {
	if m.closed {
		return
	}
	m.closed = true
	for _, sub := range m.subscribers {
		close(sub)
	}
	m.subscribers = nil
}
