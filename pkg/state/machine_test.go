package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

// TestMachineHappyPath tests the full CREATED → COMPLETED walk.
func TestMachineHappyPath(t *testing.T) {
	m := NewMachine("exec-1")
	assert.Equal(t, types.ExecutionStateCreated, m.Current())

	require.NoError(t, m.Apply(types.ExecutionStateAssigned))
	require.NoError(t, m.Apply(types.ExecutionStateStarted))
	require.NoError(t, m.Apply(types.ExecutionStateCompleted))

	assert.Equal(t, types.ExecutionStateCompleted, m.Current())
	assert.True(t, m.Terminal())
}

// TestMachineRefusesInvalidTransitions tests the transition table's refusals.
func TestMachineRefusesInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		walk []types.ExecutionState
		to   types.ExecutionState
	}{
		{"created to started", nil, types.ExecutionStateStarted},
		{"created to completed", nil, types.ExecutionStateCompleted},
		{"created to timeout", nil, types.ExecutionStateTimeout},
		{"assigned to completed", []types.ExecutionState{types.ExecutionStateAssigned}, types.ExecutionStateCompleted},
		{"assigned to failed", []types.ExecutionState{types.ExecutionStateAssigned}, types.ExecutionStateFailed},
		{"completed to failed", []types.ExecutionState{
			types.ExecutionStateAssigned, types.ExecutionStateStarted, types.ExecutionStateCompleted,
		}, types.ExecutionStateFailed},
		{"cancelled to assigned", []types.ExecutionState{types.ExecutionStateCancelled}, types.ExecutionStateAssigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine("exec-1")
			for _, step := range tt.walk {
				require.NoError(t, m.Apply(step))
			}
			before := m.Current()

			err := m.Apply(tt.to)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindBusinessRule))
			assert.Equal(t, before, m.Current(), "refused transition must not move the machine")
		})
	}
}

// TestMachineIdempotentReapply tests that re-applying the current state is a
// lawful no-op (at-least-once message delivery).
func TestMachineIdempotentReapply(t *testing.T) {
	m := NewMachine("exec-1")
	require.NoError(t, m.Apply(types.ExecutionStateAssigned))
	require.NoError(t, m.Apply(types.ExecutionStateAssigned))
	assert.Equal(t, types.ExecutionStateAssigned, m.Current())

	require.NoError(t, m.Apply(types.ExecutionStateStarted))
	require.NoError(t, m.Apply(types.ExecutionStateCompleted))
	require.NoError(t, m.Apply(types.ExecutionStateCompleted))
}

// TestMachineCancellableBeforeStart tests the cancel edges out of CREATED
// and ASSIGNED.
func TestMachineCancellableBeforeStart(t *testing.T) {
	m := NewMachine("exec-1")
	require.NoError(t, m.Apply(types.ExecutionStateCancelled))
	assert.True(t, m.Terminal())

	m = NewMachine("exec-2")
	require.NoError(t, m.Apply(types.ExecutionStateAssigned))
	require.NoError(t, m.Apply(types.ExecutionStateCancelled))
	assert.True(t, m.Terminal())
}

// TestMachineTimeoutEdges tests TIMEOUT from ASSIGNED (start grace) and
// STARTED (execution timeout).
func TestMachineTimeoutEdges(t *testing.T) {
	m := NewMachine("exec-1")
	require.NoError(t, m.Apply(types.ExecutionStateAssigned))
	require.NoError(t, m.Apply(types.ExecutionStateTimeout))
	assert.True(t, m.Terminal())

	m = NewMachine("exec-2")
	require.NoError(t, m.Apply(types.ExecutionStateAssigned))
	require.NoError(t, m.Apply(types.ExecutionStateStarted))
	require.NoError(t, m.Apply(types.ExecutionStateTimeout))
	assert.True(t, m.Terminal())
}

// TestAcknowledgments tests the pending-ack set.
func TestAcknowledgments(t *testing.T) {
	m := NewMachine("exec-1")
	assert.False(t, m.HasPendingAcks())

	m.RequireAck("msg-1")
	m.RequireAck("msg-2")
	assert.True(t, m.HasPendingAcks())
	assert.ElementsMatch(t, []string{"msg-1", "msg-2"}, m.PendingAcks())

	assert.True(t, m.Acknowledge("msg-1"))
	assert.False(t, m.Acknowledge("msg-1"), "double ack settles nothing")
	assert.False(t, m.Acknowledge("unknown"))

	assert.True(t, m.HasPendingAcks())
	assert.True(t, m.Acknowledge("msg-2"))
	assert.False(t, m.HasPendingAcks())
}

// TestSubscribeReceivesTransitions tests the reactive feed and its close on
// terminal.
func TestSubscribeReceivesTransitions(t *testing.T) {
	m := NewMachine("exec-1")
	feed := m.Subscribe()

	require.NoError(t, m.Apply(types.ExecutionStateAssigned))
	require.NoError(t, m.Apply(types.ExecutionStateStarted))
	require.NoError(t, m.Apply(types.ExecutionStateFailed))

	var seen []types.ExecutionState
	for s := range feed {
		seen = append(seen, s)
	}
	assert.Equal(t, []types.ExecutionState{
		types.ExecutionStateAssigned,
		types.ExecutionStateStarted,
		types.ExecutionStateFailed,
	}, seen)
}

// TestSubscribeAfterTerminal tests that a late subscriber gets a closed
// channel instead of blocking forever.
func TestSubscribeAfterTerminal(t *testing.T) {
	m := NewMachine("exec-1")
	require.NoError(t, m.Apply(types.ExecutionStateCancelled))

	feed := m.Subscribe()
	_, open := <-feed
	assert.False(t, open)
}

// TestRefusedTransitionNotFed tests that refusals do not leak into the feed.
func TestRefusedTransitionNotFed(t *testing.T) {
	m := NewMachine("exec-1")
	feed := m.Subscribe()

	require.Error(t, m.Apply(types.ExecutionStateCompleted))
	require.NoError(t, m.Apply(types.ExecutionStateAssigned))

	assert.Equal(t, types.ExecutionStateAssigned, <-feed)
	assert.Empty(t, feed)
}
