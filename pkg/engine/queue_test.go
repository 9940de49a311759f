package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

// TestQueuePriorityOrder tests that higher priorities pop first and equal
// priorities keep submission order.
func TestQueuePriorityOrder(t *testing.T) {
	q := newDispatchQueue()
	q.Push("low", types.PriorityLow)
	q.Push("normal-1", types.PriorityNormal)
	q.Push("critical", types.PriorityCritical)
	q.Push("normal-2", types.PriorityNormal)
	q.Push("high", types.PriorityHigh)

	ctx := context.Background()
	var got []string
	for i := 0; i < 5; i++ {
		id, err := q.Pop(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"critical", "high", "normal-1", "normal-2", "low"}, got)
	assert.Equal(t, 0, q.Len())
}

// TestQueuePopBlocks tests that Pop parks on an empty queue and wakes on
// Push.
func TestQueuePopBlocks(t *testing.T) {
	q := newDispatchQueue()

	done := make(chan string, 1)
	go func() {
		id, err := q.Pop(context.Background())
		if err == nil {
			done <- id
		}
	}()

	select {
	case id := <-done:
		t.Fatalf("Pop returned %q from an empty queue", id)
	case <-time.After(50 * time.Millisecond):
	}

	q.Push("exec-1", types.PriorityNormal)
	select {
	case id := <-done:
		assert.Equal(t, "exec-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

// TestQueuePopHonorsContext tests that a cancelled context unblocks Pop
// with its error.
func TestQueuePopHonorsContext(t *testing.T) {
	q := newDispatchQueue()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		errs <- err
	}()

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not observe cancellation")
	}
}

// TestQueueConcurrentPushPop tests that every pushed item is popped exactly
// once under contention.
func TestQueueConcurrentPushPop(t *testing.T) {
	q := newDispatchQueue()

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			q.Push(fmt.Sprintf("exec-%d", i), types.JobPriority(i%20))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id, err := q.Pop(ctx)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate pop of %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

// TestUpdateRingOverwrite tests oldest-first snapshots across the wrap
// point.
func TestUpdateRingOverwrite(t *testing.T) {
	r := newUpdateRing(3)
	assert.Empty(t, r.Snapshot())

	r.Append(types.ExecutionUpdate{Message: "one"})
	r.Append(types.ExecutionUpdate{Message: "two"})
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "one", snap[0].Message)
	assert.Equal(t, "two", snap[1].Message)

	r.Append(types.ExecutionUpdate{Message: "three"})
	r.Append(types.ExecutionUpdate{Message: "four"})
	snap = r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"two", "three", "four"},
		[]string{snap[0].Message, snap[1].Message, snap[2].Message})
}

// TestBackoffDelay tests the doubling schedule and its cap.
func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	limit := time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{12, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(base, limit, tt.attempt), "attempt %d", tt.attempt)
	}
}

// TestTransientCode tests the failure-code classification used by restart
// recovery.
func TestTransientCode(t *testing.T) {
	assert.True(t, transientCode("WORKER_LOST: worker w1 offline past heartbeat window"))
	assert.True(t, transientCode("NO_WORKER: worker wait expired"))
	assert.True(t, transientCode("START_TIMEOUT"))
	assert.True(t, transientCode("WORKER_DISCONNECTED"))
	assert.False(t, transientCode("task exited with code 2"))
	assert.False(t, transientCode(""))
	assert.False(t, transientCode("CANCELLED: operator request"))
}
