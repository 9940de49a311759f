package engine

import (
	"container/heap"
	"context"
	"sync"

	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// queueItem is one execution waiting for a dispatcher. seq preserves FIFO
// order among equal priorities.
type queueItem struct {
	executionID string
	priority    types.JobPriority
	seq         uint64
}

// dispatchQueue is a blocking priority queue. Higher priority pops first;
// within one priority, submission order holds.
type dispatchQueue struct {
	mu    sync.Mutex
	items itemHeap
	wake  chan struct{}
	seq   uint64
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{wake: make(chan struct{})}
}

// Push adds an execution and wakes every blocked Pop.
func (q *dispatchQueue) Push(executionID string, priority types.JobPriority) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &queueItem{
		executionID: executionID,
		priority:    priority,
		seq:         q.seq,
	})
	metrics.DispatchQueueDepth.Set(float64(q.items.Len()))
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Pop returns the highest-priority waiting execution, blocking until one
// arrives or the context is done.
func (q *dispatchQueue) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(*queueItem)
			metrics.DispatchQueueDepth.Set(float64(q.items.Len()))
			q.mu.Unlock()
			return item.executionID, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Len returns the number of waiting executions.
func (q *dispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(*queueItem))
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
