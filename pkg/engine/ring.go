package engine

import (
	"sync"

	"github.com/droverhq/drover/pkg/types"
)

// updateRing is a fixed-capacity ring of execution updates. Old entries are
// overwritten once the ring fills; Snapshot returns survivors in arrival
// order. Durable event logs are out of scope, so this bounded window is all
// the orchestrator retains.
type updateRing struct {
	mu   sync.Mutex
	buf  []types.ExecutionUpdate
	next int
	full bool
}

func newUpdateRing(capacity int) *updateRing {
	return &updateRing{buf: make([]types.ExecutionUpdate, capacity)}
}

// Append records one update, evicting the oldest when full.
func (r *updateRing) Append(u types.ExecutionUpdate) {
	r.mu.Lock()
	r.buf[r.next] = u
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot copies the retained updates, oldest first.
func (r *updateRing) Snapshot() []types.ExecutionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]types.ExecutionUpdate, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]types.ExecutionUpdate, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
