package gms

import (
	"context"
	"sync"

	"github.com/tamitakada/derecho"
)

// barrierTracker implements the view-install and user barriers over
// point-to-point messages: every participant reports arrival to the
// coordinator (the participant with the lowest node id), which releases
// everyone once all arrivals are in. Epochs are derived from view ids
// (2·vid for install barriers, 2·vid+1 for user barriers), so stale arrivals
// from a previous barrier cannot satisfy a later one.
type barrierTracker struct {
	mu       sync.Mutex
	arrived  map[int32]map[derecho.NodeID]bool
	released map[int32]chan struct{}
}

func newBarrierTracker() *barrierTracker {
	return &barrierTracker{
		arrived:  make(map[int32]map[derecho.NodeID]bool),
		released: make(map[int32]chan struct{}),
	}
}

// recordArrival notes a participant reaching the barrier. Returns the
// arrival count for the epoch.
func (b *barrierTracker) recordArrival(epoch int32, from derecho.NodeID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.arrived[epoch]
	if !ok {
		m = make(map[derecho.NodeID]bool)
		b.arrived[epoch] = m
	}
	m[from] = true
	return len(m)
}

// releaseCh returns the channel closed when the epoch's barrier releases.
func (b *barrierTracker) releaseCh(epoch int32) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.released[epoch]
	if !ok {
		ch = make(chan struct{})
		b.released[epoch] = ch
	}
	return ch
}

// release opens the epoch's barrier.
func (b *barrierTracker) release(epoch int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.released[epoch]
	if !ok {
		ch = make(chan struct{})
		b.released[epoch] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// await blocks until the epoch releases or the context ends.
func (b *barrierTracker) await(ctx context.Context, epoch int32) error {
	select {
	case <-b.releaseCh(epoch):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forget drops completed epochs so the maps do not grow with view count.
func (b *barrierTracker) forget(epoch int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.arrived, epoch)
	delete(b.released, epoch)
}
