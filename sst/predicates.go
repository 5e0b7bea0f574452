package sst

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// PredicateKind selects how often a registered predicate may fire.
type PredicateKind int

const (
	// OneShot predicates deregister themselves after firing once.
	OneShot PredicateKind = iota

	// Recurrent predicates are evaluated on every sweep for as long as they
	// stay registered.
	Recurrent
)

// Predicate is a boolean function over the table. Because every tracked
// counter is monotone, predicates may latch: once true for a target value,
// the trigger advances its own target rather than guarding against
// out-of-order firings.
type Predicate func(*Table) bool

// Trigger runs when its predicate flips true. Triggers execute on the
// predicate goroutine, serially with every other trigger, and must not
// block.
type Trigger func(*Table)

// Handle identifies a registered predicate for removal.
type Handle struct{ id uint64 }

type registeredPredicate struct {
	id   uint64
	kind PredicateKind
	pred Predicate
	trig Trigger
}

// DefaultSweepInterval is the fallback delay between sweeps when no row
// update wakes the engine earlier.
const DefaultSweepInterval = 500 * time.Microsecond

// Predicates owns evaluation of all predicates registered against one
// table. A single goroutine scans predicates in registration order; the
// trigger of each true predicate runs synchronously on that goroutine, so
// delivery, view-change and persistence handlers all observe the table
// serially.
type Predicates struct {
	table *Table

	mu     sync.Mutex
	nextID uint64
	preds  []*registeredPredicate

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	// Clock abstracts time so tests can run the sweep on a mock clock.
	Clock clock.Clock
	// SweepInterval is the idle re-evaluation period.
	SweepInterval time.Duration

	running bool
	logger  *zap.Logger
}

func newPredicates(t *Table) *Predicates {
	return &Predicates{
		table:         t,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		Clock:         clock.New(),
		SweepInterval: DefaultSweepInterval,
		logger:        zap.NewNop(),
	}
}

// Register adds a predicate and returns a handle for removal. Predicates
// are evaluated in FIFO registration order.
func (p *Predicates) Register(kind PredicateKind, pred Predicate, trig Trigger) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.preds = append(p.preds, &registeredPredicate{id: p.nextID, kind: kind, pred: pred, trig: trig})
	return Handle{id: p.nextID}
}

// Remove deregisters a predicate. Removing an already-fired one-shot or an
// unknown handle is a no-op.
func (p *Predicates) Remove(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(h.id)
}

func (p *Predicates) removeLocked(id uint64) {
	for i, rp := range p.preds {
		if rp.id == id {
			p.preds = append(p.preds[:i], p.preds[i+1:]...)
			return
		}
	}
}

// Start launches the predicate goroutine.
func (p *Predicates) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
}

// Stop halts evaluation and waits for the goroutine to exit. Pending
// triggers complete; nothing fires afterwards.
func (p *Predicates) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
}

// notify wakes the sweep loop after a row update without blocking the
// updater.
func (p *Predicates) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Predicates) loop() {
	defer p.wg.Done()
	ticker := p.Clock.Ticker(p.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.sweep()
	}
}

// sweep evaluates every registered predicate once, in order. The predicate
// list is snapshotted so triggers may register or remove predicates without
// deadlocking.
func (p *Predicates) sweep() {
	p.mu.Lock()
	snapshot := make([]*registeredPredicate, len(p.preds))
	copy(snapshot, p.preds)
	p.mu.Unlock()

	for _, rp := range snapshot {
		select {
		case <-p.done:
			return
		default:
		}
		if !p.stillRegistered(rp.id) {
			continue
		}
		if !rp.pred(p.table) {
			continue
		}
		if rp.kind == OneShot {
			p.mu.Lock()
			p.removeLocked(rp.id)
			p.mu.Unlock()
		}
		rp.trig(p.table)
	}
}

func (p *Predicates) stillRegistered(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rp := range p.preds {
		if rp.id == id {
			return true
		}
	}
	return false
}
