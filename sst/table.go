// Package sst implements the shared state table: a row-per-member array of
// monotone counters and flags replicated to every peer by one-sided remote
// writes, plus the predicate engine that drives all coordination on top of
// it.
package sst

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tamitakada/derecho"
)

// RowWriter pushes a marshalled copy of the local row into one peer's
// replica of that row. Implementations must preserve program order between
// writes from the same owner; no ordering across different owners is
// assumed.
type RowWriter interface {
	WriteRow(peer derecho.NodeID, rank int, data []byte, withSlots bool) error
}

// Table is one view's shared state table. The local node owns exactly one
// row; all other rows are replicas maintained by Apply as peers push
// updates.
//
// Reads may observe a momentarily torn view across fields of a row mid-push;
// callers must read each field at most once per evaluation and rely on
// monotonicity rather than cross-field atomicity.
type Table struct {
	mu      sync.RWMutex
	layout  Layout
	members []derecho.NodeID
	rows    []*Row
	me      int

	// pushMu serializes marshal and transmit of local-row pushes so peers
	// observe them in program order, which the monotonicity contract
	// depends on.
	pushMu sync.Mutex

	writer  RowWriter
	barrier func(ctx context.Context) error

	preds  *Predicates
	logger *zap.Logger
}

// New creates a table for the given members with myRank as the locally
// owned row. writer may be nil for a table that is never pushed (tests).
func New(layout Layout, members []derecho.NodeID, myRank int, writer RowWriter) *Table {
	if layout.NumMembers != len(members) {
		panic(fmt.Sprintf("sst: layout sized for %d members, got %d", layout.NumMembers, len(members)))
	}
	now := uint64(time.Now().UnixNano())
	t := &Table{
		layout:  layout,
		members: append([]derecho.NodeID(nil), members...),
		rows:    make([]*Row, len(members)),
		me:      myRank,
		writer:  writer,
		logger:  zap.NewNop(),
	}
	for i := range t.rows {
		t.rows[i] = NewRow(layout, now)
	}
	t.preds = newPredicates(t)
	return t
}

// WithLogger sets the logger used by the table and its predicate engine.
func (t *Table) WithLogger(log *zap.Logger) {
	t.logger = log.With(zap.String("service", "sst"))
	t.preds.logger = t.logger
}

// SetBarrier installs the function used by Barrier. The group-management
// layer provides one that synchronizes all live view members.
func (t *Table) SetBarrier(fn func(ctx context.Context) error) { t.barrier = fn }

// Layout returns the table's layout.
func (t *Table) Layout() Layout { return t.layout }

// Members returns the node ids of the view members, in rank order.
func (t *Table) Members() []derecho.NodeID { return t.members }

// NumRows returns the number of rows in the table.
func (t *Table) NumRows() int { return len(t.rows) }

// MyRank returns the rank of the locally owned row.
func (t *Table) MyRank() int { return t.me }

// RankOf returns the rank of a node id, or -1 if it is not a member.
func (t *Table) RankOf(id derecho.NodeID) int {
	for i, m := range t.members {
		if m == id {
			return i
		}
	}
	return -1
}

// Predicates returns the table's predicate engine.
func (t *Table) Predicates() *Predicates { return t.preds }

// Update mutates the local row under the table lock. Only the owning node
// may mutate its row; the mutation must keep every counter monotone.
func (t *Table) Update(f func(local *Row)) {
	t.mu.Lock()
	f(t.rows[t.me])
	t.mu.Unlock()
	t.preds.notify()
}

// Read runs f with a read lock over all rows. f must not retain the slice
// or the row pointers.
func (t *Table) Read(f func(rows []*Row)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f(t.rows)
}

// ReadLocal runs f with a read lock over the local row only.
func (t *Table) ReadLocal(f func(local *Row)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f(t.rows[t.me])
}

// Push broadcasts the local row, including the slot region, to every peer.
func (t *Table) Push() error { return t.push(true) }

// PushExceptSlots broadcasts the local row without the slot-plane ring,
// which peers only need when a slot message was actually published.
func (t *Table) PushExceptSlots() error { return t.push(false) }

// Pushed rows carry a view-id prefix so frames that straddle a view
// installation cannot be applied to the wrong table.
const pushPrefixSize = 4

func (t *Table) push(withSlots bool) error {
	t.pushMu.Lock()
	defer t.pushMu.Unlock()

	t.mu.RLock()
	buf := make([]byte, pushPrefixSize+t.layout.RowSize())
	binary.LittleEndian.PutUint32(buf[:pushPrefixSize], uint32(t.rows[t.me].Vid))
	t.rows[t.me].MarshalTo(t.layout, buf[pushPrefixSize:])
	t.mu.RUnlock()

	if t.writer == nil {
		return nil
	}
	var firstErr error
	for rank, id := range t.members {
		if rank == t.me {
			continue
		}
		if err := t.writer.WriteRow(id, t.me, buf, withSlots); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Apply installs a pushed row update from the owner of rank. Writes
// targeting the local row are ignored: each row has a single writer and it
// is not a remote one. Updates stamped with another view's id are dropped;
// the owner's next push after it installs the same view will repeat the
// state.
func (t *Table) Apply(rank int, data []byte, withSlots bool) error {
	if rank < 0 || rank >= len(t.rows) {
		return fmt.Errorf("row rank out of range: %d", rank)
	}
	if rank == t.me {
		return nil
	}
	if len(data) < pushPrefixSize {
		return fmt.Errorf("row update too short: %d bytes", len(data))
	}
	vid := int32(binary.LittleEndian.Uint32(data[:pushPrefixSize]))

	t.mu.Lock()
	if vid != t.rows[t.me].Vid {
		t.mu.Unlock()
		return nil
	}
	err := t.rows[rank].UnmarshalFrom(t.layout, data[pushPrefixSize:], withSlots)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.preds.notify()
	return nil
}

// Barrier blocks until all live view members have reached the same barrier.
// Used only at view-installation boundaries.
func (t *Table) Barrier(ctx context.Context) error {
	if t.barrier == nil {
		return nil
	}
	return t.barrier(ctx)
}

// InitLocalRowFromPrevious seeds the local row of a freshly allocated table
// from the previous view's table: the change-proposal counters carry over,
// NumInstalled advances by the number of changes just installed, and the
// still-pending tail of the change vector shifts down to the front.
// Everything else starts from its zero state.
//
// Changes[j] always describes proposal number NumInstalled + j, so the
// vector never needs to grow with the total change count.
func (t *Table) InitLocalRowFromPrevious(prev *Table, prevRank int, numChangesInstalled int) {
	prev.mu.RLock()
	old := prev.rows[prevRank]
	numChanges := old.NumChanges
	numCommitted := old.NumCommitted
	numAcked := old.NumAcked
	numInstalled := old.NumInstalled
	numPending := int(numChanges-numInstalled) - numChangesInstalled
	pending := make([]derecho.ChangeProposal, numPending)
	copy(pending, old.Changes[numChangesInstalled:numChangesInstalled+numPending])
	ips := make([]uint32, numPending)
	copy(ips, old.JoinerIPs[numChangesInstalled:numChangesInstalled+numPending])
	ports := make([][]uint16, 5)
	for i, src := range [][]uint16{
		old.JoinerGMSPorts, old.JoinerStateTransferPorts, old.JoinerSSTPorts,
		old.JoinerRDMCPorts, old.JoinerExternalPorts,
	} {
		ports[i] = make([]uint16, numPending)
		copy(ports[i], src[numChangesInstalled:numChangesInstalled+numPending])
	}
	prev.mu.RUnlock()

	t.Update(func(local *Row) {
		local.NumChanges = numChanges
		local.NumCommitted = numCommitted
		local.NumAcked = numAcked
		local.NumInstalled = numInstalled + int32(numChangesInstalled)
		copy(local.Changes, pending)
		copy(local.JoinerIPs, ips)
		copy(local.JoinerGMSPorts, ports[0])
		copy(local.JoinerStateTransferPorts, ports[1])
		copy(local.JoinerSSTPorts, ports[2])
		copy(local.JoinerRDMCPorts, ports[3])
		copy(local.JoinerExternalPorts, ports[4])
	})
}

// InitLocalChangeProposals copies the currently proposed changes and their
// counters from another row (the group leader's) into the local row, which
// is how a member acknowledges a proposal.
func (t *Table) InitLocalChangeProposals(otherRank int) {
	t.mu.Lock()
	other := t.rows[otherRank]
	local := t.rows[t.me]
	copy(local.Changes, other.Changes)
	copy(local.JoinerIPs, other.JoinerIPs)
	copy(local.JoinerGMSPorts, other.JoinerGMSPorts)
	copy(local.JoinerStateTransferPorts, other.JoinerStateTransferPorts)
	copy(local.JoinerSSTPorts, other.JoinerSSTPorts)
	copy(local.JoinerRDMCPorts, other.JoinerRDMCPorts)
	copy(local.JoinerExternalPorts, other.JoinerExternalPorts)
	local.NumChanges = other.NumChanges
	local.NumCommitted = other.NumCommitted
	t.mu.Unlock()
	t.preds.notify()
}

// String renders the local row for debugging.
func (t *Table) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := t.rows[t.me]
	var b strings.Builder
	fmt.Fprintf(&b, "vid=%d seq=%v delivered=%v num_received=%v", r.Vid, r.SeqNum, r.DeliveredNum, r.NumReceived)
	fmt.Fprintf(&b, " changes=%d committed=%d acked=%d installed=%d wedged=%v rip=%v",
		r.NumChanges, r.NumCommitted, r.NumAcked, r.NumInstalled, r.Wedged, r.RIP)
	return b.String()
}
