package sst_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tamitakada/derecho"
	"github.com/tamitakada/derecho/sst"
)

func testLayout(members int) sst.Layout {
	return sst.NewLayout(members, 2, 2+2, 0, 2*64, 2)
}

// Ensure a row survives a marshal/unmarshal round trip.
func TestRow_Codec(t *testing.T) {
	layout := testLayout(3)
	row := sst.NewRow(layout, 42)
	row.SeqNum[0] = 17
	row.SeqNum[1] = -1
	row.DeliveredNum[0] = 12
	row.PersistedNum[1] = 9
	row.Vid = 3
	row.Suspected[2] = true
	row.Changes[0] = derecho.ChangeProposal{LeaderID: 1, ChangeID: 4, EndOfView: true}
	row.JoinerIPs[0] = 0x7f000001
	row.JoinerGMSPorts[0] = 23580
	row.NumChanges = 2
	row.NumCommitted = 1
	row.NumAcked = 2
	row.NumReceived[1] = 55
	row.Wedged = true
	row.GlobalMin[0] = 7
	row.GlobalMinReady[1] = true
	copy(row.Slots, []byte("slot payload"))
	row.NumReceivedSST[0] = 3
	row.Index[1] = 8
	row.LocalStabilityFrontier[0] = 99
	row.RIP = true
	row.HeartbeatTick = 1234
	row.LoadInfo = 5
	row.CacheModelsInfo = 6

	buf := make([]byte, layout.RowSize())
	row.MarshalTo(layout, buf)

	got := sst.NewRow(layout, 0)
	if err := got.UnmarshalFrom(layout, buf, true); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if diff := cmp.Diff(row, got); diff != "" {
		t.Fatalf("row mismatch (-want +got):\n%s", diff)
	}
}

// Ensure an except-slots update leaves the local slot ring untouched.
func TestRow_Codec_ExceptSlots(t *testing.T) {
	layout := testLayout(2)
	row := sst.NewRow(layout, 0)
	copy(row.Slots, []byte("new slots"))
	row.NumReceivedSST[0] = 1

	buf := make([]byte, layout.RowSize())
	row.MarshalTo(layout, buf)

	got := sst.NewRow(layout, 0)
	copy(got.Slots, []byte("old slots"))
	if err := got.UnmarshalFrom(layout, buf, false); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(got.Slots[:9]) != "old slots" {
		t.Fatalf("slots were overwritten: %q", got.Slots[:9])
	}
	if got.NumReceivedSST[0] != 1 {
		t.Fatalf("counter not applied: %d", got.NumReceivedSST[0])
	}
}

// rowRecorder collects pushed rows.
type rowRecorder struct {
	mu     sync.Mutex
	writes map[derecho.NodeID][][]byte
}

func (w *rowRecorder) WriteRow(peer derecho.NodeID, rank int, data []byte, withSlots bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writes == nil {
		w.writes = make(map[derecho.NodeID][][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	w.writes[peer] = append(w.writes[peer], cp)
	return nil
}

// Ensure Push writes the local row to every peer but not to itself.
func TestTable_Push(t *testing.T) {
	members := []derecho.NodeID{10, 20, 30}
	rec := &rowRecorder{}
	table := sst.New(testLayout(3), members, 1, rec)

	table.Update(func(r *sst.Row) { r.Vid = 7 })
	if err := table.Push(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.writes) != 2 {
		t.Fatalf("expected writes to 2 peers, got %d", len(rec.writes))
	}
	if _, ok := rec.writes[20]; ok {
		t.Fatal("table pushed its row to itself")
	}
}

// Ensure Apply ignores writes targeting the locally owned row.
func TestTable_Apply_IgnoresLocalRow(t *testing.T) {
	members := []derecho.NodeID{1, 2}
	layout := testLayout(2)
	table := sst.New(layout, members, 0, nil)

	other := sst.NewRow(layout, 0)
	other.Vid = 99
	buf := make([]byte, 4+layout.RowSize())
	other.MarshalTo(layout, buf[4:]) // vid prefix 0 matches the table's view

	if err := table.Apply(0, buf, true); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	table.ReadLocal(func(r *sst.Row) {
		if r.Vid != 0 {
			t.Fatalf("local row overwritten by remote push: vid=%d", r.Vid)
		}
	})
}

// Ensure a one-shot predicate fires exactly once and a recurrent predicate
// keeps firing.
func TestPredicates_Kinds(t *testing.T) {
	table := sst.New(testLayout(1), []derecho.NodeID{1}, 0, nil)
	preds := table.Predicates()

	var mu sync.Mutex
	oneShot, recurrent := 0, 0
	preds.Register(sst.OneShot, func(*sst.Table) bool { return true }, func(*sst.Table) {
		mu.Lock()
		oneShot++
		mu.Unlock()
	})
	preds.Register(sst.Recurrent, func(*sst.Table) bool { return true }, func(*sst.Table) {
		mu.Lock()
		recurrent++
		mu.Unlock()
	})

	preds.Start()
	defer preds.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		r := recurrent
		mu.Unlock()
		if r >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recurrent predicate did not keep firing")
		}
		table.Update(func(*sst.Row) {})
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if oneShot != 1 {
		t.Fatalf("one-shot predicate fired %d times", oneShot)
	}
}

// Ensure triggers observe updates in registration order within a sweep.
func TestPredicates_FIFOOrder(t *testing.T) {
	table := sst.New(testLayout(1), []derecho.NodeID{1}, 0, nil)
	preds := table.Predicates()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 4; i++ {
		i := i
		preds.Register(sst.OneShot, func(*sst.Table) bool { return true }, func(*sst.Table) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	preds.Start()
	defer preds.Stop()
	table.Update(func(*sst.Row) {})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("predicates did not all fire: %v", order)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if i != v {
			t.Fatalf("triggers fired out of registration order: %v", order)
		}
	}
}

// Ensure the pending tail of the change vector carries across tables.
func TestTable_InitLocalRowFromPrevious(t *testing.T) {
	members := []derecho.NodeID{1, 2}
	prev := sst.New(testLayout(2), members, 0, nil)
	prev.Update(func(r *sst.Row) {
		r.NumChanges = 3
		r.NumCommitted = 2
		r.NumAcked = 3
		r.NumInstalled = 0
		r.Changes[0] = derecho.ChangeProposal{LeaderID: 1, ChangeID: 5}
		r.Changes[1] = derecho.ChangeProposal{LeaderID: 1, ChangeID: 6}
		r.Changes[2] = derecho.ChangeProposal{LeaderID: 1, ChangeID: 7}
	})

	next := sst.New(testLayout(2), members, 0, nil)
	next.InitLocalRowFromPrevious(prev, 0, 2)

	next.ReadLocal(func(r *sst.Row) {
		if r.NumChanges != 3 || r.NumCommitted != 2 || r.NumAcked != 3 {
			t.Fatalf("counters not carried over: %+v", r)
		}
		if r.NumInstalled != 2 {
			t.Fatalf("num_installed = %d, want 2", r.NumInstalled)
		}
		if r.Changes[0].ChangeID != 7 {
			t.Fatalf("pending change not shifted to front: %+v", r.Changes[0])
		}
	})
}
