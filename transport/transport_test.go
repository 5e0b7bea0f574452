package transport_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tamitakada/derecho"
	"github.com/tamitakada/derecho/transport"
)

type recorder struct {
	mu   sync.Mutex
	rows []string
	msgs []string
}

func (r *recorder) HandleRow(from derecho.NodeID, rank int, data []byte, withSlots bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, fmt.Sprintf("%d/%d:%s", from, rank, data))
}

func (r *recorder) HandleMessage(from derecho.NodeID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, fmt.Sprintf("%d:%s", from, payload))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

// Ensure loopback delivery is FIFO per sender.
func TestLoopback_FIFO(t *testing.T) {
	net := transport.NewNetwork()
	a, b := net.Endpoint(1), net.Endpoint(2)
	rec := &recorder{}
	b.SetHandler(rec)

	for i := 0; i < 10; i++ {
		if err := a.Send(2, []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	}
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.msgs) == 10
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, m := range rec.msgs {
		if want := fmt.Sprintf("1:m%d", i); m != want {
			t.Fatalf("out of order delivery: got %s, want %s", m, want)
		}
	}
}

// Ensure a killed node neither sends nor receives.
func TestLoopback_Kill(t *testing.T) {
	net := transport.NewNetwork()
	a, b := net.Endpoint(1), net.Endpoint(2)
	rec := &recorder{}
	b.SetHandler(rec)

	net.Kill(2)
	if err := a.Send(2, []byte("lost")); err != nil {
		t.Fatalf("send to dead node should be dropped silently: %s", err)
	}
	time.Sleep(10 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.msgs) != 0 {
		t.Fatalf("dead node received traffic: %v", rec.msgs)
	}
}

// Ensure the router dispatches by kind byte and routes row writes to the
// current sink.
func TestRouter_Dispatch(t *testing.T) {
	r := transport.NewRouter()

	var mu sync.Mutex
	var gms, rows []string
	r.Handle(transport.KindGMS, func(from derecho.NodeID, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		gms = append(gms, string(payload))
	})
	r.SetRowSink(func(from derecho.NodeID, rank int, data []byte, withSlots bool) {
		mu.Lock()
		defer mu.Unlock()
		rows = append(rows, fmt.Sprintf("%d:%s", rank, data))
	})

	r.HandleMessage(3, transport.Frame(transport.KindGMS, []byte("join")))
	r.HandleMessage(3, transport.Frame(transport.KindRDMC, []byte("ignored: no handler")))
	r.HandleRow(3, 1, []byte("rowbytes"), true)

	mu.Lock()
	defer mu.Unlock()
	if len(gms) != 1 || gms[0] != "join" {
		t.Fatalf("gms handler got %v", gms)
	}
	if len(rows) != 1 || rows[0] != "1:rowbytes" {
		t.Fatalf("row sink got %v", rows)
	}
}

// Ensure two TCP endpoints exchange rows and messages over real sockets.
func TestTCP_RoundTrip(t *testing.T) {
	addrs := make(map[derecho.NodeID]string)
	var mu sync.Mutex
	resolve := func(id derecho.NodeID) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		addr, ok := addrs[id]
		if !ok {
			return "", transport.ErrUnknownPeer
		}
		return addr, nil
	}

	a := transport.NewTCP(1, "127.0.0.1:0", resolve)
	b := transport.NewTCP(2, "127.0.0.1:0", resolve)
	if err := a.Open(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer a.Close()
	if err := b.Open(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer b.Close()

	mu.Lock()
	addrs[1] = a.Addr()
	addrs[2] = b.Addr()
	mu.Unlock()

	rec := &recorder{}
	b.SetHandler(rec)

	if err := a.WriteRow(2, 0, []byte("row0"), true); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := a.Send(2, []byte("hello")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.rows) == 1 && len(rec.msgs) == 1
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.rows[0] != "1/0:row0" {
		t.Fatalf("row = %q", rec.rows[0])
	}
	if rec.msgs[0] != "1:hello" {
		t.Fatalf("msg = %q", rec.msgs[0])
	}
}
