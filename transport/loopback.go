package transport

import (
	"sync"

	"github.com/tamitakada/derecho"
)

// Network is an in-process transport hub connecting loopback endpoints by
// node id. It exists for tests and single-process experiments: delivery is
// asynchronous, reliable, and FIFO per (sender, receiver) pair, like the
// real transport, and nodes can be killed to simulate crashes.
type Network struct {
	mu        sync.Mutex
	endpoints map[derecho.NodeID]*LoopbackEndpoint
}

// NewNetwork returns an empty hub.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[derecho.NodeID]*LoopbackEndpoint)}
}

// Endpoint returns the endpoint for id, creating it if needed.
func (n *Network) Endpoint(id derecho.NodeID) *LoopbackEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &LoopbackEndpoint{net: n, id: id}
	ep.cond = sync.NewCond(&ep.mu)
	ep.wg.Add(1)
	go ep.deliverLoop()
	n.endpoints[id] = ep
	return ep
}

// Kill abruptly fails a node: its endpoint stops receiving and sending, and
// traffic addressed to it is silently dropped, exactly like a crashed peer
// behind a reliable transport.
func (n *Network) Kill(id derecho.NodeID) {
	n.mu.Lock()
	ep := n.endpoints[id]
	n.mu.Unlock()
	if ep != nil {
		ep.fail()
	}
}

func (n *Network) lookup(id derecho.NodeID) *LoopbackEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

type inbound struct {
	from      derecho.NodeID
	rank      int
	row       bool
	withSlots bool
	data      []byte
}

// LoopbackEndpoint is one node's attachment to a Network.
type LoopbackEndpoint struct {
	net *Network
	id  derecho.NodeID

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []inbound
	handler Handler
	closed  bool
	failed  bool
	wg      sync.WaitGroup
}

// ID returns the node id this endpoint is registered under.
func (e *LoopbackEndpoint) ID() derecho.NodeID { return e.id }

// SetHandler implements Endpoint.
func (e *LoopbackEndpoint) SetHandler(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// WriteRow implements Endpoint.
func (e *LoopbackEndpoint) WriteRow(peer derecho.NodeID, rank int, data []byte, withSlots bool) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	return e.transmit(peer, inbound{from: e.id, rank: rank, row: true, withSlots: withSlots, data: cp})
}

// Send implements Endpoint.
func (e *LoopbackEndpoint) Send(peer derecho.NodeID, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return e.transmit(peer, inbound{from: e.id, data: cp})
}

func (e *LoopbackEndpoint) transmit(peer derecho.NodeID, in inbound) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.failed {
		// A crashed node sends nothing.
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	target := e.net.lookup(peer)
	if target == nil {
		// Unreachable peers are a suspicion matter, not a send error.
		return nil
	}
	target.enqueue(in)
	return nil
}

func (e *LoopbackEndpoint) enqueue(in inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.failed {
		return
	}
	e.queue = append(e.queue, in)
	e.cond.Signal()
}

func (e *LoopbackEndpoint) deliverLoop() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed && !e.failed {
			e.cond.Wait()
		}
		if e.closed || e.failed {
			e.mu.Unlock()
			return
		}
		in := e.queue[0]
		e.queue = e.queue[1:]
		h := e.handler
		e.mu.Unlock()

		if h == nil {
			continue
		}
		if in.row {
			h.HandleRow(in.from, in.rank, in.data, in.withSlots)
		} else {
			h.HandleMessage(in.from, in.data)
		}
	}
}

func (e *LoopbackEndpoint) fail() {
	e.mu.Lock()
	e.failed = true
	e.queue = nil
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Close implements Endpoint.
func (e *LoopbackEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.queue = nil
	e.cond.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}
