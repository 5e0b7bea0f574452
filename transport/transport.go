// Package transport moves bytes between group members: one-sided writes of
// shared-state-table rows into peer replicas, and reliable point-to-point
// messages. It assumes nothing about ordering between writes from different
// owners; writes from one owner arrive in program order.
package transport

import (
	"errors"
	"sync"

	"github.com/tamitakada/derecho"
)

var (
	// ErrClosed is returned when using a closed endpoint.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownPeer is returned when a peer's address cannot be resolved.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Message kinds multiplexed over the point-to-point plane. The first byte
// of every message names its consumer.
const (
	KindRDMC byte = iota + 1
	KindGMS
	KindBarrier
	KindFillRequest
	KindFillReply
	KindStateTransfer
	KindP2PRequest
	KindP2PReply
)

// Handler receives inbound traffic. Implementations must be safe for
// concurrent calls; per-sender ordering is preserved.
type Handler interface {
	// HandleRow installs a pushed row replica from its owner.
	HandleRow(from derecho.NodeID, rank int, data []byte, withSlots bool)
	// HandleMessage receives one point-to-point message.
	HandleMessage(from derecho.NodeID, payload []byte)
}

// Endpoint is one node's attachment to the transport.
type Endpoint interface {
	// WriteRow asynchronously writes the marshalled local row into the
	// peer's replica at the given rank. Write completion errors surface as
	// failure suspicion, not as send errors, so a nil return only means the
	// write was accepted.
	WriteRow(peer derecho.NodeID, rank int, data []byte, withSlots bool) error

	// Send reliably delivers a point-to-point message to the peer.
	Send(peer derecho.NodeID, payload []byte) error

	// SetHandler installs the inbound handler. Must be called before any
	// traffic arrives.
	SetHandler(h Handler)

	// Close shuts the endpoint down. Outstanding queued sends are dropped.
	Close() error
}

// Frame prepends a kind byte to a payload for the point-to-point plane.
func Frame(kind byte, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = kind
	copy(buf[1:], payload)
	return buf
}

// Router dispatches inbound point-to-point messages by kind byte and row
// writes into the current table. The row sink is swapped at each view
// installation; handlers stay registered for the life of the process.
type Router struct {
	mu       sync.RWMutex
	handlers map[byte]func(from derecho.NodeID, payload []byte)
	rowSink  func(from derecho.NodeID, rank int, data []byte, withSlots bool)
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[byte]func(derecho.NodeID, []byte))}
}

// Handle registers the consumer for a message kind, replacing any previous
// registration.
func (r *Router) Handle(kind byte, fn func(from derecho.NodeID, payload []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

// SetRowSink points row writes at the current view's table.
func (r *Router) SetRowSink(fn func(from derecho.NodeID, rank int, data []byte, withSlots bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rowSink = fn
}

// HandleRow implements Handler.
func (r *Router) HandleRow(from derecho.NodeID, rank int, data []byte, withSlots bool) {
	r.mu.RLock()
	sink := r.rowSink
	r.mu.RUnlock()
	if sink != nil {
		sink(from, rank, data, withSlots)
	}
}

// HandleMessage implements Handler.
func (r *Router) HandleMessage(from derecho.NodeID, payload []byte) {
	if len(payload) == 0 {
		return
	}
	r.mu.RLock()
	fn := r.handlers[payload[0]]
	r.mu.RUnlock()
	if fn != nil {
		fn(from, payload[1:])
	}
}
