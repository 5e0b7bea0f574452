package multicast

import (
	"github.com/tamitakada/derecho"
)

// Message is one multicast message held by the engine: header plus payload
// in a single buffer, with the metadata the engine tracks locally. The
// metadata is never sent over the wire; receivers reconstruct it from the
// header and the sender's counters.
type Message struct {
	// SenderID is the node id of the message's sender.
	SenderID derecho.NodeID
	// Index is the message's per-sender index within its subgroup.
	Index derecho.MessageID
	// Data holds the header followed by the payload.
	Data []byte

	// preDelivered marks a message already handed to the application at
	// receipt time (unordered shards), with the version it was assigned.
	preDelivered bool
	preVersion   derecho.Version
}

// Header decodes the message's header.
func (m *Message) Header() (derecho.Header, error) {
	return derecho.DecodeHeader(m.Data)
}

// Payload returns the bytes after the header.
func (m *Message) Payload() []byte {
	return m.Data[derecho.HeaderSize:]
}

// IsNull reports whether the message carries no payload.
func (m *Message) IsNull() bool {
	return len(m.Data) <= derecho.HeaderSize
}

// bufferPool recycles block-plane message buffers per subgroup so steady
// state sends allocate nothing.
type bufferPool struct {
	size uint64
	free [][]byte
}

func newBufferPool(size uint64) *bufferPool {
	return &bufferPool{size: size}
}

func (p *bufferPool) get(n int) []byte {
	if len(p.free) > 0 {
		buf := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		return buf[:n]
	}
	return make([]byte, n, p.size)
}

func (p *bufferPool) put(buf []byte) {
	if uint64(cap(buf)) != p.size || len(p.free) >= 64 {
		return
	}
	p.free = append(p.free, buf[:0])
}
