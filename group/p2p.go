package group

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/tamitakada/derecho"
	"github.com/tamitakada/derecho/transport"
)

// Point-to-point request/reply serves nodes that are not members of a
// subgroup: they ask a member instead of multicasting. Frames carry a
// request id so replies match up:
//
//	uint64 request id
//	payload
const p2pHeaderSize = 8

// P2PRequest sends payload to target and waits for its reply. The number
// of outstanding requests is bounded by the configured p2p window; callers
// block until a slot frees up.
func (g *Group) P2PRequest(ctx context.Context, target derecho.NodeID, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > uint64(g.cfg.MaxP2PRequestPayloadSize) {
		return nil, fmt.Errorf("%w: %d > %d", derecho.ErrPayloadTooLarge, len(payload), uint64(g.cfg.MaxP2PRequestPayloadSize))
	}

	select {
	case g.p2pWindow <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-g.p2pWindow }()

	g.p2pMu.Lock()
	g.p2pNextID++
	id := g.p2pNextID
	ch := make(chan []byte, 1)
	g.p2pPending[id] = ch
	g.p2pMu.Unlock()
	defer func() {
		g.p2pMu.Lock()
		delete(g.p2pPending, id)
		g.p2pMu.Unlock()
	}()

	buf := make([]byte, p2pHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[:p2pHeaderSize], id)
	copy(buf[p2pHeaderSize:], payload)
	if err := g.endpoint.Send(target, transport.Frame(transport.KindP2PRequest, buf)); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Group) handleP2PRequest(from derecho.NodeID, payload []byte) {
	if len(payload) < p2pHeaderSize {
		return
	}
	id := binary.LittleEndian.Uint64(payload[:p2pHeaderSize])

	var reply []byte
	if g.requestHandler != nil {
		reply = g.requestHandler(from, payload[p2pHeaderSize:])
	}
	if uint64(len(reply)) > uint64(g.cfg.MaxP2PReplyPayloadSize) {
		g.logger.Info("truncating oversized p2p reply",
			zap.Uint32("peer", uint32(from)))
		reply = reply[:g.cfg.MaxP2PReplyPayloadSize]
	}

	buf := make([]byte, p2pHeaderSize+len(reply))
	binary.LittleEndian.PutUint64(buf[:p2pHeaderSize], id)
	copy(buf[p2pHeaderSize:], reply)
	if err := g.endpoint.Send(from, transport.Frame(transport.KindP2PReply, buf)); err != nil {
		g.logger.Info("p2p reply failed", zap.Uint32("peer", uint32(from)))
	}
}

func (g *Group) handleP2PReply(from derecho.NodeID, payload []byte) {
	if len(payload) < p2pHeaderSize {
		return
	}
	id := binary.LittleEndian.Uint64(payload[:p2pHeaderSize])
	g.p2pMu.Lock()
	ch := g.p2pPending[id]
	g.p2pMu.Unlock()
	if ch == nil {
		return
	}
	reply := make([]byte, len(payload)-p2pHeaderSize)
	copy(reply, payload[p2pHeaderSize:])
	select {
	case ch <- reply:
	default:
	}
}
