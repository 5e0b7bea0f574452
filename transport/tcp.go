package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tamitakada/derecho"
)

// MuxHeader is written first on every outbound connection so one listener
// can serve row traffic and point-to-point traffic side by side.
const MuxHeader uint32 = 0x44435253 // "DCRS"

const (
	frameRow byte = 'R'
	frameMsg byte = 'M'
)

// connect/write stall bound; a stalled peer is a suspicion matter.
const tcpWriteTimeout = 10 * time.Second

// Resolver maps a node id to its transport address (host:port).
type Resolver func(derecho.NodeID) (string, error)

// TCP is the production transport: a mux'd listener accepting row and
// message streams, plus one persistent outbound connection per peer. Frames
// from one peer arrive in program order; different peers are independent.
type TCP struct {
	id      derecho.NodeID
	bind    string
	resolve Resolver

	ln net.Listener

	mu      sync.Mutex
	conns   map[derecho.NodeID]*tcpPeer
	handler Handler
	closed  bool

	wg       sync.WaitGroup
	shutdown chan struct{}

	logger *zap.Logger
}

// NewTCP creates a transport bound to bind, resolving peer addresses
// through resolve.
func NewTCP(id derecho.NodeID, bind string, resolve Resolver) *TCP {
	return &TCP{
		id:       id,
		bind:     bind,
		resolve:  resolve,
		conns:    make(map[derecho.NodeID]*tcpPeer),
		shutdown: make(chan struct{}),
		logger:   zap.NewNop(),
	}
}

// WithLogger sets the logger.
func (t *TCP) WithLogger(log *zap.Logger) {
	t.logger = log.With(zap.String("service", "transport"))
}

// Addr returns the bound listen address, useful when binding to port 0.
func (t *TCP) Addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Open starts listening and accepting peer connections.
func (t *TCP) Open() error {
	ln, err := net.Listen("tcp", t.bind)
	if err != nil {
		return errors.Wrapf(err, "listen %s", t.bind)
	}
	t.ln = ln
	t.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	t.wg.Add(1)
	go t.serve()
	return nil
}

func (t *TCP) serve() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
			}
			t.logger.Info("accept error", zap.Error(err))
			return
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCP) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	// Close unblocks the read loop below by closing the inbound connection.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-t.shutdown:
			conn.Close()
		case <-stop:
		}
	}()

	var hdr [8]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != MuxHeader {
		t.logger.Info("rejected connection with bad mux header", zap.String("remote", conn.RemoteAddr().String()))
		return
	}
	from := derecho.NodeID(binary.BigEndian.Uint32(hdr[4:8]))

	for {
		kind, body, err := readFrame(conn)
		if err != nil {
			return
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h == nil {
			continue
		}
		switch kind {
		case frameRow:
			if len(body) < 5 {
				return
			}
			rank := int(int32(binary.BigEndian.Uint32(body[0:4])))
			withSlots := body[4] == 1
			h.HandleRow(from, rank, body[5:], withSlots)
		case frameMsg:
			h.HandleMessage(from, body)
		}
	}
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return hdr[0], body, nil
}

// SetHandler implements Endpoint.
func (t *TCP) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// WriteRow implements Endpoint.
func (t *TCP) WriteRow(peer derecho.NodeID, rank int, data []byte, withSlots bool) error {
	body := make([]byte, 5+len(data))
	binary.BigEndian.PutUint32(body[0:4], uint32(int32(rank)))
	if withSlots {
		body[4] = 1
	}
	copy(body[5:], data)
	return t.enqueue(peer, frameRow, body)
}

// Send implements Endpoint.
func (t *TCP) Send(peer derecho.NodeID, payload []byte) error {
	return t.enqueue(peer, frameMsg, payload)
}

func (t *TCP) enqueue(peer derecho.NodeID, kind byte, body []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	p, ok := t.conns[peer]
	if !ok {
		p = newTCPPeer(t, peer)
		t.conns[peer] = p
	}
	t.mu.Unlock()
	p.enqueue(frame{kind: kind, body: body})
	return nil
}

// Close implements Endpoint.
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*tcpPeer, 0, len(t.conns))
	for _, p := range t.conns {
		peers = append(peers, p)
	}
	t.conns = make(map[derecho.NodeID]*tcpPeer)
	t.mu.Unlock()

	close(t.shutdown)
	var err error
	if t.ln != nil {
		err = t.ln.Close()
	}
	for _, p := range peers {
		err = multierr.Append(err, p.close())
	}
	t.wg.Wait()
	return err
}

type frame struct {
	kind byte
	body []byte
}

// tcpPeer owns the outbound connection to one peer. A single pump goroutine
// drains the queue so frames keep program order.
type tcpPeer struct {
	t    *TCP
	id   derecho.NodeID
	mu   sync.Mutex
	cond *sync.Cond

	queue  []frame
	conn   net.Conn
	closed bool
	wg     sync.WaitGroup
}

func newTCPPeer(t *TCP, id derecho.NodeID) *tcpPeer {
	p := &tcpPeer{t: t, id: id}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.pump()
	return p
}

func (p *tcpPeer) enqueue(f frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, f)
	p.cond.Signal()
}

func (p *tcpPeer) pump() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		f := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if err := p.write(f); err != nil {
			// Drop the connection; the peer will be suspected by the
			// failure detector if it is really gone.
			p.t.logger.Info("peer write failed",
				zap.Uint32("peer", uint32(p.id)), zap.Error(err))
			p.mu.Lock()
			if p.conn != nil {
				p.conn.Close()
				p.conn = nil
			}
			p.mu.Unlock()
		}
	}
}

func (p *tcpPeer) write(f frame) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}
	buf := make([]byte, 5+len(f.body))
	buf[0] = f.kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.body)))
	copy(buf[5:], f.body)
	conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
	_, err = conn.Write(buf)
	return err
}

func (p *tcpPeer) connection() (net.Conn, error) {
	p.mu.Lock()
	if p.conn != nil {
		conn := p.conn
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	addr, err := p.t.resolve(p.id)
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownPeer, "node %d", p.id)
	}
	conn, err := net.DialTimeout("tcp", addr, tcpWriteTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], MuxHeader)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(p.t.id))
	conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
	if _, err := conn.Write(hdr[:]); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "write mux header")
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return conn, nil
}

func (p *tcpPeer) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	var err error
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	return err
}
