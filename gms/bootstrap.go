package gms

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BootstrapService accepts TCP connections from prospective joiners on the
// gms port. The protocol is a stream of JSON control messages: the joiner
// sends its node id and listen ports, the service queues a join proposal,
// and at install time the prospective view and state blobs flow back over
// the same connection. The connection stays open until that install traffic
// has been sent or the service shuts down; a join refused by the
// partitioning-safety check is not signalled to the joiner.
type BootstrapService struct {
	mgr  *Manager
	bind string

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	shutdown chan struct{}
	closed   bool

	logger *zap.Logger
}

// NewBootstrapService creates a service bound to bind, feeding joins into
// mgr.
func NewBootstrapService(mgr *Manager, bind string) *BootstrapService {
	return &BootstrapService{
		mgr:      mgr,
		bind:     bind,
		shutdown: make(chan struct{}),
		logger:   zap.NewNop(),
	}
}

// WithLogger sets the service's logger.
func (s *BootstrapService) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "bootstrap"))
}

// Addr returns the bound listen address.
func (s *BootstrapService) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Open starts accepting joiner connections.
func (s *BootstrapService) Open() error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.bind)
	}
	s.ln = ln
	s.logger.Info("accepting joiners", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.serve()
	return nil
}

func (s *BootstrapService) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
			default:
				s.logger.Info("accept error", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *BootstrapService) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	dec := json.NewDecoder(conn)
	var req controlMessage
	if err := dec.Decode(&req); err != nil {
		s.logger.Info("bad join request", zap.Error(err))
		return
	}
	if req.Type != ctlJoinRequest || req.JoinerAddr == nil {
		s.logger.Info("unexpected bootstrap message", zap.String("type", req.Type))
		return
	}

	// Install traffic for this joiner flows back over the socket instead
	// of the in-group transport.
	var writeMu sync.Mutex
	enc := json.NewEncoder(conn)
	done := make(chan struct{})
	sent := 0
	reply := func(msg controlMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(msg); err != nil {
			return err
		}
		sent++
		if sent >= 2 { // install plus state
			select {
			case <-done:
			default:
				close(done)
			}
		}
		return nil
	}

	s.logger.Info("joiner connected",
		zap.Uint32("node", uint32(req.JoinerID)),
		zap.String("remote", conn.RemoteAddr().String()))
	s.mgr.QueueJoin(req.JoinerID, *req.JoinerAddr, reply)

	select {
	case <-done:
	case <-s.shutdown:
	}
}

// Close stops the service.
func (s *BootstrapService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

// JoinOverTCP bootstraps mgr into a group through a contact address: it
// dials, sends the join request, and feeds the returned view and state
// messages into the manager until the first view installs.
func JoinOverTCP(ctx context.Context, mgr *Manager, contactAddr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", contactAddr)
	if err != nil {
		return errors.Wrapf(err, "dial contact %s", contactAddr)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(controlMessage{
		Type:       ctlJoinRequest,
		JoinerID:   mgr.myID,
		JoinerAddr: &mgr.myAddr,
	}); err != nil {
		return errors.Wrap(err, "send join request")
	}

	// Read install traffic until the manager reports the first view. A read
	// error, including EOF when the contact shuts down, ends the join.
	errCh := make(chan error, 1)
	go func() {
		dec := json.NewDecoder(conn)
		for {
			var msg controlMessage
			if err := dec.Decode(&msg); err != nil {
				errCh <- errors.Wrap(err, "bootstrap stream")
				return
			}
			switch msg.Type {
			case ctlInstall:
				mgr.handleInstall(msg)
			case ctlState:
				mgr.handleState(msg)
			}
		}
	}()

	select {
	case <-mgr.joinDone:
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	mgr.wg.Add(1)
	go mgr.heartbeatLoop()
	return nil
}
