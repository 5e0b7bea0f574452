// Package group is the public surface of the library: it assembles the
// transport, the shared state table, the multicast engine and the view
// manager behind one handle that applications send through.
package group

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tamitakada/derecho"
	"github.com/tamitakada/derecho/gms"
	"github.com/tamitakada/derecho/multicast"
	"github.com/tamitakada/derecho/persist"
	"github.com/tamitakada/derecho/transport"
)

// Callbacks are the application's message event hooks. They run on
// internal goroutines and must not block; hand work off to your own
// workers.
type Callbacks struct {
	// Stability delivers one message in the shard's delivery order.
	Stability func(sub derecho.SubgroupID, sender derecho.NodeID, index derecho.MessageID, payload []byte, ver derecho.Version)
	// GlobalPersistence fires when a version has been persisted by every
	// shard member.
	GlobalPersistence func(sub derecho.SubgroupID, ver derecho.Version)
	// GlobalVerified fires when a version has been verified by every shard
	// member.
	GlobalVerified func(sub derecho.SubgroupID, ver derecho.Version)
}

// Option customizes a Group before it starts.
type Option func(*Group)

// WithLogger overrides the logger built from the configuration.
func WithLogger(log *zap.Logger) Option {
	return func(g *Group) { g.logger = log }
}

// WithTransport injects a transport endpoint and router, bypassing the TCP
// stack. Tests run whole groups in-process this way.
func WithTransport(endpoint transport.Endpoint, router *transport.Router) Option {
	return func(g *Group) {
		g.endpoint = endpoint
		g.router = router
	}
}

// WithPersistence replaces the default in-memory persistence log.
func WithPersistence(log persist.Log) Option {
	return func(g *Group) { g.plog = log }
}

// WithStateProvider sets the function that serializes a subgroup's
// replicated state for transfer to joiners.
func WithStateProvider(fn func(sub derecho.SubgroupID) ([]byte, error)) Option {
	return func(g *Group) { g.stateProvider = fn }
}

// WithStateApplier sets the function that installs transferred state when
// this node joins.
func WithStateApplier(fn func(sub derecho.SubgroupID, data []byte, ver derecho.Version) error) Option {
	return func(g *Group) { g.stateApplier = fn }
}

// WithRequestHandler serves point-to-point requests from nodes outside
// this node's subgroups. The returned bytes are the reply.
func WithRequestHandler(fn func(from derecho.NodeID, payload []byte) []byte) Option {
	return func(g *Group) { g.requestHandler = fn }
}

// Group is one node's handle on a replicated group.
type Group struct {
	cfg    derecho.Config
	logger *zap.Logger

	endpoint transport.Endpoint
	router   *transport.Router
	tcp      *transport.TCP
	boot     *gms.BootstrapService

	mgr  *gms.Manager
	plog persist.Log

	stateProvider  func(sub derecho.SubgroupID) ([]byte, error)
	stateApplier   func(sub derecho.SubgroupID, data []byte, ver derecho.Version) error
	requestHandler func(from derecho.NodeID, payload []byte) []byte

	metrics *metrics

	p2pMu      sync.Mutex
	p2pNextID  uint64
	p2pPending map[uint64]chan []byte
	p2pWindow  chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// New assembles a group handle from a frozen configuration. Call Start to
// found a group or Join to enter an existing one.
func New(cfg derecho.Config, membership gms.MembershipFunc, callbacks Callbacks, opts ...Option) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Group{
		cfg:        cfg,
		plog:       persist.NewMemLog(),
		p2pPending: make(map[uint64]chan []byte),
		p2pWindow:  make(chan struct{}, cfg.P2PWindowSize),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		log, err := cfg.Logging.New(os.Stderr)
		if err != nil {
			return nil, err
		}
		g.logger = log
	}
	if g.router == nil {
		g.router = transport.NewRouter()
	}

	g.metrics = newMetrics()

	addr := gms.Address{
		IP: cfg.LocalIP,
		Ports: derecho.NodePorts{
			GMS:           cfg.GMSPort,
			StateTransfer: cfg.StateTransferPort,
			SST:           cfg.SSTPort,
			RDMC:          cfg.RDMCPort,
			External:      cfg.ExternalPort,
		},
	}

	g.mgr = gms.NewManager(cfg, addr, membership, g.engineCallbacks(callbacks), g.plog)
	g.mgr.WithLogger(g.logger)
	g.mgr.StateProvider = g.stateProvider
	g.mgr.StateApplier = g.stateApplier
	g.mgr.OnViewInstalled = func(v *gms.View, _ *multicast.Group) {
		g.metrics.viewInstalls.Inc()
		g.metrics.memberCount.Set(float64(len(v.Members)))
	}

	if g.endpoint == nil {
		bind := fmt.Sprintf("%s:%d", cfg.LocalIP, cfg.SSTPort)
		tcp := transport.NewTCP(cfg.LocalID, bind, g.mgr.Resolve)
		tcp.WithLogger(g.logger)
		if err := tcp.Open(); err != nil {
			return nil, err
		}
		g.tcp = tcp
		g.endpoint = tcp

		boot := gms.NewBootstrapService(g.mgr, fmt.Sprintf("%s:%d", cfg.LocalIP, cfg.GMSPort))
		boot.WithLogger(g.logger)
		if err := boot.Open(); err != nil {
			tcp.Close()
			return nil, err
		}
		g.boot = boot
	}
	g.endpoint.SetHandler(g.router)
	g.mgr.SetTransport(g.endpoint, g.router)

	g.router.Handle(transport.KindP2PRequest, g.handleP2PRequest)
	g.router.Handle(transport.KindP2PReply, g.handleP2PReply)

	return g, nil
}

// Start founds the group as one of its initial members. Every founder
// passes the same member list, in the same order.
func (g *Group) Start(members []derecho.NodeID, addrs []gms.Address) error {
	if addrs == nil {
		addrs = make([]gms.Address, len(members))
	}
	return g.mgr.Start(&gms.View{Vid: 0, Members: members, Addresses: addrs})
}

// Join enters an existing group through the contact node over the in-group
// transport.
func (g *Group) Join(ctx context.Context, contact derecho.NodeID) error {
	return g.mgr.Join(ctx, contact)
}

// JoinTCP enters an existing group by dialing a contact's bootstrap
// address.
func (g *Group) JoinTCP(ctx context.Context, contactAddr string) error {
	return gms.JoinOverTCP(ctx, g.mgr, contactAddr)
}

// Send multicasts a message in a subgroup this node is a sender of: it
// reserves a slot on the active data plane, invokes fill with exactly
// payloadSize bytes to write, and commits. Returns false when the send
// window is full; the caller retries.
func (g *Group) Send(sub derecho.SubgroupID, payloadSize int, fill func([]byte), cooked bool) (bool, error) {
	engine := g.mgr.Engine()
	if engine == nil {
		return false, derecho.ErrGroupClosed
	}
	return engine.Send(sub, payloadSize, fill, cooked)
}

// DeliveredVersion reports the latest version delivered locally in a
// subgroup.
func (g *Group) DeliveredVersion(sub derecho.SubgroupID) derecho.Version {
	engine := g.mgr.Engine()
	if engine == nil {
		return derecho.InvalidVersion
	}
	return engine.DeliveredVersion(sub)
}

// GlobalPersistenceFrontier reports the highest version persisted by every
// member of the local shard.
func (g *Group) GlobalPersistenceFrontier(sub derecho.SubgroupID) derecho.Version {
	engine := g.mgr.Engine()
	if engine == nil {
		return derecho.InvalidVersion
	}
	return engine.GlobalPersistenceFrontier(sub)
}

// WaitForGlobalPersistenceFrontier blocks until the global persistence
// frontier reaches ver. Returns false when ver is beyond the latest
// delivered version or the group shuts down.
func (g *Group) WaitForGlobalPersistenceFrontier(sub derecho.SubgroupID, ver derecho.Version) bool {
	engine := g.mgr.Engine()
	if engine == nil {
		return false
	}
	return engine.WaitForGlobalPersistenceFrontier(sub, ver)
}

// GlobalStabilityFrontier reports the wall-clock timestamp (ns) of the
// oldest message the local shard is still waiting on.
func (g *Group) GlobalStabilityFrontier(sub derecho.SubgroupID) uint64 {
	engine := g.mgr.Engine()
	if engine == nil {
		return 0
	}
	return engine.GlobalStabilityFrontier(sub)
}

// SetLoadInfo publishes this node's load figure to the group.
func (g *Group) SetLoadInfo(load uint64) {
	if engine := g.mgr.Engine(); engine != nil {
		engine.SetLoadInfo(load)
	}
}

// LoadInfo reads a member's published load figure.
func (g *Group) LoadInfo(node derecho.NodeID) uint64 {
	if engine := g.mgr.Engine(); engine != nil {
		return engine.LoadInfo(node)
	}
	return 0
}

// SetCacheModelsInfo publishes this node's cached-models bitmap.
func (g *Group) SetCacheModelsInfo(models uint64) {
	if engine := g.mgr.Engine(); engine != nil {
		engine.SetCacheModelsInfo(models)
	}
}

// CacheModelsInfo reads a member's cached-models bitmap.
func (g *Group) CacheModelsInfo(node derecho.NodeID) uint64 {
	if engine := g.mgr.Engine(); engine != nil {
		return engine.CacheModelsInfo(node)
	}
	return 0
}

// CurrentView returns the installed view.
func (g *Group) CurrentView() *gms.View { return g.mgr.View() }

// Members returns the current membership in rank order.
func (g *Group) Members() []derecho.NodeID {
	if v := g.mgr.View(); v != nil {
		return v.Members
	}
	return nil
}

// MyID returns this node's id.
func (g *Group) MyID() derecho.NodeID { return g.cfg.LocalID }

// MyRank returns this node's rank in the current view, -1 if unknown.
func (g *Group) MyRank() int {
	if v := g.mgr.View(); v != nil {
		return v.MyRank
	}
	return -1
}

// ReportFailure marks a member as suspected, starting a view change.
func (g *Group) ReportFailure(node derecho.NodeID) { g.mgr.ReportFailure(node) }

// Leave departs the group; graceful leaves participate in one final view
// change first.
func (g *Group) Leave(graceful bool) { g.mgr.Leave(graceful) }

// BarrierSync blocks until every live member reaches the same barrier.
func (g *Group) BarrierSync(ctx context.Context) error { return g.mgr.BarrierSync(ctx) }

// Close shuts everything down: pending sends are dropped and blocked
// waiters return false.
func (g *Group) Close() error {
	g.closeMu.Lock()
	if g.closed {
		g.closeMu.Unlock()
		return nil
	}
	g.closed = true
	g.closeMu.Unlock()

	var err error
	err = multierr.Append(err, g.mgr.Close())
	if g.boot != nil {
		err = multierr.Append(err, g.boot.Close())
	}
	if g.endpoint != nil {
		err = multierr.Append(err, g.endpoint.Close())
	}
	err = multierr.Append(err, g.plog.Close())
	return err
}

// engineCallbacks wraps the user callbacks with metric accounting.
func (g *Group) engineCallbacks(user Callbacks) multicast.Callbacks {
	return multicast.Callbacks{
		Stability: func(sub derecho.SubgroupID, sender derecho.NodeID, index derecho.MessageID, payload []byte, ver derecho.Version) {
			g.metrics.deliveries.WithLabelValues(fmt.Sprint(sub)).Inc()
			if user.Stability != nil {
				user.Stability(sub, sender, index, payload, ver)
			}
		},
		GlobalPersistence: func(sub derecho.SubgroupID, ver derecho.Version) {
			g.metrics.persistFrontier.WithLabelValues(fmt.Sprint(sub)).Set(float64(ver))
			if user.GlobalPersistence != nil {
				user.GlobalPersistence(sub, ver)
			}
		},
		GlobalVerified: func(sub derecho.SubgroupID, ver derecho.Version) {
			if user.GlobalVerified != nil {
				user.GlobalVerified(sub, ver)
			}
		},
	}
}
