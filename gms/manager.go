package gms

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tamitakada/derecho"
	"github.com/tamitakada/derecho/multicast"
	"github.com/tamitakada/derecho/persist"
	"github.com/tamitakada/derecho/sst"
	"github.com/tamitakada/derecho/transport"
)

// suspicionMultiple is how many missed heartbeat intervals it takes before
// a peer is suspected.
const suspicionMultiple = 5

type joinRequest struct {
	id   derecho.NodeID
	addr Address
}

type heartbeatRecord struct {
	tick uint64
	seen time.Time
}

// Manager runs the view-change protocol: it owns the current view, its
// shared state table, and the multicast engine, replacing all three at
// every install. Failure suspicion, change proposal, acks, commits,
// wedging, ragged trim and installation are all predicates over the table.
type Manager struct {
	cfg    derecho.Config
	myID   derecho.NodeID
	myAddr Address

	endpoint   transport.Endpoint
	router     *transport.Router
	membership MembershipFunc
	callbacks  multicast.Callbacks
	plog       persist.Log

	// OnViewInstalled is invoked after each install, including the first,
	// with the new view and engine. Runs on the installing goroutine.
	OnViewInstalled func(v *View, engine *multicast.Group)
	// OnLeft is invoked when this node has been removed from the view,
	// after a graceful leave or an eviction.
	OnLeft func()
	// OnFatal is invoked when the partitioning-safety check refuses a
	// view change.
	OnFatal func(error)

	// StateProvider serializes a subgroup's replicated state for transfer
	// to a joiner. Nil means state transfer sends empty blobs.
	StateProvider func(sub derecho.SubgroupID) ([]byte, error)
	// StateApplier installs transferred state on a joiner.
	StateApplier func(sub derecho.SubgroupID, data []byte, ver derecho.Version) error

	// Clock abstracts time for the heartbeat loop.
	Clock clock.Clock

	mu       sync.Mutex
	view     *View
	table    *sst.Table
	engine   *multicast.Group
	changing bool
	// abandonedAt remembers the commit count of an install attempt that
	// provisioning rejected, so the trigger does not spin on it.
	abandonedAt int32
	leaving     bool
	closed      bool

	joinQueue []joinRequest
	// joinReplies overrides the transport for joiners bootstrapping over
	// TCP rather than the in-group plane.
	joinReplies map[derecho.NodeID]func(controlMessage) error
	// knownAddrs remembers addresses learned outside the installed view,
	// so state transfer can reach joiners the view does not list yet.
	knownAddrs map[derecho.NodeID]Address

	heartbeatSeen map[derecho.NodeID]*heartbeatRecord

	barrier *barrierTracker

	// Joiner-side install assembly.
	joinMu       sync.Mutex
	joinView     *View
	joinCounters *ChangeCounters
	joinStates   map[derecho.SubgroupID]StateBlob
	joinDone     chan struct{}

	shutdown chan struct{}
	wg       sync.WaitGroup

	logger *zap.Logger
}

// NewManager creates a view manager. SetTransport must be called before
// Start or Join.
func NewManager(cfg derecho.Config, myAddr Address, membership MembershipFunc,
	callbacks multicast.Callbacks, plog persist.Log) *Manager {

	return &Manager{
		cfg:           cfg,
		myID:          cfg.LocalID,
		myAddr:        myAddr,
		membership:    membership,
		callbacks:     callbacks,
		plog:          plog,
		Clock:         clock.New(),
		joinReplies:   make(map[derecho.NodeID]func(controlMessage) error),
		knownAddrs:    make(map[derecho.NodeID]Address),
		heartbeatSeen: make(map[derecho.NodeID]*heartbeatRecord),
		barrier:       newBarrierTracker(),
		joinDone:      make(chan struct{}),
		shutdown:      make(chan struct{}),
		logger:        zap.NewNop(),
	}
}

// WithLogger sets the manager's logger.
func (m *Manager) WithLogger(log *zap.Logger) {
	m.logger = log.With(zap.String("service", "gms"))
}

// SetTransport attaches the endpoint and router and registers the
// manager's message handlers.
func (m *Manager) SetTransport(endpoint transport.Endpoint, router *transport.Router) {
	m.endpoint = endpoint
	m.router = router
	router.Handle(transport.KindGMS, m.handleControl)
	router.Handle(transport.KindBarrier, m.handleBarrier)
	router.Handle(transport.KindFillRequest, m.handleFillRequest)
	router.Handle(transport.KindFillReply, m.handleFillReply)
}

// Resolve maps a node id to its transport address using the current view,
// falling back to the configured contact. Wired into the TCP transport.
func (m *Manager) Resolve(id derecho.NodeID) (string, error) {
	m.mu.Lock()
	v := m.view
	m.mu.Unlock()
	if v != nil {
		if addr, ok := v.AddressOf(id); ok && addr.IP != "" {
			return fmt.Sprintf("%s:%d", addr.IP, addr.Ports.SST), nil
		}
	}
	m.mu.Lock()
	known, ok := m.knownAddrs[id]
	m.mu.Unlock()
	if ok && known.IP != "" {
		return fmt.Sprintf("%s:%d", known.IP, known.Ports.SST), nil
	}
	if m.cfg.ContactIP != "" {
		return fmt.Sprintf("%s:%d", m.cfg.ContactIP, m.cfg.ContactPort), nil
	}
	return "", transport.ErrUnknownPeer
}

// View returns the currently installed view.
func (m *Manager) View() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Engine returns the current multicast engine.
func (m *Manager) Engine() *multicast.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// Table returns the current shared state table.
func (m *Manager) Table() *sst.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table
}

// Start brings the manager up as a founding member of the given initial
// view. Every founder derives the same view from configuration.
func (m *Manager) Start(initial *View) error {
	initial.MyRank = initial.RankOf(m.myID)
	if initial.MyRank < 0 {
		return derecho.ErrNotAMember
	}
	subgroups, err := m.membership(nil, initial)
	if err != nil {
		return err
	}
	initial.Subgroups = subgroups
	if err := m.installView(initial, nil, nil, nil, 0, nil, nil); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.heartbeatLoop()
	return nil
}

// Join bootstraps this node into an existing group through the contact
// node: it requests a join, waits for the leader to install a view
// containing it, receives the per-subgroup state, and starts.
func (m *Manager) Join(ctx context.Context, contact derecho.NodeID) error {
	req := encodeControl(controlMessage{
		Type:       ctlJoinRequest,
		JoinerID:   m.myID,
		JoinerAddr: &m.myAddr,
	})
	if err := m.endpoint.Send(contact, transport.Frame(transport.KindGMS, req)); err != nil {
		return err
	}

	select {
	case <-m.joinDone:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return derecho.ErrGroupClosed
	}

	m.wg.Add(1)
	go m.heartbeatLoop()
	return nil
}

// ReportFailure marks a member as suspected in the local row. The change
// propagates to every peer and, at the leader, turns into a departure
// proposal.
func (m *Manager) ReportFailure(id derecho.NodeID) {
	m.mu.Lock()
	t, v := m.table, m.view
	m.mu.Unlock()
	if t == nil || v == nil {
		return
	}
	rank := v.RankOf(id)
	if rank < 0 || rank == v.MyRank {
		return
	}
	m.logger.Info("reporting failure", zap.Uint32("node", uint32(id)))
	t.Update(func(r *sst.Row) { r.Suspected[rank] = true })
	if err := t.PushExceptSlots(); err != nil {
		m.logger.Info("row push failed", zap.Error(err))
	}
}

// Leave departs the group. A graceful leave publishes rip and participates
// in one final view change before shutdown; an abrupt one just closes.
func (m *Manager) Leave(graceful bool) {
	if !graceful {
		m.Close()
		return
	}
	m.mu.Lock()
	m.leaving = true
	t := m.table
	m.mu.Unlock()
	if t != nil {
		t.Update(func(r *sst.Row) { r.RIP = true })
		if err := t.PushExceptSlots(); err != nil {
			m.logger.Info("row push failed", zap.Error(err))
		}
	}

	// Wait for eviction, bounded by the restart timeout.
	deadline := time.Now().Add(time.Duration(m.cfg.RestartTimeout))
	for time.Now().Before(deadline) {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	m.Close()
}

// BarrierSync synchronizes all live members of the current view.
func (m *Manager) BarrierSync(ctx context.Context) error {
	m.mu.Lock()
	v := m.view
	m.mu.Unlock()
	if v == nil {
		return derecho.ErrGroupClosed
	}
	return m.barrierSync(ctx, userBarrierEpoch(v.Vid), m.liveMembers())
}

// Install barriers and user barriers share the tracker but never an epoch.
func installBarrierEpoch(vid int32) int32 { return vid * 2 }
func userBarrierEpoch(vid int32) int32    { return vid*2 + 1 }

// Close shuts the manager down without a final view change.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	engine, table := m.engine, m.table
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	var err error
	if engine != nil {
		err = engine.Close()
	}
	if table != nil {
		table.Predicates().Stop()
	}
	return err
}

// ---------------------------------------------------------------------
// View installation

// installView builds the table and engine for a view and registers every
// predicate. prev is nil for the first view and for joiners.
func (m *Manager) installView(v *View, prev *View, prevTable *sst.Table, prevEngine *multicast.Group,
	numChangesInstalled int, counters *ChangeCounters,
	initialVersions map[derecho.SubgroupID]derecho.Version) error {

	layout, settings, err := m.computeLayout(v)
	if err != nil {
		return err
	}

	table := sst.New(layout, v.Members, v.MyRank, m.endpoint)
	table.WithLogger(m.logger)
	table.SetBarrier(func(ctx context.Context) error {
		return m.barrierSync(ctx, installBarrierEpoch(v.Vid), v.Members)
	})
	table.Update(func(r *sst.Row) { r.Vid = v.Vid })
	if prevTable != nil {
		table.InitLocalRowFromPrevious(prevTable, prev.MyRank, numChangesInstalled)
	}
	if counters != nil {
		// A joiner seeds its counters from the leader's install message so
		// its row agrees with the survivors before any predicate runs.
		table.Update(func(r *sst.Row) {
			r.NumChanges = counters.Changes
			r.NumCommitted = counters.Committed
			r.NumAcked = counters.Acked
			r.NumInstalled = counters.Installed
		})
	}

	engine := multicast.NewGroup(table, m.endpoint, m.router, multicast.GroupConfig{
		Members:        v.Members,
		MyID:           m.myID,
		TotalSubgroups: len(v.Subgroups),
		Settings:       settings,
		SenderTimeout:  time.Duration(m.cfg.SenderTimeout),
		InitialVersion: initialVersions,
	}, m.callbacks, m.plog)
	engine.WithLogger(m.logger)

	m.mu.Lock()
	m.view = v
	m.table = table
	m.engine = engine
	m.changing = false
	m.heartbeatSeen = make(map[derecho.NodeID]*heartbeatRecord)
	m.mu.Unlock()

	m.router.SetRowSink(func(from derecho.NodeID, rank int, data []byte, withSlots bool) {
		if err := table.Apply(rank, data, withSlots); err != nil {
			m.logger.Info("dropping bad row update", zap.Error(err))
		}
	})

	m.registerPredicates(table, v)
	engine.Start()
	table.Predicates().Start()
	if err := table.Push(); err != nil {
		m.logger.Info("row push failed", zap.Error(err))
	}

	m.logger.Info("view installed",
		zap.Int32("vid", v.Vid),
		zap.Int("members", len(v.Members)),
		zap.Int("my_rank", v.MyRank))

	if m.OnViewInstalled != nil {
		m.OnViewInstalled(v, engine)
	}
	return nil
}

// computeLayout derives the uniform row layout all members agree on, plus
// this node's subgroup settings.
func (m *Manager) computeLayout(v *View) (sst.Layout, map[derecho.SubgroupID]*multicast.SubgroupSettings, error) {
	numReceivedSize := 0
	slotsSize := 0
	settings := make(map[derecho.SubgroupID]*multicast.SubgroupSettings)

	for g := range v.Subgroups {
		sub := derecho.SubgroupID(g)
		shards := v.Subgroups[g]
		if len(shards) == 0 {
			return sst.Layout{}, nil, fmt.Errorf("subgroup %d has no shards", g)
		}
		profileName := shards[0].Profile
		profile := m.cfg.Profile(profileName)
		alg, err := derecho.ParseSendAlgorithm(profile.RDMCSendAlgorithm)
		if err != nil {
			return sst.Layout{}, nil, err
		}
		params := multicast.Params{
			MaxMsgSize:    profile.MaxMessageSize(),
			SSTMaxMsgSize: profile.SSTMaxMessageSize(),
			BlockSize:     uint64(profile.BlockSize),
			WindowSize:    profile.WindowSize,
			Algorithm:     alg,
		}

		maxSenders := 0
		for i := range shards {
			if n := shards[i].NumSenders(); n > maxSenders {
				maxSenders = n
			}
		}

		for i := range shards {
			shard := &shards[i]
			rank := shard.RankOf(m.myID)
			if rank < 0 {
				continue
			}
			settings[sub] = &multicast.SubgroupSettings{
				ShardNum:          shard.ShardNum,
				ShardRank:         rank,
				Members:           shard.Members,
				Senders:           shard.IsSender,
				SenderRank:        shard.SenderRankOf(rank),
				NumReceivedOffset: numReceivedSize,
				SlotOffset:        slotsSize,
				IndexOffset:       g,
				Mode:              shard.Mode,
				Params:            params,
			}
		}

		numReceivedSize += maxSenders
		slotsSize += int(params.WindowSize) * (4 + int(params.SSTMaxMsgSize))
	}

	layout := sst.NewLayout(len(v.Members), len(v.Subgroups), numReceivedSize, 0, slotsSize, len(v.Subgroups))
	return layout, settings, nil
}

// ---------------------------------------------------------------------
// Predicates

func (m *Manager) registerPredicates(table *sst.Table, v *View) {
	preds := table.Predicates()

	// Suspicion spreads: any peer's suspicion becomes ours.
	preds.Register(sst.Recurrent,
		func(t *sst.Table) bool { return m.suspicionPredicate(t) },
		func(t *sst.Table) { m.suspicionTrigger(t, v) })

	// The leader turns suspicions, graceful exits and queued joins into
	// change proposals.
	preds.Register(sst.Recurrent,
		func(t *sst.Table) bool { return m.proposePredicate(t, v) },
		func(t *sst.Table) { m.proposeTrigger(t, v) })

	// Followers acknowledge the leader's proposals by copying them.
	preds.Register(sst.Recurrent,
		func(t *sst.Table) bool { return m.ackPredicate(t) },
		func(t *sst.Table) { m.ackTrigger(t) })

	// The leader commits once every live member has acknowledged.
	preds.Register(sst.Recurrent,
		func(t *sst.Table) bool { return m.commitPredicate(t) },
		func(t *sst.Table) { m.commitTrigger(t) })

	// A commit past num_installed starts the view change machinery.
	preds.Register(sst.Recurrent,
		func(t *sst.Table) bool { return m.installPredicate(t) },
		func(t *sst.Table) { m.installTrigger(t, v) })
}

func (m *Manager) suspicionPredicate(t *sst.Table) bool {
	found := false
	t.Read(func(rows []*sst.Row) {
		local := rows[t.MyRank()]
		for _, r := range rows {
			for j, s := range r.Suspected {
				if s && !local.Suspected[j] {
					found = true
					return
				}
			}
		}
	})
	return found
}

func (m *Manager) suspicionTrigger(t *sst.Table, v *View) {
	var newly []int
	t.Read(func(rows []*sst.Row) {
		local := rows[t.MyRank()]
		for _, r := range rows {
			for j, s := range r.Suspected {
				if s && !local.Suspected[j] {
					newly = append(newly, j)
				}
			}
		}
	})
	if len(newly) == 0 {
		return
	}
	t.Update(func(r *sst.Row) {
		for _, j := range newly {
			r.Suspected[j] = true
		}
	})
	for _, j := range newly {
		m.logger.Info("member suspected", zap.Uint32("node", uint32(v.Members[j])))
	}
	if err := t.PushExceptSlots(); err != nil {
		m.logger.Info("row push failed", zap.Error(err))
	}
}

// leaderRank returns the lowest-ranked unsuspected member per the local
// row, which is the current leader.
func leaderRank(rows []*sst.Row, me int) int {
	local := rows[me]
	for j := range local.Suspected {
		if !local.Suspected[j] {
			return j
		}
	}
	return -1
}

func (m *Manager) iAmLeader(t *sst.Table) bool {
	lead := -1
	t.Read(func(rows []*sst.Row) { lead = leaderRank(rows, t.MyRank()) })
	return lead == t.MyRank()
}

// pendingChangeFor reports whether a change for node id is already among
// the not-yet-installed proposals of the local row.
func pendingChangeFor(local *sst.Row, id derecho.NodeID) bool {
	pending := int(local.NumChanges - local.NumInstalled)
	for i := 0; i < pending && i < len(local.Changes); i++ {
		if derecho.NodeID(local.Changes[i].ChangeID) == id {
			return true
		}
	}
	return false
}

func (m *Manager) proposePredicate(t *sst.Table, v *View) bool {
	if !m.iAmLeader(t) {
		return false
	}
	m.mu.Lock()
	queued := len(m.joinQueue) > 0
	m.mu.Unlock()
	if queued {
		return true
	}

	need := false
	t.Read(func(rows []*sst.Row) {
		local := rows[t.MyRank()]
		for j, s := range local.Suspected {
			if s && !pendingChangeFor(local, v.Members[j]) {
				need = true
				return
			}
		}
		for j, r := range rows {
			if r.RIP && !pendingChangeFor(local, v.Members[j]) {
				need = true
				return
			}
		}
	})
	return need
}

func (m *Manager) proposeTrigger(t *sst.Table, v *View) {
	if !m.iAmLeader(t) {
		return
	}

	var departures []derecho.NodeID
	t.Read(func(rows []*sst.Row) {
		local := rows[t.MyRank()]
		for j, s := range local.Suspected {
			if s && !pendingChangeFor(local, v.Members[j]) {
				departures = append(departures, v.Members[j])
			}
		}
		for j, r := range rows {
			if r.RIP && !pendingChangeFor(local, v.Members[j]) && !local.Suspected[j] {
				departures = append(departures, v.Members[j])
			}
		}
	})

	m.mu.Lock()
	joins := m.joinQueue
	m.joinQueue = nil
	m.mu.Unlock()

	if len(departures) == 0 && len(joins) == 0 {
		return
	}

	t.Update(func(r *sst.Row) {
		// If the previous proposals came from an older leader, mark the
		// boundary so pipelined commits do not replay across it.
		pending := int(r.NumChanges - r.NumInstalled)
		if pending > 0 {
			last := &r.Changes[pending-1]
			if derecho.NodeID(last.LeaderID) != m.myID {
				last.EndOfView = true
			}
		}
		appendChange := func(id derecho.NodeID, addr *Address) {
			slot := int(r.NumChanges - r.NumInstalled)
			if slot >= len(r.Changes) {
				return
			}
			r.Changes[slot] = derecho.ChangeProposal{
				LeaderID: uint16(m.myID),
				ChangeID: uint16(id),
			}
			if addr != nil {
				r.JoinerIPs[slot] = packIP(addr.IP)
				r.JoinerGMSPorts[slot] = addr.Ports.GMS
				r.JoinerStateTransferPorts[slot] = addr.Ports.StateTransfer
				r.JoinerSSTPorts[slot] = addr.Ports.SST
				r.JoinerRDMCPorts[slot] = addr.Ports.RDMC
				r.JoinerExternalPorts[slot] = addr.Ports.External
			}
			r.NumChanges++
		}
		for _, id := range departures {
			appendChange(id, nil)
			m.logger.Info("proposing departure", zap.Uint32("node", uint32(id)))
		}
		for _, j := range joins {
			appendChange(j.id, &j.addr)
			m.logger.Info("proposing join", zap.Uint32("node", uint32(j.id)))
		}
		r.NumAcked = r.NumChanges
	})
	if err := t.PushExceptSlots(); err != nil {
		m.logger.Info("row push failed", zap.Error(err))
	}
}

func (m *Manager) ackPredicate(t *sst.Table) bool {
	ack := false
	t.Read(func(rows []*sst.Row) {
		me := t.MyRank()
		lead := leaderRank(rows, me)
		if lead < 0 || lead == me {
			return
		}
		ack = rows[lead].NumChanges > rows[me].NumChanges
	})
	return ack
}

func (m *Manager) ackTrigger(t *sst.Table) {
	lead := -1
	t.Read(func(rows []*sst.Row) { lead = leaderRank(rows, t.MyRank()) })
	if lead < 0 || lead == t.MyRank() {
		return
	}
	t.InitLocalChangeProposals(lead)
	t.Update(func(r *sst.Row) { r.NumAcked = r.NumChanges })
	if err := t.PushExceptSlots(); err != nil {
		m.logger.Info("row push failed", zap.Error(err))
	}
}

func (m *Manager) commitPredicate(t *sst.Table) bool {
	if !m.iAmLeader(t) {
		return false
	}
	commit := false
	t.Read(func(rows []*sst.Row) {
		local := rows[t.MyRank()]
		min := local.NumAcked
		for j, r := range rows {
			if local.Suspected[j] {
				continue
			}
			if r.NumAcked < min {
				min = r.NumAcked
			}
		}
		commit = min > local.NumCommitted
	})
	return commit
}

func (m *Manager) commitTrigger(t *sst.Table) {
	if !m.iAmLeader(t) {
		return
	}
	var min int32
	t.Read(func(rows []*sst.Row) {
		local := rows[t.MyRank()]
		min = local.NumAcked
		for j, r := range rows {
			if local.Suspected[j] {
				continue
			}
			if r.NumAcked < min {
				min = r.NumAcked
			}
		}
	})
	t.Update(func(r *sst.Row) {
		if min > r.NumCommitted {
			r.NumCommitted = min
		}
	})
	if err := t.PushExceptSlots(); err != nil {
		m.logger.Info("row push failed", zap.Error(err))
	}
}

// Followers learn the commit point from the leader's row.
func (m *Manager) installPredicate(t *sst.Table) bool {
	m.mu.Lock()
	changing := m.changing
	abandonedAt := m.abandonedAt
	m.mu.Unlock()
	if changing {
		return false
	}

	start := false
	t.Read(func(rows []*sst.Row) {
		me := t.MyRank()
		lead := leaderRank(rows, me)
		committed := rows[me].NumCommitted
		if lead >= 0 && rows[lead].NumCommitted > committed {
			committed = rows[lead].NumCommitted
		}
		// Never act on a commit point past the proposals we have copied.
		if committed > rows[me].NumChanges {
			committed = rows[me].NumChanges
		}
		start = committed > rows[me].NumInstalled && committed > abandonedAt
	})
	return start
}

func (m *Manager) installTrigger(t *sst.Table, v *View) {
	m.mu.Lock()
	if m.changing || m.closed {
		m.mu.Unlock()
		return
	}
	m.changing = true
	m.mu.Unlock()

	// Adopt the leader's commit point before wedging, bounded by the
	// proposals this row has actually copied.
	var committed int32
	t.Read(func(rows []*sst.Row) {
		me := t.MyRank()
		committed = rows[me].NumCommitted
		if lead := leaderRank(rows, me); lead >= 0 && rows[lead].NumCommitted > committed {
			committed = rows[lead].NumCommitted
		}
		if committed > rows[me].NumChanges {
			committed = rows[me].NumChanges
		}
	})
	t.Update(func(r *sst.Row) {
		if committed > r.NumCommitted {
			r.NumCommitted = committed
		}
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runViewChange(t, v)
	}()
}

// ---------------------------------------------------------------------
// The view change

// waitTable polls a condition over the table until it holds or the context
// ends.
func (m *Manager) waitTable(ctx context.Context, t *sst.Table, cond func(rows []*sst.Row) bool) error {
	for {
		ok := false
		t.Read(func(rows []*sst.Row) { ok = cond(rows) })
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.shutdown:
			return derecho.ErrGroupClosed
		case <-time.After(200 * time.Microsecond):
		}
	}
}

// liveRanks returns the ranks the local row does not suspect.
func liveRanks(rows []*sst.Row, me int) []int {
	local := rows[me]
	var live []int
	for j := range local.Suspected {
		if !local.Suspected[j] {
			live = append(live, j)
		}
	}
	return live
}

func (m *Manager) liveMembers() []derecho.NodeID {
	m.mu.Lock()
	v, t := m.view, m.table
	m.mu.Unlock()
	if v == nil || t == nil {
		return nil
	}
	var live []derecho.NodeID
	t.Read(func(rows []*sst.Row) {
		for _, j := range liveRanks(rows, t.MyRank()) {
			live = append(live, v.Members[j])
		}
	})
	return live
}

// runViewChange drives one epoch transition: wedge, ragged trim, next-view
// computation, barrier, state transfer, install. It runs on its own
// goroutine so the predicate thread keeps sweeping throughout.
func (m *Manager) runViewChange(t *sst.Table, v *View) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.RestartTimeout))
	defer cancel()

	engine := m.Engine()
	m.logger.Info("view change starting", zap.Int32("vid", v.Vid))

	// Wedge: halt the data planes and wait for every live member to do the
	// same.
	engine.Wedge()
	if err := m.waitTable(ctx, t, func(rows []*sst.Row) bool {
		for _, j := range liveRanks(rows, t.MyRank()) {
			if !rows[j].Wedged {
				return false
			}
		}
		return true
	}); err != nil {
		m.abortViewChange(t, err)
		return
	}

	// Ragged trim, one subgroup at a time.
	caps := make(map[derecho.SubgroupID][]int32)
	for _, sub := range engine.Subgroups() {
		settings, _ := engine.Settings(sub)
		c, err := m.raggedTrim(ctx, t, v, engine, sub, settings)
		if err != nil {
			m.abortViewChange(t, err)
			return
		}
		caps[sub] = c
	}

	// Wait until every live member has delivered its trimmed prefix, so
	// the installed prefix is identical everywhere.
	for sub, c := range caps {
		settings, _ := engine.Settings(sub)
		capSeq := trimSeq(c, settings.NumSenders())
		if err := m.waitTable(ctx, t, func(rows []*sst.Row) bool {
			for _, j := range liveRanks(rows, t.MyRank()) {
				if shardContains(settings, v.Members[j]) && rows[j].DeliveredNum[sub] < capSeq {
					return false
				}
			}
			return true
		}); err != nil {
			m.abortViewChange(t, err)
			return
		}
	}

	// Compute the next view from the committed changes.
	next, numInstalled, joiners, err := m.computeNextView(t, v)
	if err != nil {
		m.abortViewChange(t, err)
		return
	}

	subgroups, err := m.membership(v, next)
	if err != nil {
		// Provisioning failed: abandon the install, stay in the current
		// view. The leader may retry after the next change.
		m.logger.Info("provisioning failed, install abandoned", zap.Error(err))
		m.mu.Lock()
		m.abandonedAt = numInstalled.committed
		m.changing = false
		m.mu.Unlock()
		return
	}
	next.Subgroups = subgroups

	if !next.IsMember(m.myID) {
		// This node was removed: it has honored the trim, now it goes.
		m.logger.Info("departed from view", zap.Int32("vid", next.Vid))
		m.finishLeave()
		return
	}

	// Barrier with the other survivors before cutting over.
	survivors := make([]derecho.NodeID, 0, len(next.Members))
	for _, id := range next.Members {
		if v.IsMember(id) {
			survivors = append(survivors, id)
		}
	}
	if err := m.barrierSync(ctx, installBarrierEpoch(next.Vid), survivors); err != nil {
		m.abortViewChange(t, err)
		return
	}
	m.barrier.forget(installBarrierEpoch(next.Vid))

	// Versions carry across the view boundary.
	initialVersions := make(map[derecho.SubgroupID]derecho.Version)
	for g := range next.Subgroups {
		sub := derecho.SubgroupID(g)
		initialVersions[sub] = engine.NextVersion(sub)
	}

	// Ship the new view and the replicated state to joiners before the
	// old engine goes away.
	if len(joiners) > 0 {
		m.transferState(next, v, t, engine, joiners, numInstalled.applied, initialVersions)
	}

	engine.Close()
	t.Predicates().Stop()

	if err := m.installView(next, v, t, engine, int(numInstalled.applied), nil, initialVersions); err != nil {
		m.abortViewChange(t, err)
		return
	}
}

type installCounts struct {
	committed int32
	applied   int32
}

// raggedTrim publishes or adopts the per-sender delivery caps for one
// subgroup, fill-forwards anything this node is missing below the caps,
// and delivers up to them.
func (m *Manager) raggedTrim(ctx context.Context, t *sst.Table, v *View, engine *multicast.Group,
	sub derecho.SubgroupID, settings *multicast.SubgroupSettings) ([]int32, error) {

	k := settings.NumSenders()
	off := settings.NumReceivedOffset

	// The shard leader is its lowest-ranked live member.
	shardLeader := -1
	t.Read(func(rows []*sst.Row) {
		local := rows[t.MyRank()]
		for _, id := range settings.Members {
			j := v.RankOf(id)
			if j >= 0 && !local.Suspected[j] {
				if shardLeader < 0 || j < shardLeader {
					shardLeader = j
				}
			}
		}
	})
	if shardLeader < 0 {
		return nil, fmt.Errorf("subgroup %d has no live members", sub)
	}

	caps := make([]int32, k)
	if shardLeader == t.MyRank() {
		// The cap for each sender is the most any survivor received: the
		// trim fills laggards forward rather than discarding progress.
		t.Read(func(rows []*sst.Row) {
			local := rows[t.MyRank()]
			for sr := 0; sr < k; sr++ {
				max := int32(0)
				for _, id := range settings.Members {
					j := v.RankOf(id)
					if j < 0 || local.Suspected[j] {
						continue
					}
					if c := rows[j].NumReceived[off+sr]; c > max {
						max = c
					}
				}
				caps[sr] = max
			}
		})
		t.Update(func(r *sst.Row) {
			for sr := 0; sr < k; sr++ {
				r.GlobalMin[off+sr] = caps[sr]
			}
			r.GlobalMinReady[sub] = true
		})
		if err := t.PushExceptSlots(); err != nil {
			m.logger.Info("row push failed", zap.Error(err))
		}
	} else {
		if err := m.waitTable(ctx, t, func(rows []*sst.Row) bool {
			return rows[shardLeader].GlobalMinReady[sub]
		}); err != nil {
			return nil, err
		}
		t.Read(func(rows []*sst.Row) {
			for sr := 0; sr < k; sr++ {
				caps[sr] = rows[shardLeader].GlobalMin[off+sr]
			}
		})
		t.Update(func(r *sst.Row) {
			for sr := 0; sr < k; sr++ {
				r.GlobalMin[off+sr] = caps[sr]
			}
			r.GlobalMinReady[sub] = true
		})
		if err := t.PushExceptSlots(); err != nil {
			m.logger.Info("row push failed", zap.Error(err))
		}
	}

	if err := m.fillForward(ctx, t, v, engine, sub, settings, caps); err != nil {
		return nil, err
	}

	engine.DeliverMessagesUpto(sub, caps)
	return caps, nil
}

// fillForward requests every message below the caps this node has not
// received from a survivor that has it, then waits for the gaps to close.
func (m *Manager) fillForward(ctx context.Context, t *sst.Table, v *View, engine *multicast.Group,
	sub derecho.SubgroupID, settings *multicast.SubgroupSettings, caps []int32) error {

	request := func() {
		counts := engine.ReceivedCounts(sub)
		for sr, c := range caps {
			for idx := counts[sr]; idx < c; idx++ {
				donor := m.fillDonor(t, v, settings, sr, idx)
				if donor < 0 {
					continue
				}
				frame := encodeFill(fillFrame{vid: v.Vid, subgroup: sub, senderRank: sr, index: derecho.MessageID(idx)})
				if err := m.endpoint.Send(v.Members[donor], transport.Frame(transport.KindFillRequest, frame)); err != nil {
					m.logger.Info("fill request failed", zap.Error(err))
				}
			}
		}
	}

	satisfied := func() bool {
		counts := engine.ReceivedCounts(sub)
		for sr, c := range caps {
			if counts[sr] < c {
				return false
			}
		}
		return true
	}

	if satisfied() {
		return nil
	}
	request()
	retry := time.NewTicker(100 * time.Millisecond)
	defer retry.Stop()
	for !satisfied() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.shutdown:
			return derecho.ErrGroupClosed
		case <-retry.C:
			request()
		case <-time.After(200 * time.Microsecond):
		}
	}
	return nil
}

// fillDonor picks a live shard member whose row shows it holds the wanted
// message.
func (m *Manager) fillDonor(t *sst.Table, v *View, settings *multicast.SubgroupSettings, sr int, idx int32) int {
	donor := -1
	t.Read(func(rows []*sst.Row) {
		local := rows[t.MyRank()]
		for _, id := range settings.Members {
			j := v.RankOf(id)
			if j < 0 || j == t.MyRank() || local.Suspected[j] {
				continue
			}
			if rows[j].NumReceived[settings.NumReceivedOffset+sr] > idx {
				donor = j
				return
			}
		}
	})
	return donor
}

// trimSeq converts per-sender caps into the highest global sequence number
// of the trimmed prefix.
func trimSeq(caps []int32, k int) derecho.MessageID {
	max := derecho.MessageID(-1)
	for sr, c := range caps {
		if c <= 0 {
			continue
		}
		if seq := derecho.MessageID(c-1)*derecho.MessageID(k) + derecho.MessageID(sr); seq > max {
			max = seq
		}
	}
	return max
}

func shardContains(settings *multicast.SubgroupSettings, id derecho.NodeID) bool {
	for _, m := range settings.Members {
		if m == id {
			return true
		}
	}
	return false
}

// computeNextView applies the committed changes, in order, to the current
// membership. Every member computes this independently from its acked copy
// of the change vector and arrives at the same result.
func (m *Manager) computeNextView(t *sst.Table, v *View) (*View, installCounts, []joinRequest, error) {
	var (
		committed int32
		installed int32
		changes   []derecho.ChangeProposal
		joinAddrs []Address
	)
	t.Read(func(rows []*sst.Row) {
		local := rows[t.MyRank()]
		committed = local.NumCommitted
		installed = local.NumInstalled
		n := int(committed - installed)
		changes = make([]derecho.ChangeProposal, n)
		copy(changes, local.Changes[:n])
		joinAddrs = make([]Address, n)
		for i := 0; i < n; i++ {
			joinAddrs[i] = Address{
				IP: unpackIP(local.JoinerIPs[i]),
				Ports: derecho.NodePorts{
					GMS:           local.JoinerGMSPorts[i],
					StateTransfer: local.JoinerStateTransferPorts[i],
					SST:           local.JoinerSSTPorts[i],
					RDMC:          local.JoinerRDMCPorts[i],
					External:      local.JoinerExternalPorts[i],
				},
			}
		}
	})

	members := append([]derecho.NodeID(nil), v.Members...)
	addrs := append([]Address(nil), v.Addresses...)
	var joined, departed []derecho.NodeID
	var joiners []joinRequest

	for i, c := range changes {
		id := derecho.NodeID(c.ChangeID)
		if idx := indexOf(members, id); idx >= 0 {
			members = append(members[:idx], members[idx+1:]...)
			addrs = append(addrs[:idx], addrs[idx+1:]...)
			departed = append(departed, id)
		} else {
			members = append(members, id)
			addrs = append(addrs, joinAddrs[i])
			joined = append(joined, id)
			joiners = append(joiners, joinRequest{id: id, addr: joinAddrs[i]})
		}
	}

	if len(members) == 0 {
		return nil, installCounts{}, nil, fmt.Errorf("no members remain after changes")
	}

	// Partitioning safety: the survivors must be a strict majority of the
	// prior view, or this "view change" may be one side of a split brain.
	if !m.cfg.DisablePartitioningSafety {
		surviving := 0
		for _, id := range v.Members {
			if indexOf(members, id) >= 0 {
				surviving++
			}
		}
		if surviving*2 <= len(v.Members) {
			return nil, installCounts{}, nil, derecho.ErrPartitioned
		}
	}

	next := &View{
		Vid:       v.Vid + 1,
		Members:   members,
		Addresses: addrs,
		Joined:    joined,
		Departed:  departed,
	}
	next.MyRank = next.RankOf(m.myID)
	m.mu.Lock()
	for _, j := range joiners {
		m.knownAddrs[j.id] = j.addr
	}
	m.mu.Unlock()
	return next, installCounts{committed: committed, applied: committed - installed}, joiners, nil
}

func indexOf(members []derecho.NodeID, id derecho.NodeID) int {
	for i, m := range members {
		if m == id {
			return i
		}
	}
	return -1
}

func (m *Manager) abortViewChange(t *sst.Table, err error) {
	m.logger.Info("view change aborted", zap.Error(err))
	m.mu.Lock()
	m.changing = false
	m.mu.Unlock()
	if err == derecho.ErrPartitioned {
		// Do not spin on the same commit point; a later change may restore
		// the majority.
		var committed int32
		t.Read(func(rows []*sst.Row) { committed = rows[t.MyRank()].NumCommitted })
		m.mu.Lock()
		if committed > m.abandonedAt {
			m.abandonedAt = committed
		}
		m.mu.Unlock()
		if m.OnFatal != nil {
			m.OnFatal(err)
		}
	}
}

func (m *Manager) finishLeave() {
	m.mu.Lock()
	engine, table := m.engine, m.table
	m.engine, m.table, m.view = nil, nil, nil
	alreadyClosed := m.closed
	m.closed = true
	m.mu.Unlock()

	if !alreadyClosed {
		close(m.shutdown)
	}
	if engine != nil {
		engine.Close()
	}
	if table != nil {
		table.Predicates().Stop()
	}
	if m.OnLeft != nil {
		m.OnLeft()
	}
}

// ---------------------------------------------------------------------
// State transfer

// transferState ships the prospective view and per-subgroup state blobs to
// every joiner. Shard leaders send the state for their shard's subgroups;
// the group leader sends the view itself, along with the change counters
// the joiner's row must start from.
func (m *Manager) transferState(next *View, old *View, oldTable *sst.Table, engine *multicast.Group,
	joiners []joinRequest, applied int32, versions map[derecho.SubgroupID]derecho.Version) {

	iAmGroupLeader := len(next.Members) > 0 && m.lowestSurvivor(next, old) == m.myID

	viewBytes, err := next.Marshal()
	if err != nil {
		m.logger.Error("marshal view for transfer", zap.Error(err))
		return
	}

	// The joiner starts at the install baseline for every counter, even
	// when further proposals are already pipelined: it has not copied
	// those, so it must not claim to have acknowledged them. The ack
	// predicate re-syncs the pending tail from the leader's row.
	var counters ChangeCounters
	oldTable.Read(func(rows []*sst.Row) {
		local := rows[oldTable.MyRank()]
		installed := local.NumInstalled + applied
		counters = ChangeCounters{
			Changes:   installed,
			Committed: installed,
			Acked:     installed,
			Installed: installed,
		}
	})

	var eg errgroup.Group
	for _, j := range joiners {
		j := j
		eg.Go(func() error {
			if iAmGroupLeader {
				msg := controlMessage{Type: ctlInstall, View: viewBytes, Counters: &counters}
				if err := m.sendControl(j.id, msg); err != nil {
					return err
				}
			}

			// State for each subgroup the joiner is now a shard member of,
			// sent by that shard's leader among the survivors.
			var blobs []StateBlob
			for g := range next.Subgroups {
				sub := derecho.SubgroupID(g)
				shard := next.MyShard(sub, j.id)
				if shard == nil || !m.iAmShardLeader(next, old, shard) {
					continue
				}
				var data []byte
				if m.StateProvider != nil {
					if data, err = m.StateProvider(sub); err != nil {
						return err
					}
				}
				blobs = append(blobs, NewStateBlob(sub, versions[sub], data))
			}
			if len(blobs) > 0 {
				return m.sendControl(j.id, controlMessage{Type: ctlState, States: blobs})
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		m.logger.Info("state transfer failed", zap.Error(err))
	}

	m.mu.Lock()
	for _, j := range joiners {
		delete(m.joinReplies, j.id)
	}
	m.mu.Unlock()
}

// lowestSurvivor returns the lowest-ranked member of next that was already
// a member of old.
func (m *Manager) lowestSurvivor(next *View, old *View) derecho.NodeID {
	for _, id := range next.Members {
		if old.IsMember(id) {
			return id
		}
	}
	return next.Members[0]
}

// iAmShardLeader reports whether this node is the lowest-ranked survivor
// in the shard.
func (m *Manager) iAmShardLeader(next *View, old *View, shard *SubView) bool {
	for _, id := range shard.Members {
		if old.IsMember(id) {
			return id == m.myID
		}
	}
	return false
}

func (m *Manager) sendControl(to derecho.NodeID, msg controlMessage) error {
	m.mu.Lock()
	reply := m.joinReplies[to]
	m.mu.Unlock()
	if reply != nil {
		return reply(msg)
	}
	return m.endpoint.Send(to, transport.Frame(transport.KindGMS, encodeControl(msg)))
}

// ---------------------------------------------------------------------
// Inbound handlers

func (m *Manager) handleControl(from derecho.NodeID, payload []byte) {
	msg, err := decodeControl(payload)
	if err != nil {
		m.logger.Info("dropping bad control message", zap.Error(err))
		return
	}
	switch msg.Type {
	case ctlJoinRequest:
		if msg.JoinerAddr != nil {
			m.QueueJoin(msg.JoinerID, *msg.JoinerAddr, nil)
		}
	case ctlInstall:
		m.handleInstall(msg)
	case ctlState:
		m.handleState(msg)
	}
}

// QueueJoin registers a join request. If this node is not the leader it
// forwards the request on; the leader proposes it on the next predicate
// sweep. reply, when non-nil, overrides how install traffic reaches the
// joiner (the TCP bootstrap path).
func (m *Manager) QueueJoin(id derecho.NodeID, addr Address, reply func(controlMessage) error) {
	if uint32(id) >= m.cfg.MaxNodeID {
		m.logger.Info("rejecting joiner with out-of-range id", zap.Uint32("node", uint32(id)))
		return
	}

	m.mu.Lock()
	t, v := m.table, m.view
	if reply != nil {
		m.joinReplies[id] = reply
	}
	m.mu.Unlock()
	if t == nil || v == nil {
		return
	}

	if v.IsMember(id) {
		return
	}

	// Only the leader proposes; everyone else forwards.
	if !m.iAmLeader(t) {
		lead := -1
		t.Read(func(rows []*sst.Row) { lead = leaderRank(rows, t.MyRank()) })
		if lead >= 0 {
			msg := controlMessage{Type: ctlJoinRequest, JoinerID: id, JoinerAddr: &addr}
			if err := m.endpoint.Send(v.Members[lead], transport.Frame(transport.KindGMS, encodeControl(msg))); err != nil {
				m.logger.Info("join forward failed", zap.Error(err))
			}
		}
		return
	}

	m.mu.Lock()
	for _, q := range m.joinQueue {
		if q.id == id {
			m.mu.Unlock()
			return
		}
	}
	m.joinQueue = append(m.joinQueue, joinRequest{id: id, addr: addr})
	m.mu.Unlock()
	m.logger.Info("queued join request", zap.Uint32("node", uint32(id)))
}

func (m *Manager) handleInstall(msg controlMessage) {
	v, err := UnmarshalView(msg.View, m.myID)
	if err != nil {
		m.logger.Info("dropping bad install message", zap.Error(err))
		return
	}
	m.joinMu.Lock()
	m.joinView = v
	m.joinCounters = msg.Counters
	m.joinMu.Unlock()
	m.maybeFinishJoin()
}

func (m *Manager) handleState(msg controlMessage) {
	m.joinMu.Lock()
	if m.joinStates == nil {
		m.joinStates = make(map[derecho.SubgroupID]StateBlob)
	}
	for _, b := range msg.States {
		m.joinStates[b.Subgroup] = b
	}
	m.joinMu.Unlock()
	m.maybeFinishJoin()
}

// maybeFinishJoin installs the joiner's first view once the view and every
// needed state blob have arrived.
func (m *Manager) maybeFinishJoin() {
	m.joinMu.Lock()
	v := m.joinView
	if v == nil {
		m.joinMu.Unlock()
		return
	}
	var needed []derecho.SubgroupID
	for g := range v.Subgroups {
		sub := derecho.SubgroupID(g)
		if v.MyShard(sub, m.myID) != nil {
			needed = append(needed, sub)
		}
	}
	for _, sub := range needed {
		if _, ok := m.joinStates[sub]; !ok {
			m.joinMu.Unlock()
			return
		}
	}
	states := m.joinStates
	counters := m.joinCounters
	m.joinView = nil
	m.joinMu.Unlock()

	initialVersions := make(map[derecho.SubgroupID]derecho.Version)
	for sub, b := range states {
		if err := b.Verify(); err != nil {
			m.logger.Error("state transfer checksum mismatch", zap.Error(err))
			return
		}
		initialVersions[sub] = b.Version
		if m.StateApplier != nil {
			if err := m.StateApplier(sub, b.Data, b.Version); err != nil {
				m.logger.Error("state apply failed", zap.Error(err))
				return
			}
		}
	}

	if err := m.installView(v, nil, nil, nil, 0, counters, initialVersions); err != nil {
		m.logger.Error("joiner install failed", zap.Error(err))
		return
	}
	select {
	case <-m.joinDone:
	default:
		close(m.joinDone)
	}
}

func (m *Manager) handleBarrier(from derecho.NodeID, payload []byte) {
	msg, err := decodeBarrier(payload)
	if err != nil {
		m.logger.Info("dropping bad barrier message", zap.Error(err))
		return
	}
	if msg.Release {
		m.barrier.release(msg.Epoch)
		return
	}
	m.barrier.recordArrival(msg.Epoch, msg.From)
}

// barrierSync blocks until every participant reaches the barrier. The
// lowest-id participant coordinates.
func (m *Manager) barrierSync(ctx context.Context, epoch int32, participants []derecho.NodeID) error {
	if len(participants) <= 1 {
		return nil
	}
	sorted := append([]derecho.NodeID(nil), participants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	coordinator := sorted[0]

	if coordinator == m.myID {
		// Wait for everyone, then release.
		for {
			if n := m.barrier.recordArrival(epoch, m.myID); n >= len(sorted) {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.shutdown:
				return derecho.ErrGroupClosed
			case <-time.After(200 * time.Microsecond):
			}
		}
		release := transport.Frame(transport.KindBarrier, encodeBarrier(barrierMessage{Epoch: epoch, From: m.myID, Release: true}))
		for _, id := range sorted[1:] {
			if err := m.endpoint.Send(id, release); err != nil {
				m.logger.Info("barrier release failed", zap.Error(err))
			}
		}
		m.barrier.release(epoch)
		return nil
	}

	arrive := transport.Frame(transport.KindBarrier, encodeBarrier(barrierMessage{Epoch: epoch, From: m.myID}))
	if err := m.endpoint.Send(coordinator, arrive); err != nil {
		return err
	}
	return m.barrier.await(ctx, epoch)
}

func (m *Manager) handleFillRequest(from derecho.NodeID, payload []byte) {
	f, err := decodeFill(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	engine, view := m.engine, m.view
	m.mu.Unlock()
	if engine == nil || view == nil || view.Vid != f.vid {
		return
	}
	data, ok := engine.StoredMessage(f.subgroup, f.senderRank, f.index)
	if !ok {
		return
	}
	reply := encodeFill(fillFrame{vid: f.vid, subgroup: f.subgroup, senderRank: f.senderRank, index: f.index, data: data})
	if err := m.endpoint.Send(from, transport.Frame(transport.KindFillReply, reply)); err != nil {
		m.logger.Info("fill reply failed", zap.Error(err))
	}
}

func (m *Manager) handleFillReply(from derecho.NodeID, payload []byte) {
	f, err := decodeFill(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	engine, view := m.engine, m.view
	m.mu.Unlock()
	if engine == nil || view == nil || view.Vid != f.vid {
		return
	}
	data := make([]byte, len(f.data))
	copy(data, f.data)
	engine.InjectMessage(f.subgroup, f.senderRank, f.index, data)
}

// ---------------------------------------------------------------------
// Heartbeats and failure detection

// heartbeatLoop writes a monotonically increasing tick into the local row
// and suspects peers whose ticks stop advancing.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.Heartbeat)
	ticker := m.Clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		t, v := m.table, m.view
		m.mu.Unlock()
		if t == nil || v == nil {
			continue
		}

		t.Update(func(r *sst.Row) { r.HeartbeatTick++ })
		// The full push doubles as slot-ring repair for peers that missed
		// a slot publish during an install race.
		if err := t.Push(); err != nil {
			m.logger.Info("heartbeat push failed", zap.Error(err))
		}

		m.checkHeartbeats(t, v, interval)
	}
}

func (m *Manager) checkHeartbeats(t *sst.Table, v *View, interval time.Duration) {
	now := m.Clock.Now()
	var suspects []derecho.NodeID

	ticks := make([]uint64, len(v.Members))
	var suspected []bool
	t.Read(func(rows []*sst.Row) {
		for j, r := range rows {
			ticks[j] = r.HeartbeatTick
		}
		suspected = append([]bool(nil), rows[t.MyRank()].Suspected...)
	})

	m.mu.Lock()
	for j, id := range v.Members {
		if j == v.MyRank || suspected[j] {
			continue
		}
		rec, ok := m.heartbeatSeen[id]
		if !ok {
			m.heartbeatSeen[id] = &heartbeatRecord{tick: ticks[j], seen: now}
			continue
		}
		if ticks[j] != rec.tick {
			rec.tick = ticks[j]
			rec.seen = now
			continue
		}
		if now.Sub(rec.seen) > time.Duration(suspicionMultiple)*interval {
			suspects = append(suspects, id)
		}
	}
	m.mu.Unlock()

	for _, id := range suspects {
		m.ReportFailure(id)
	}
}

// ---------------------------------------------------------------------
// Small helpers

func packIP(ip string) uint32 {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func unpackIP(packed uint32) string {
	if packed == 0 {
		return ""
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], packed)
	return net.IP(b[:]).String()
}
