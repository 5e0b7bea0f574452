package multicast

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tamitakada/derecho"
	"github.com/tamitakada/derecho/persist"
	"github.com/tamitakada/derecho/sst"
	"github.com/tamitakada/derecho/transport"
)

// Callbacks are the message-delivery event hooks supplied by the layers
// above the engine. All of them run on the predicate goroutine (or, for
// unordered shards, the transport goroutine) and must not block.
type Callbacks struct {
	// Stability delivers one message in the unique global order.
	Stability func(sub derecho.SubgroupID, sender derecho.NodeID, index derecho.MessageID, payload []byte, ver derecho.Version)

	// PostNextVersion announces the version about to be delivered, before
	// the stability callback runs, so replicated objects know the version
	// they are updating to.
	PostNextVersion func(sub derecho.SubgroupID, ver derecho.Version, tsNS uint64)

	// GlobalPersistence fires when a version has been persisted by every
	// shard member.
	GlobalPersistence func(sub derecho.SubgroupID, ver derecho.Version)

	// GlobalVerified fires when a version has been verified on every shard
	// member.
	GlobalVerified func(sub derecho.SubgroupID, ver derecho.Version)
}

// GroupConfig carries the per-view inputs to the engine.
type GroupConfig struct {
	Members        []derecho.NodeID
	MyID           derecho.NodeID
	TotalSubgroups int
	// Settings maps subgroup ids to settings, for the subgroups this node
	// belongs to.
	Settings map[derecho.SubgroupID]*SubgroupSettings
	// SenderTimeout is how long a sender may stay silent while delivery is
	// blocked on it before a null message is injected.
	SenderTimeout time.Duration
	// InitialSeq seeds seq_num/delivered_num per subgroup after a state
	// transfer; absent subgroups start empty.
	InitialSeq map[derecho.SubgroupID]derecho.MessageID
	// InitialVersion seeds the next version to assign per subgroup.
	InitialVersion map[derecho.SubgroupID]derecho.Version
}

// infoPushRate bounds how often load-info and cache-models updates are
// pushed eagerly; the regular row pushes carry them anyway. The configured
// rate is a hint, not a deadline.
const infoPushRate = rate.Limit(10)

type subgroupState struct {
	*SubgroupSettings
	id derecho.SubgroupID

	// Sender side.
	futureIndex  derecho.MessageID
	lastSendNS   int64
	nullCount    uint32
	pendingSends []*Message
	pool         *bufferPool

	// Receive accounting. recvCount mirrors the local row's num_received
	// range, smcConsumed its num_received_sst range.
	recvCount   []int32
	smcConsumed []int32
	reorder     []map[derecho.MessageID]*Message
	assemblies  map[derecho.NodeID]map[derecho.MessageID]*blockAssembly

	// stable holds received, undelivered messages by global sequence
	// number; retained holds delivered messages until their version clears
	// the global persistence frontier, for ragged-trim fill-forward.
	stable    map[derecho.MessageID]*Message
	retained  map[derecho.MessageID]retainedMessage
	pendingTS map[derecho.MessageID]uint64

	delivered   derecho.MessageID
	nextVersion derecho.Version

	latestVersion atomic.Int64
	minPersisted  atomic.Int64
	minVerified   atomic.Int64
	persistMu     sync.Mutex
	persistCond   *sync.Cond
}

type retainedMessage struct {
	msg *Message
	ver derecho.Version
}

type delivery struct {
	state  *subgroupState
	sender derecho.NodeID
	index  derecho.MessageID
	msg    *Message
	ver    derecho.Version
	tsNS   uint64
}

// Group implements the low-level mechanics of tracking multicasts: both
// data planes on the send side, receive accounting with per-sender reorder
// buffers, and delivery driven by counter monotonicity. It does not know
// how to handle failures; the view manager wedges and trims it instead.
//
// Lock order: the engine mutex may be held while taking the table lock
// (slot-plane sends hold it through the commit). Handlers read the table
// first, then update engine state.
type Group struct {
	mu sync.Mutex

	cfg      GroupConfig
	table    *sst.Table
	endpoint transport.Endpoint
	router   *transport.Router

	states map[derecho.SubgroupID]*subgroupState

	persistMgr *persist.Manager

	callbacks Callbacks

	senderCond *sync.Cond
	wedged     bool
	shutdown   chan struct{}
	closed     bool
	wg         sync.WaitGroup

	loadLimiter  *rate.Limiter
	cacheLimiter *rate.Limiter

	// Clock abstracts time for the timeout goroutine and timestamps.
	Clock  clock.Clock
	logger *zap.Logger
}

// NewGroup wires an engine onto a table for one view. Call Start to
// register predicates and launch the sender and timeout goroutines.
func NewGroup(table *sst.Table, endpoint transport.Endpoint, router *transport.Router,
	cfg GroupConfig, callbacks Callbacks, plog persist.Log) *Group {

	g := &Group{
		cfg:          cfg,
		table:        table,
		endpoint:     endpoint,
		router:       router,
		states:       make(map[derecho.SubgroupID]*subgroupState),
		callbacks:    callbacks,
		shutdown:     make(chan struct{}),
		loadLimiter:  rate.NewLimiter(infoPushRate, 1),
		cacheLimiter: rate.NewLimiter(infoPushRate, 1),
		Clock:        clock.New(),
		logger:       zap.NewNop(),
	}
	g.senderCond = sync.NewCond(&g.mu)

	for id, settings := range cfg.Settings {
		k := settings.NumSenders()
		s := &subgroupState{
			SubgroupSettings: settings,
			id:               id,
			pool:             newBufferPool(settings.Params.MaxMsgSize),
			recvCount:        make([]int32, k),
			smcConsumed:      make([]int32, k),
			reorder:          make([]map[derecho.MessageID]*Message, k),
			assemblies:       make(map[derecho.NodeID]map[derecho.MessageID]*blockAssembly),
			stable:           make(map[derecho.MessageID]*Message),
			retained:         make(map[derecho.MessageID]retainedMessage),
			pendingTS:        make(map[derecho.MessageID]uint64),
			delivered:        -1,
		}
		for i := range s.reorder {
			s.reorder[i] = make(map[derecho.MessageID]*Message)
		}
		s.persistCond = sync.NewCond(&s.persistMu)
		s.latestVersion.Store(int64(derecho.InvalidVersion))
		s.minPersisted.Store(int64(derecho.InvalidVersion))
		s.minVerified.Store(int64(derecho.InvalidVersion))

		if seq, ok := cfg.InitialSeq[id]; ok && seq >= 0 {
			s.delivered = seq
			for r := 0; r < k; r++ {
				s.recvCount[r] = deliveredCountFor(seq, k, r)
			}
			if s.SenderRank >= 0 {
				s.futureIndex = derecho.MessageID(s.recvCount[s.SenderRank])
			}
		}
		if ver, ok := cfg.InitialVersion[id]; ok {
			s.nextVersion = ver
			s.latestVersion.Store(int64(ver - 1))
		}
		g.states[id] = s
	}

	if plog != nil {
		g.persistMgr = persist.NewManager(plog, g.onPersisted)
	}
	return g
}

// WithLogger sets the engine's logger.
func (g *Group) WithLogger(log *zap.Logger) {
	g.logger = log.With(zap.String("service", "multicast"))
}

// deliveredCountFor returns how many of sender r's messages lie at or below
// the global sequence number seq, for a shard with k senders.
func deliveredCountFor(seq derecho.MessageID, k, r int) int32 {
	if seq < derecho.MessageID(r) {
		return 0
	}
	return int32((int64(seq)-int64(r))/int64(k)) + 1
}

// Start initializes the local row, registers the engine's predicates and
// launches the sender and timeout goroutines.
func (g *Group) Start() {
	g.initializeRow()

	if g.router != nil {
		g.router.Handle(transport.KindRDMC, g.handleBlockFrame)
	}

	preds := g.table.Predicates()
	preds.Register(sst.Recurrent, g.smcReceivePredicate, g.smcReceiveTrigger)
	for _, s := range g.states {
		s := s
		preds.Register(sst.Recurrent,
			func(t *sst.Table) bool { return g.deliveryPredicate(s, t) },
			func(t *sst.Table) { g.deliveryTrigger(s, t) })
		preds.Register(sst.Recurrent,
			func(t *sst.Table) bool { return g.frontierPredicate(s, t, &s.minPersisted, persistedField) },
			func(t *sst.Table) { g.frontierTrigger(s, t, &s.minPersisted, persistedField) })
		preds.Register(sst.Recurrent,
			func(t *sst.Table) bool { return g.frontierPredicate(s, t, &s.minVerified, verifiedField) },
			func(t *sst.Table) { g.frontierTrigger(s, t, &s.minVerified, verifiedField) })
	}

	g.wg.Add(2)
	go g.sendLoop()
	go g.timeoutLoop()
}

func (g *Group) initializeRow() {
	now := uint64(g.Clock.Now().UnixNano())
	g.table.Update(func(r *sst.Row) {
		for id, s := range g.states {
			if s.delivered >= 0 {
				r.SeqNum[id] = s.delivered
				r.DeliveredNum[id] = s.delivered
			}
			for sr, c := range s.recvCount {
				r.NumReceived[s.NumReceivedOffset+sr] = c
			}
			r.LocalStabilityFrontier[id] = now
		}
	})
}

// Send reserves a slot on the active data plane, fills it, and commits it.
// fill receives exactly payloadSize bytes to write into; it runs while the
// engine serializes the subgroup's senders, so it must only write the
// payload and never call back into the engine. Returns false without
// sending when the window is full; callers retry.
func (g *Group) Send(sub derecho.SubgroupID, payloadSize int, fill func([]byte), cooked bool) (bool, error) {
	return g.send(sub, payloadSize, fill, cooked, 0)
}

func (g *Group) send(sub derecho.SubgroupID, payloadSize int, fill func([]byte), cooked bool, numNulls uint32) (bool, error) {
	g.mu.Lock()

	if g.closed {
		g.mu.Unlock()
		return false, derecho.ErrGroupClosed
	}
	s, ok := g.states[sub]
	if !ok {
		g.mu.Unlock()
		return false, derecho.ErrNotAMember
	}
	if s.SenderRank < 0 {
		g.mu.Unlock()
		return false, derecho.ErrNotASender
	}
	if g.wedged {
		g.mu.Unlock()
		return false, nil
	}

	msgSize := uint64(payloadSize) + derecho.HeaderSize
	if msgSize > s.Params.MaxMsgSize {
		g.mu.Unlock()
		return false, derecho.ErrPayloadTooLarge
	}

	// Window backpressure: in-flight messages per sender are bounded.
	k := s.NumSenders()
	deliveredMine := deliveredCountFor(s.delivered, k, s.SenderRank)
	if s.futureIndex-derecho.MessageID(deliveredMine) >= derecho.MessageID(s.Params.WindowSize) {
		g.mu.Unlock()
		return false, nil
	}

	index := s.futureIndex
	s.futureIndex++
	s.lastSendNS = g.Clock.Now().UnixNano()

	hdr := derecho.Header{
		Index:       int32(index),
		TimestampNS: uint64(s.lastSendNS),
		NumNulls:    numNulls,
		CookedSend:  cooked,
	}

	if msgSize <= s.Params.SSTMaxMsgSize {
		// Hold the engine lock through the commit: concurrent senders must
		// not publish the ring's index counter out of order.
		g.commitSlotMessage(s, index, payloadSize, hdr, fill)
		g.mu.Unlock()
		return true, nil
	}

	buf := s.pool.get(int(msgSize))
	derecho.EncodeHeader(buf, hdr)
	if fill != nil {
		fill(buf[derecho.HeaderSize:])
	}
	s.pendingSends = append(s.pendingSends, &Message{SenderID: g.cfg.MyID, Index: index, Data: buf})
	g.senderCond.Signal()
	g.mu.Unlock()
	return true, nil
}

// commitSlotMessage writes one message into the local row's slot ring and
// publishes it by advancing the subgroup's index counter. The window bound
// guarantees the slot being reused has been delivered everywhere.
func (g *Group) commitSlotMessage(s *subgroupState, index derecho.MessageID, payloadSize int, hdr derecho.Header, fill func([]byte)) {
	stride := s.SlotStride()
	slot := int(index) % int(s.Params.WindowSize)
	off := s.SlotOffset + slot*stride

	g.table.Update(func(r *sst.Row) {
		region := r.Slots[off : off+stride]
		binary.LittleEndian.PutUint32(region[0:slotLengthPrefix], uint32(derecho.HeaderSize+payloadSize))
		derecho.EncodeHeader(region[slotLengthPrefix:], hdr)
		if fill != nil {
			fill(region[slotLengthPrefix+derecho.HeaderSize : slotLengthPrefix+derecho.HeaderSize+payloadSize])
		}
		r.Index[s.IndexOffset] = int32(index) + 1
	})
	if err := g.table.Push(); err != nil {
		g.logger.Info("slot push failed", zap.Error(err))
	}
}

// sendLoop is the sender goroutine: it pops pending block-plane sends and
// disseminates their blocks.
func (g *Group) sendLoop() {
	defer g.wg.Done()
	for {
		g.mu.Lock()
		var s *subgroupState
		var msg *Message
		for {
			if g.closed {
				// Pending sends are dropped on shutdown.
				g.mu.Unlock()
				return
			}
			for _, st := range g.states {
				if len(st.pendingSends) > 0 {
					s, msg = st, st.pendingSends[0]
					st.pendingSends = st.pendingSends[1:]
					break
				}
			}
			if msg != nil {
				break
			}
			g.senderCond.Wait()
		}
		g.mu.Unlock()

		g.sendBlocks(s, msg)
		// The sender receives its own message the moment it is on the wire.
		g.receiveMessage(s, s.SenderRank, msg.Index, msg.Data)
	}
}

func (g *Group) sendBlocks(s *subgroupState, msg *Message) {
	n := len(s.Members)
	blockSize := s.Params.BlockSize
	numBlocks := numBlocksFor(uint64(len(msg.Data)), blockSize)
	targets := relayTargets(s.Params.Algorithm, n, 0)

	for b := uint32(0); b < numBlocks; b++ {
		lo := uint64(b) * blockSize
		hi := lo + blockSize
		if hi > uint64(len(msg.Data)) {
			hi = uint64(len(msg.Data))
		}
		frame := encodeBlockFrame(blockFrame{
			subgroup:  s.id,
			senderID:  g.cfg.MyID,
			index:     msg.Index,
			blockNum:  b,
			numBlocks: numBlocks,
			totalSize: uint64(len(msg.Data)),
			data:      msg.Data[lo:hi],
		})
		payload := transport.Frame(transport.KindRDMC, frame)
		for _, rot := range targets {
			shardRank := unrotateRank(rot, s.ShardRank, n)
			peer := s.Members[shardRank]
			if peer == g.cfg.MyID {
				continue
			}
			if err := g.endpoint.Send(peer, payload); err != nil {
				g.logger.Info("block send failed", zap.Uint32("peer", uint32(peer)), zap.Error(err))
			}
		}
	}
}

// handleBlockFrame receives one block from the wire, relays it onward per
// the dissemination schedule, and completes reassembly.
func (g *Group) handleBlockFrame(from derecho.NodeID, payload []byte) {
	f, err := decodeBlockFrame(payload)
	if err != nil {
		g.logger.Info("dropping bad block frame", zap.Error(err))
		return
	}

	g.mu.Lock()
	s, ok := g.states[f.subgroup]
	if !ok {
		g.mu.Unlock()
		return
	}
	senderShardRank := -1
	for i, m := range s.Members {
		if m == f.senderID {
			senderShardRank = i
		}
	}
	if senderShardRank < 0 {
		g.mu.Unlock()
		return
	}

	byIndex, ok := s.assemblies[f.senderID]
	if !ok {
		byIndex = make(map[derecho.MessageID]*blockAssembly)
		s.assemblies[f.senderID] = byIndex
	}
	a, ok := byIndex[f.index]
	if !ok {
		a = newBlockAssembly(f.numBlocks, f.totalSize)
		byIndex[f.index] = a
	}
	fresh := f.blockNum < uint32(len(a.received)) && !a.received[f.blockNum]
	complete := a.add(f, s.Params.BlockSize)
	var data []byte
	if complete {
		delete(byIndex, f.index)
		data = a.buf
	}

	n := len(s.Members)
	var relays []derecho.NodeID
	if fresh {
		rot := rotateRank(s.ShardRank, senderShardRank, n)
		for _, target := range relayTargets(s.Params.Algorithm, n, rot) {
			peer := s.Members[unrotateRank(target, senderShardRank, n)]
			if peer != g.cfg.MyID && peer != f.senderID {
				relays = append(relays, peer)
			}
		}
	}
	senderRank := s.SenderRankOf(senderShardRank)
	g.mu.Unlock()

	if len(relays) > 0 {
		forward := transport.Frame(transport.KindRDMC, payload)
		for _, peer := range relays {
			if err := g.endpoint.Send(peer, forward); err != nil {
				g.logger.Info("block relay failed", zap.Uint32("peer", uint32(peer)), zap.Error(err))
			}
		}
	}
	if complete && senderRank >= 0 {
		g.receiveMessage(s, senderRank, f.index, data)
	}
}

// slotCursor locates one sender's ring within a subgroup.
type slotCursor struct {
	s          *subgroupState
	senderRank int
	viewRank   int
}

func (g *Group) slotCursors(t *sst.Table) []slotCursor {
	g.mu.Lock()
	defer g.mu.Unlock()
	var cursors []slotCursor
	for _, s := range g.states {
		for sr := range s.smcConsumed {
			viewRank := t.RankOf(s.Members[s.ShardRankOfSender(sr)])
			if viewRank >= 0 {
				cursors = append(cursors, slotCursor{s: s, senderRank: sr, viewRank: viewRank})
			}
		}
	}
	return cursors
}

// smcReceivePredicate reports whether any sender row has published a slot
// message this node has not yet consumed.
func (g *Group) smcReceivePredicate(t *sst.Table) bool {
	cursors := g.slotCursors(t)

	published := make([]int32, len(cursors))
	t.Read(func(rows []*sst.Row) {
		for i, c := range cursors {
			published[i] = rows[c.viewRank].Index[c.s.IndexOffset]
		}
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	for i, c := range cursors {
		if published[i] > c.s.smcConsumed[c.senderRank] {
			return true
		}
	}
	return false
}

// smcReceiveTrigger consumes every newly published slot message, in order
// per sender.
func (g *Group) smcReceiveTrigger(t *sst.Table) {
	cursors := g.slotCursors(t)

	g.mu.Lock()
	consumed := make([]int32, len(cursors))
	for i, c := range cursors {
		consumed[i] = c.s.smcConsumed[c.senderRank]
	}
	g.mu.Unlock()

	type pulled struct {
		cursor slotCursor
		index  derecho.MessageID
		data   []byte
	}
	var msgs []pulled

	t.Read(func(rows []*sst.Row) {
		for i, c := range cursors {
			s := c.s
			stride := s.SlotStride()
			row := rows[c.viewRank]
			published := row.Index[s.IndexOffset]
			for idx := consumed[i]; idx < published; idx++ {
				slot := int(idx) % int(s.Params.WindowSize)
				off := s.SlotOffset + slot*stride
				region := row.Slots[off : off+stride]
				size := binary.LittleEndian.Uint32(region[0:slotLengthPrefix])
				if uint64(size) > s.Params.SSTMaxMsgSize || size < derecho.HeaderSize {
					// The counter got ahead of the slot bytes (a push that
					// straddled an install); the next full push repairs it.
					break
				}
				data := make([]byte, size)
				copy(data, region[slotLengthPrefix:slotLengthPrefix+int(size)])
				if hdr, err := derecho.DecodeHeader(data); err != nil || hdr.Index != int32(idx) {
					break
				}
				msgs = append(msgs, pulled{cursor: c, index: derecho.MessageID(idx), data: data})
			}
		}
	})

	for _, m := range msgs {
		c := m.cursor
		g.mu.Lock()
		if c.s.smcConsumed[c.senderRank] != int32(m.index) {
			// Another sweep got here first; per-sender order is absolute.
			g.mu.Unlock()
			continue
		}
		c.s.smcConsumed[c.senderRank] = int32(m.index) + 1
		g.mu.Unlock()

		off := c.s.NumReceivedOffset
		t.Update(func(r *sst.Row) {
			if r.NumReceivedSST[off+c.senderRank] < int32(m.index)+1 {
				r.NumReceivedSST[off+c.senderRank] = int32(m.index) + 1
			}
		})
		g.receiveMessage(c.s, c.senderRank, m.index, m.data)
	}
}

// receiveMessage runs the common receive accounting for both planes: the
// per-sender reorder buffer, the contiguous num-received advance, and the
// local seq_num recomputation.
func (g *Group) receiveMessage(s *subgroupState, senderRank int, index derecho.MessageID, data []byte) {
	var preDeliveries []delivery

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	msg := &Message{SenderID: s.Members[s.ShardRankOfSender(senderRank)], Index: index, Data: data}

	expected := derecho.MessageID(s.recvCount[senderRank])
	switch {
	case index < expected:
		g.mu.Unlock()
		return
	case index > expected:
		s.reorder[senderRank][index] = msg
		g.mu.Unlock()
		return
	}

	k := s.NumSenders()
	accept := func(m *Message, sr int) {
		hdr, err := m.Header()
		ts := hdr.TimestampNS
		if err != nil {
			ts = uint64(g.Clock.Now().UnixNano())
		}
		seq := m.Index*derecho.MessageID(k) + derecho.MessageID(sr)
		s.stable[seq] = m
		s.pendingTS[seq] = ts
		s.recvCount[sr]++
		if s.Mode == derecho.Unordered && !m.IsNull() {
			ver := s.nextVersion
			s.nextVersion++
			s.latestVersion.Store(int64(ver))
			m.preDelivered = true
			m.preVersion = ver
			preDeliveries = append(preDeliveries, delivery{
				state: s, sender: m.SenderID, index: m.Index, msg: m, ver: ver, tsNS: ts,
			})
		}
	}

	accept(msg, senderRank)
	for {
		next, ok := s.reorder[senderRank][derecho.MessageID(s.recvCount[senderRank])]
		if !ok {
			break
		}
		delete(s.reorder[senderRank], next.Index)
		accept(next, senderRank)
	}

	newSeq := s.localSeqLocked()
	counts := append([]int32(nil), s.recvCount...)
	frontier := s.frontierLocked()
	g.mu.Unlock()

	g.table.Update(func(r *sst.Row) {
		for sr, c := range counts {
			if r.NumReceived[s.NumReceivedOffset+sr] < c {
				r.NumReceived[s.NumReceivedOffset+sr] = c
			}
		}
		if r.SeqNum[s.id] < newSeq {
			r.SeqNum[s.id] = newSeq
		}
		r.LocalStabilityFrontier[s.id] = frontier
	})
	if err := g.table.PushExceptSlots(); err != nil {
		g.logger.Info("row push failed", zap.Error(err))
	}

	g.dispatch(preDeliveries)
}

// localSeqLocked computes the highest globally contiguous sequence number
// covered by the local receive counts.
func (s *subgroupState) localSeqLocked() derecho.MessageID {
	k := len(s.recvCount)
	min := derecho.MessageID(1<<62 - 1)
	for r, c := range s.recvCount {
		v := derecho.MessageID(c)*derecho.MessageID(k) + derecho.MessageID(r)
		if v < min {
			min = v
		}
	}
	return min - 1
}

func (s *subgroupState) frontierLocked() uint64 {
	if len(s.pendingTS) == 0 {
		return uint64(time.Now().UnixNano())
	}
	min := uint64(1<<63 - 1)
	for _, ts := range s.pendingTS {
		if ts < min {
			min = ts
		}
	}
	return min
}

// deliveryPredicate fires when the shard-wide stable count has advanced
// past this node's delivered count. For unordered shards the application
// already has the messages; the trigger only advances the counters.
func (g *Group) deliveryPredicate(s *subgroupState, t *sst.Table) bool {
	stable := g.globalStableCount(s, t)
	g.mu.Lock()
	defer g.mu.Unlock()
	return stable > s.delivered
}

func (g *Group) globalStableCount(s *subgroupState, t *sst.Table) derecho.MessageID {
	min := derecho.MessageID(1<<62 - 1)
	t.Read(func(rows []*sst.Row) {
		for _, m := range s.Members {
			rank := t.RankOf(m)
			if rank < 0 {
				continue
			}
			if v := rows[rank].SeqNum[s.id]; v < min {
				min = v
			}
		}
	})
	return min
}

// deliveryTrigger delivers every message between the local delivered count
// and the new global stable count, in global round-robin order, assigning a
// version to each non-null message.
func (g *Group) deliveryTrigger(s *subgroupState, t *sst.Table) {
	stable := g.globalStableCount(s, t)
	deliveries, advanced := g.collectDeliveries(s, stable)
	if !advanced {
		return
	}

	g.mu.Lock()
	frontier := s.frontierLocked()
	g.mu.Unlock()
	t.Update(func(r *sst.Row) {
		if r.DeliveredNum[s.id] < stable {
			r.DeliveredNum[s.id] = stable
		}
		r.LocalStabilityFrontier[s.id] = frontier
	})
	if err := t.PushExceptSlots(); err != nil {
		g.logger.Info("row push failed", zap.Error(err))
	}

	g.dispatch(deliveries)
}

// collectDeliveries advances the engine's delivered counter to stable and
// returns the messages to hand to the application, in order.
func (g *Group) collectDeliveries(s *subgroupState, stable derecho.MessageID) ([]delivery, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if stable <= s.delivered {
		return nil, false
	}

	k := s.NumSenders()
	var out []delivery
	for seq := s.delivered + 1; seq <= stable; seq++ {
		msg, ok := s.stable[seq]
		if !ok {
			// The stable count says every member received this message;
			// losing it here means the safety contract is broken.
			panic(fmt.Sprintf("derecho: message %d/%d vanished before delivery", s.id, seq))
		}
		ts := s.pendingTS[seq]
		delete(s.stable, seq)
		delete(s.pendingTS, seq)
		s.delivered = seq

		if msg.IsNull() {
			continue
		}
		if msg.preDelivered {
			s.retained[seq] = retainedMessage{msg: msg, ver: msg.preVersion}
			continue
		}

		ver := s.nextVersion
		s.nextVersion++
		s.latestVersion.Store(int64(ver))
		s.retained[seq] = retainedMessage{msg: msg, ver: ver}
		out = append(out, delivery{
			state:  s,
			sender: msg.SenderID,
			index:  seq / derecho.MessageID(k),
			msg:    msg,
			ver:    ver,
			tsNS:   ts,
		})
	}
	return out, true
}

// dispatch invokes callbacks and queues persistence outside the engine
// lock.
func (g *Group) dispatch(deliveries []delivery) {
	for _, d := range deliveries {
		if g.callbacks.PostNextVersion != nil {
			g.callbacks.PostNextVersion(d.state.id, d.ver, d.tsNS)
		}
		if g.callbacks.Stability != nil {
			g.callbacks.Stability(d.state.id, d.sender, d.index, d.msg.Payload(), d.ver)
		}
		if g.persistMgr != nil {
			g.persistMgr.Enqueue(persist.Record{
				Subgroup:    d.state.id,
				Version:     d.ver,
				TimestampNS: d.tsNS,
				Payload:     d.msg.Payload(),
			})
		}
	}
}

// onPersisted runs on the persistence manager goroutine after a version is
// durably stored; it publishes the progress counters.
func (g *Group) onPersisted(sub derecho.SubgroupID, ver derecho.Version) {
	g.table.Update(func(r *sst.Row) {
		if r.PersistedNum[sub] < ver {
			r.PersistedNum[sub] = ver
		}
		// Signing happens in the same log append as persistence; peer
		// verification is the collaborator's side channel, surfaced
		// through the same counter here.
		if r.SignedNum[sub] < ver {
			r.SignedNum[sub] = ver
		}
		if r.VerifiedNum[sub] < ver {
			r.VerifiedNum[sub] = ver
		}
	})
	if err := g.table.PushExceptSlots(); err != nil {
		g.logger.Info("row push failed", zap.Error(err))
	}
}

type frontierField int

const (
	persistedField frontierField = iota
	verifiedField
)

func (g *Group) shardMin(s *subgroupState, t *sst.Table, field frontierField) derecho.Version {
	min := derecho.Version(1<<62 - 1)
	t.Read(func(rows []*sst.Row) {
		for _, m := range s.Members {
			rank := t.RankOf(m)
			if rank < 0 {
				continue
			}
			var v derecho.Version
			switch field {
			case persistedField:
				v = rows[rank].PersistedNum[s.id]
			case verifiedField:
				v = rows[rank].VerifiedNum[s.id]
			}
			if v < min {
				min = v
			}
		}
	})
	return min
}

func (g *Group) frontierPredicate(s *subgroupState, t *sst.Table, min *atomic.Int64, field frontierField) bool {
	return int64(g.shardMin(s, t, field)) > min.Load()
}

func (g *Group) frontierTrigger(s *subgroupState, t *sst.Table, min *atomic.Int64, field frontierField) {
	v := g.shardMin(s, t, field)
	if int64(v) <= min.Load() {
		return
	}
	min.Store(int64(v))
	s.persistMu.Lock()
	s.persistCond.Broadcast()
	s.persistMu.Unlock()

	switch field {
	case persistedField:
		g.dropRetained(s, v)
		if g.callbacks.GlobalPersistence != nil {
			g.callbacks.GlobalPersistence(s.id, v)
		}
	case verifiedField:
		if g.callbacks.GlobalVerified != nil {
			g.callbacks.GlobalVerified(s.id, v)
		}
	}
}

// dropRetained releases delivered messages whose version has cleared the
// global persistence frontier; nothing can ask for them again.
func (g *Group) dropRetained(s *subgroupState, frontier derecho.Version) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for seq, r := range s.retained {
		if r.ver <= frontier {
			s.pool.put(r.msg.Data)
			delete(s.retained, seq)
		}
	}
}

// timeoutLoop injects null messages for silent senders; this is the only
// mechanism that keeps a quiet sender from blocking delivery.
func (g *Group) timeoutLoop() {
	defer g.wg.Done()
	interval := g.cfg.SenderTimeout / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := g.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.shutdown:
			return
		case <-ticker.C:
		}
		g.injectNulls()
	}
}

func (g *Group) injectNulls() {
	now := g.Clock.Now().UnixNano()

	g.mu.Lock()
	var due []*subgroupState
	for _, s := range g.states {
		if s.SenderRank < 0 || g.wedged {
			continue
		}
		if len(s.pendingTS) == 0 {
			continue
		}
		// Only the laggard holding the stable count back needs to speak.
		k := len(s.recvCount)
		myKey := derecho.MessageID(s.recvCount[s.SenderRank])*derecho.MessageID(k) + derecho.MessageID(s.SenderRank)
		if s.localSeqLocked()+1 != myKey {
			continue
		}
		if now-s.lastSendNS < int64(g.cfg.SenderTimeout) {
			continue
		}
		due = append(due, s)
	}
	g.mu.Unlock()

	for _, s := range due {
		g.mu.Lock()
		s.nullCount++
		nulls := s.nullCount
		g.mu.Unlock()
		if _, err := g.send(s.id, 0, nil, false, nulls); err != nil {
			g.logger.Info("null injection failed", zap.Error(err))
		}
	}
}

// Wedge halts both data planes: no new sends are accepted, queued
// block-plane sends are dropped, receives drain normally.
func (g *Group) Wedge() {
	g.mu.Lock()
	if g.wedged {
		g.mu.Unlock()
		return
	}
	g.wedged = true
	for _, s := range g.states {
		for _, m := range s.pendingSends {
			s.pool.put(m.Data)
		}
		s.pendingSends = nil
	}
	g.senderCond.Broadcast()
	g.mu.Unlock()

	g.table.Update(func(r *sst.Row) { r.Wedged = true })
	if err := g.table.PushExceptSlots(); err != nil {
		g.logger.Info("row push failed", zap.Error(err))
	}
}

// Wedged reports whether the engine has been wedged.
func (g *Group) Wedged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wedged
}

// ReceivedCounts returns the per-sender in-order receive counts for a
// subgroup.
func (g *Group) ReceivedCounts(sub derecho.SubgroupID) []int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[sub]
	if !ok {
		return nil
	}
	return append([]int32(nil), s.recvCount...)
}

// StoredMessage returns the raw bytes of a received message still held by
// the engine, for ragged-trim fill-forward.
func (g *Group) StoredMessage(sub derecho.SubgroupID, senderRank int, index derecho.MessageID) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[sub]
	if !ok {
		return nil, false
	}
	seq := index*derecho.MessageID(s.NumSenders()) + derecho.MessageID(senderRank)
	if m, ok := s.stable[seq]; ok {
		return m.Data, true
	}
	if r, ok := s.retained[seq]; ok {
		return r.msg.Data, true
	}
	if m, ok := s.reorder[senderRank][index]; ok {
		return m.Data, true
	}
	return nil, false
}

// InjectMessage feeds a fill-forwarded message into the receive path.
func (g *Group) InjectMessage(sub derecho.SubgroupID, senderRank int, index derecho.MessageID, data []byte) {
	g.mu.Lock()
	s, ok := g.states[sub]
	g.mu.Unlock()
	if !ok {
		return
	}
	g.receiveMessage(s, senderRank, index, data)
}

// DeliverMessagesUpto delivers everything up to the agreed per-sender caps,
// regardless of whether stability was reached, completing a ragged trim.
// Messages received beyond a sender's cap are abandoned; they were never
// part of the installed prefix.
func (g *Group) DeliverMessagesUpto(sub derecho.SubgroupID, caps []int32) {
	g.mu.Lock()
	s, ok := g.states[sub]
	if !ok {
		g.mu.Unlock()
		return
	}
	k := s.NumSenders()
	maxSeq := s.delivered
	for sr, c := range caps {
		if sr >= k || c <= 0 {
			continue
		}
		if seq := derecho.MessageID(c-1)*derecho.MessageID(k) + derecho.MessageID(sr); seq > maxSeq {
			maxSeq = seq
		}
	}

	var out []delivery
	for seq := s.delivered + 1; seq <= maxSeq; seq++ {
		senderRank := int(seq % derecho.MessageID(k))
		index := seq / derecho.MessageID(k)
		if senderRank >= len(caps) || int32(index) >= caps[senderRank] {
			continue
		}
		msg, ok := s.stable[seq]
		if !ok {
			// Fill-forward runs before the trim delivery; a hole below the
			// agreed cap violates the atomicity contract.
			panic(fmt.Sprintf("derecho: trim delivery missing message %d/%d", sub, seq))
		}
		ts := s.pendingTS[seq]
		delete(s.stable, seq)
		delete(s.pendingTS, seq)
		if msg.IsNull() {
			continue
		}
		if msg.preDelivered {
			s.retained[seq] = retainedMessage{msg: msg, ver: msg.preVersion}
			continue
		}
		ver := s.nextVersion
		s.nextVersion++
		s.latestVersion.Store(int64(ver))
		s.retained[seq] = retainedMessage{msg: msg, ver: ver}
		out = append(out, delivery{
			state: s, sender: msg.SenderID, index: index, msg: msg, ver: ver, tsNS: ts,
		})
	}
	s.delivered = maxSeq
	frontier := s.frontierLocked()
	g.mu.Unlock()

	g.table.Update(func(r *sst.Row) {
		if r.DeliveredNum[sub] < maxSeq {
			r.DeliveredNum[sub] = maxSeq
		}
		r.LocalStabilityFrontier[sub] = frontier
	})
	if err := g.table.PushExceptSlots(); err != nil {
		g.logger.Info("row push failed", zap.Error(err))
	}

	g.dispatch(out)
}

// Delivered returns the engine's delivered sequence number for a subgroup.
func (g *Group) Delivered(sub derecho.SubgroupID) derecho.MessageID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.states[sub]; ok {
		return s.delivered
	}
	return -1
}

// DeliveredVersion returns the latest version assigned in a subgroup.
func (g *Group) DeliveredVersion(sub derecho.SubgroupID) derecho.Version {
	g.mu.Lock()
	s, ok := g.states[sub]
	g.mu.Unlock()
	if !ok {
		return derecho.InvalidVersion
	}
	return derecho.Version(s.latestVersion.Load())
}

// NextVersion returns the version the next delivery in a subgroup will be
// assigned, used to seed the engine of the successor view.
func (g *Group) NextVersion(sub derecho.SubgroupID) derecho.Version {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.states[sub]; ok {
		return s.nextVersion
	}
	return 0
}

// GlobalPersistenceFrontier returns the highest version persisted by every
// member of the local shard.
func (g *Group) GlobalPersistenceFrontier(sub derecho.SubgroupID) derecho.Version {
	g.mu.Lock()
	s, ok := g.states[sub]
	g.mu.Unlock()
	if !ok {
		return derecho.InvalidVersion
	}
	return derecho.Version(s.minPersisted.Load())
}

// GlobalVerifiedFrontier returns the highest version verified by every
// member of the local shard.
func (g *Group) GlobalVerifiedFrontier(sub derecho.SubgroupID) derecho.Version {
	g.mu.Lock()
	s, ok := g.states[sub]
	g.mu.Unlock()
	if !ok {
		return derecho.InvalidVersion
	}
	return derecho.Version(s.minVerified.Load())
}

// WaitForGlobalPersistenceFrontier blocks until the global persistence
// frontier reaches ver. Returns false immediately when ver is beyond the
// latest delivered version, and false when the group shuts down mid-wait.
func (g *Group) WaitForGlobalPersistenceFrontier(sub derecho.SubgroupID, ver derecho.Version) bool {
	g.mu.Lock()
	s, ok := g.states[sub]
	g.mu.Unlock()
	if !ok {
		return false
	}
	if ver > derecho.Version(s.latestVersion.Load()) {
		return false
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	for derecho.Version(s.minPersisted.Load()) < ver {
		select {
		case <-g.shutdown:
			return false
		default:
		}
		s.persistCond.Wait()
	}
	return true
}

// GlobalStabilityFrontier returns the minimum local stability frontier
// across the shard, in wall-clock nanoseconds: the timestamp of the oldest
// message anyone is still waiting on.
func (g *Group) GlobalStabilityFrontier(sub derecho.SubgroupID) uint64 {
	g.mu.Lock()
	s, ok := g.states[sub]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	min := uint64(1<<63 - 1)
	g.table.Read(func(rows []*sst.Row) {
		for _, m := range s.Members {
			rank := g.table.RankOf(m)
			if rank < 0 {
				continue
			}
			if v := rows[rank].LocalStabilityFrontier[s.id]; v < min {
				min = v
			}
		}
	})
	return min
}

// SetLoadInfo publishes this node's load in the shared table. Pushes are
// rate limited; the value always rides along on the next regular push.
func (g *Group) SetLoadInfo(load uint64) {
	g.table.Update(func(r *sst.Row) { r.LoadInfo = load })
	if g.loadLimiter.Allow() {
		if err := g.table.PushExceptSlots(); err != nil {
			g.logger.Info("row push failed", zap.Error(err))
		}
	}
}

// LoadInfo reads another node's published load.
func (g *Group) LoadInfo(node derecho.NodeID) uint64 {
	var v uint64
	rank := g.table.RankOf(node)
	if rank < 0 {
		return 0
	}
	g.table.Read(func(rows []*sst.Row) { v = rows[rank].LoadInfo })
	return v
}

// SetCacheModelsInfo publishes this node's cached-models bitmap.
func (g *Group) SetCacheModelsInfo(models uint64) {
	g.table.Update(func(r *sst.Row) { r.CacheModelsInfo = models })
	if g.cacheLimiter.Allow() {
		if err := g.table.PushExceptSlots(); err != nil {
			g.logger.Info("row push failed", zap.Error(err))
		}
	}
}

// CacheModelsInfo reads another node's cached-models bitmap.
func (g *Group) CacheModelsInfo(node derecho.NodeID) uint64 {
	var v uint64
	rank := g.table.RankOf(node)
	if rank < 0 {
		return 0
	}
	g.table.Read(func(rows []*sst.Row) { v = rows[rank].CacheModelsInfo })
	return v
}

// Subgroups returns the ids of the subgroups this engine participates in.
func (g *Group) Subgroups() []derecho.SubgroupID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]derecho.SubgroupID, 0, len(g.states))
	for id := range g.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Settings returns the settings for a subgroup this node belongs to.
func (g *Group) Settings(sub derecho.SubgroupID) (*SubgroupSettings, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[sub]
	if !ok {
		return nil, false
	}
	return s.SubgroupSettings, true
}

// Close shuts the engine down. Pending sends are dropped and condvar
// waiters return false.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.senderCond.Broadcast()
	g.mu.Unlock()

	close(g.shutdown)
	for _, s := range g.states {
		s.persistMu.Lock()
		s.persistCond.Broadcast()
		s.persistMu.Unlock()
	}
	g.wg.Wait()
	if g.persistMgr != nil {
		return g.persistMgr.Close()
	}
	return nil
}
