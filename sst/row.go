package sst

import (
	"encoding/binary"
	"fmt"

	"github.com/tamitakada/derecho"
)

// Row is one member's slice of the shared state table. Every tracked counter
// is monotone: once written, a value only increases, and flags only
// transition false to true, so readers never need to guard against
// out-of-order observations.
//
// Exactly one node writes a given row; everyone else only reads replicas of
// it pushed by the owner.
type Row struct {
	// Multicast fields.

	// SeqNum is the highest sequence number received in order by this node
	// for each subgroup, in the global round-robin numbering.
	SeqNum []derecho.MessageID
	// DeliveredNum is the highest sequence number delivered at this node
	// for each subgroup. DeliveredNum[g] <= SeqNum[g] always.
	DeliveredNum []derecho.MessageID
	// Signatures holds this node's signature over the latest delivered
	// update per subgroup, SignatureSize bytes each.
	Signatures []byte
	// PersistedNum, SignedNum and VerifiedNum are the persistence
	// collaborator's monotone progress counters per subgroup.
	PersistedNum []derecho.Version
	SignedNum    []derecho.Version
	VerifiedNum  []derecho.Version

	// Group-management fields.

	// Vid is the view id this table belongs to; constant within a view.
	Vid int32
	// Suspected flags members this node suspects of having failed.
	Suspected []bool
	// Changes holds proposed but not yet installed view changes. The number
	// of valid entries is NumChanges - NumInstalled.
	Changes []derecho.ChangeProposal
	// JoinerIPs and the port vectors describe joining nodes, parallel to
	// Changes. IPs are packed in network byte order.
	JoinerIPs                []uint32
	JoinerGMSPorts           []uint16
	JoinerStateTransferPorts []uint16
	JoinerSSTPorts           []uint16
	JoinerRDMCPorts          []uint16
	JoinerExternalPorts      []uint16

	NumChanges   int32
	NumCommitted int32
	NumAcked     int32
	NumInstalled int32

	// NumReceived counts in-order messages received per (subgroup, sender).
	NumReceived []int32
	// Wedged reports that this member has halted its data planes.
	Wedged bool
	// GlobalMin is the per-sender delivery cap agreed for the current view
	// change; GlobalMinReady marks subgroups whose cap has been published.
	GlobalMin      []int32
	GlobalMinReady []bool

	// Slot-plane ring.
	Slots          []byte
	NumReceivedSST []int32
	Index          []int32

	// LocalStabilityFrontier is the wall-clock timestamp (ns) of the oldest
	// undelivered message this node is tracking, per subgroup.
	LocalStabilityFrontier []uint64

	// RIP signals a graceful exit.
	RIP bool

	// HeartbeatTick increases while the owner is alive; peers suspect the
	// owner when it stops advancing.
	HeartbeatTick uint64

	// Application-visible fields.
	LoadInfo        uint64
	CacheModelsInfo uint64
}

// NewRow allocates a zeroed row shaped by the layout. The stability
// frontier is seeded with now (ns) so a freshly installed view does not
// immediately look stalled.
func NewRow(l Layout, nowNS uint64) *Row {
	r := &Row{
		SeqNum:                   make([]derecho.MessageID, l.NumSubgroups),
		DeliveredNum:             make([]derecho.MessageID, l.NumSubgroups),
		Signatures:               make([]byte, l.NumSubgroups*l.SignatureSize),
		PersistedNum:             make([]derecho.Version, l.NumSubgroups),
		SignedNum:                make([]derecho.Version, l.NumSubgroups),
		VerifiedNum:              make([]derecho.Version, l.NumSubgroups),
		Suspected:                make([]bool, l.NumMembers),
		Changes:                  make([]derecho.ChangeProposal, l.MaxChanges),
		JoinerIPs:                make([]uint32, l.MaxChanges),
		JoinerGMSPorts:           make([]uint16, l.MaxChanges),
		JoinerStateTransferPorts: make([]uint16, l.MaxChanges),
		JoinerSSTPorts:           make([]uint16, l.MaxChanges),
		JoinerRDMCPorts:          make([]uint16, l.MaxChanges),
		JoinerExternalPorts:      make([]uint16, l.MaxChanges),
		NumReceived:              make([]int32, l.NumReceivedSize),
		GlobalMin:                make([]int32, l.NumReceivedSize),
		GlobalMinReady:           make([]bool, l.NumSubgroups),
		Slots:                    make([]byte, l.SlotsSize),
		NumReceivedSST:           make([]int32, l.NumReceivedSize),
		Index:                    make([]int32, l.IndexSize),
		LocalStabilityFrontier:   make([]uint64, l.NumSubgroups),
	}
	for i := range r.SeqNum {
		r.SeqNum[i] = -1
		r.DeliveredNum[i] = -1
		r.PersistedNum[i] = derecho.InvalidVersion
		r.SignedNum[i] = derecho.InvalidVersion
		r.VerifiedNum[i] = derecho.InvalidVersion
		r.LocalStabilityFrontier[i] = nowNS
	}
	return r
}

// MarshalTo writes the row into buf using the fixed little-endian layout.
// buf must be at least l.RowSize() bytes.
func (r *Row) MarshalTo(l Layout, buf []byte) {
	w := writer{buf: buf}
	for _, v := range r.SeqNum {
		w.u64(uint64(v))
	}
	for _, v := range r.DeliveredNum {
		w.u64(uint64(v))
	}
	w.bytes(r.Signatures)
	for _, v := range r.PersistedNum {
		w.u64(uint64(v))
	}
	for _, v := range r.SignedNum {
		w.u64(uint64(v))
	}
	for _, v := range r.VerifiedNum {
		w.u64(uint64(v))
	}
	w.u32(uint32(r.Vid))
	w.bools(r.Suspected)
	for _, c := range r.Changes {
		w.u16(c.LeaderID)
		w.u16(c.ChangeID)
		w.bool(c.EndOfView)
	}
	for _, v := range r.JoinerIPs {
		w.u32(v)
	}
	w.u16s(r.JoinerGMSPorts)
	w.u16s(r.JoinerStateTransferPorts)
	w.u16s(r.JoinerSSTPorts)
	w.u16s(r.JoinerRDMCPorts)
	w.u16s(r.JoinerExternalPorts)
	w.u32(uint32(r.NumChanges))
	w.u32(uint32(r.NumCommitted))
	w.u32(uint32(r.NumAcked))
	w.u32(uint32(r.NumInstalled))
	w.i32s(r.NumReceived)
	w.bool(r.Wedged)
	w.i32s(r.GlobalMin)
	w.bools(r.GlobalMinReady)
	w.bytes(r.Slots)
	w.i32s(r.NumReceivedSST)
	w.i32s(r.Index)
	for _, v := range r.LocalStabilityFrontier {
		w.u64(v)
	}
	w.bool(r.RIP)
	w.u64(r.HeartbeatTick)
	w.u64(r.LoadInfo)
	w.u64(r.CacheModelsInfo)
}

// UnmarshalFrom reads buf into the row in place. When withSlots is false the
// slot-plane ring region is skipped and the local copy retained, matching a
// push-row-except-slots from the owner.
func (r *Row) UnmarshalFrom(l Layout, buf []byte, withSlots bool) error {
	if len(buf) < l.RowSize() {
		return fmt.Errorf("row update too short: %d < %d", len(buf), l.RowSize())
	}
	w := reader{buf: buf}
	for i := range r.SeqNum {
		r.SeqNum[i] = derecho.MessageID(w.u64())
	}
	for i := range r.DeliveredNum {
		r.DeliveredNum[i] = derecho.MessageID(w.u64())
	}
	w.bytesInto(r.Signatures)
	for i := range r.PersistedNum {
		r.PersistedNum[i] = derecho.Version(w.u64())
	}
	for i := range r.SignedNum {
		r.SignedNum[i] = derecho.Version(w.u64())
	}
	for i := range r.VerifiedNum {
		r.VerifiedNum[i] = derecho.Version(w.u64())
	}
	r.Vid = int32(w.u32())
	w.boolsInto(r.Suspected)
	for i := range r.Changes {
		r.Changes[i].LeaderID = w.u16()
		r.Changes[i].ChangeID = w.u16()
		r.Changes[i].EndOfView = w.bool()
	}
	for i := range r.JoinerIPs {
		r.JoinerIPs[i] = w.u32()
	}
	w.u16sInto(r.JoinerGMSPorts)
	w.u16sInto(r.JoinerStateTransferPorts)
	w.u16sInto(r.JoinerSSTPorts)
	w.u16sInto(r.JoinerRDMCPorts)
	w.u16sInto(r.JoinerExternalPorts)
	r.NumChanges = int32(w.u32())
	r.NumCommitted = int32(w.u32())
	r.NumAcked = int32(w.u32())
	r.NumInstalled = int32(w.u32())
	w.i32sInto(r.NumReceived)
	r.Wedged = w.bool()
	w.i32sInto(r.GlobalMin)
	w.boolsInto(r.GlobalMinReady)
	if withSlots {
		w.bytesInto(r.Slots)
	} else {
		w.skip(len(r.Slots))
	}
	w.i32sInto(r.NumReceivedSST)
	w.i32sInto(r.Index)
	for i := range r.LocalStabilityFrontier {
		r.LocalStabilityFrontier[i] = w.u64()
	}
	r.RIP = w.bool()
	r.HeartbeatTick = w.u64()
	r.LoadInfo = w.u64()
	r.CacheModelsInfo = w.u64()
	return nil
}

type writer struct {
	buf []byte
	off int
}

func (w *writer) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *writer) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *writer) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

func (w *writer) bool(v bool) {
	if v {
		w.buf[w.off] = 1
	} else {
		w.buf[w.off] = 0
	}
	w.off++
}

func (w *writer) bytes(b []byte) {
	copy(w.buf[w.off:], b)
	w.off += len(b)
}

func (w *writer) bools(b []bool) {
	for _, v := range b {
		w.bool(v)
	}
}

func (w *writer) u16s(v []uint16) {
	for _, x := range v {
		w.u16(x)
	}
}

func (w *writer) i32s(v []int32) {
	for _, x := range v {
		w.u32(uint32(x))
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) bool() bool {
	v := r.buf[r.off] == 1
	r.off++
	return v
}

func (r *reader) skip(n int) { r.off += n }

func (r *reader) bytesInto(b []byte) {
	copy(b, r.buf[r.off:r.off+len(b)])
	r.off += len(b)
}

func (r *reader) boolsInto(b []bool) {
	for i := range b {
		b[i] = r.bool()
	}
}

func (r *reader) u16sInto(v []uint16) {
	for i := range v {
		v[i] = r.u16()
	}
}

func (r *reader) i32sInto(v []int32) {
	for i := range v {
		v[i] = int32(r.u32())
	}
}
