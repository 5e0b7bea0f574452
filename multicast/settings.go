// Package multicast implements the two multicast data planes and the engine
// that turns their receive events into totally ordered, versioned
// deliveries, driven entirely by shared-state-table counter monotonicity.
package multicast

import (
	"github.com/tamitakada/derecho"
)

// Params bundles the resolved multicast parameters for one subgroup.
type Params struct {
	// MaxMsgSize is the largest on-wire message (header included) on the
	// block plane, rounded up to whole blocks.
	MaxMsgSize uint64
	// SSTMaxMsgSize is the largest on-wire message carried in one
	// slot-plane slot.
	SSTMaxMsgSize uint64
	// BlockSize is the block plane's chunk size.
	BlockSize uint64
	// WindowSize bounds in-flight messages per sender.
	WindowSize uint32
	// Algorithm selects the block dissemination pattern.
	Algorithm derecho.SendAlgorithm
}

// SubgroupSettings collects what the engine needs to know about the one
// shard of a subgroup this node belongs to: membership, sender flags, the
// row offsets of the subgroup's counter ranges, and the delivery mode.
type SubgroupSettings struct {
	// ShardNum is this node's shard number within the subgroup.
	ShardNum int
	// ShardRank is this node's rank within the shard's member list.
	ShardRank int
	// Members lists the shard members, in rank order.
	Members []derecho.NodeID
	// Senders flags which members produce messages; same length as Members.
	Senders []bool
	// SenderRank is this node's rank among the senders, -1 if it is not
	// one.
	SenderRank int
	// NumReceivedOffset is where this subgroup's per-sender range begins in
	// the num-received, global-min and num-received-sst vectors.
	NumReceivedOffset int
	// SlotOffset is where this subgroup's slot ring begins in the slots
	// region.
	SlotOffset int
	// IndexOffset is the position of this subgroup's slot-plane publish
	// counter.
	IndexOffset int
	// Mode is the shard's delivery mode.
	Mode derecho.DeliveryMode
	// Params holds the multicast parameters resolved from the subgroup's
	// profile.
	Params Params
}

// NumSenders returns the number of senders in the shard.
func (s *SubgroupSettings) NumSenders() int {
	n := 0
	for _, isSender := range s.Senders {
		if isSender {
			n++
		}
	}
	return n
}

// SenderRankOf returns the sender rank of the member at shardRank, or -1.
func (s *SubgroupSettings) SenderRankOf(shardRank int) int {
	if shardRank < 0 || shardRank >= len(s.Senders) || !s.Senders[shardRank] {
		return -1
	}
	rank := 0
	for i := 0; i < shardRank; i++ {
		if s.Senders[i] {
			rank++
		}
	}
	return rank
}

// ShardRankOfSender is the inverse of SenderRankOf.
func (s *SubgroupSettings) ShardRankOfSender(senderRank int) int {
	for i, isSender := range s.Senders {
		if !isSender {
			continue
		}
		if senderRank == 0 {
			return i
		}
		senderRank--
	}
	return -1
}

// SlotStride returns the byte stride of one slot: a length prefix plus the
// maximum slot message.
func (s *SubgroupSettings) SlotStride() int {
	return slotLengthPrefix + int(s.Params.SSTMaxMsgSize)
}

const slotLengthPrefix = 4
