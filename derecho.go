// Package derecho provides the core identifiers and shared types for a
// replicated-service group built on a totally ordered atomic multicast.
//
// Processes join a named group that is partitioned into subgroups, each
// replicating one object, and further into shards. Coordination between
// members runs entirely over a shared state table of monotone counters
// (package sst), message data moves over one of two multicast planes
// (package multicast), and membership evolves through a sequence of views
// agreed on by all survivors (package gms). Package group ties these
// together behind the public façade.
package derecho

import "fmt"

// NodeID uniquely identifies a node in the group. IDs are 32-bit values but
// in practice never exceed 16 bits, so a pair of them packs into a single
// 32-bit change-proposal slot.
type NodeID uint32

// SubgroupID identifies a subgroup, assigned stably by the membership
// function at provisioning time.
type SubgroupID int32

// MessageID counts in-order multicast messages within a subgroup. The
// value -1 means "no message yet".
type MessageID int64

// Version is an opaque persistent counter assigned to delivered messages by
// the persistence collaborator.
type Version int64

// InvalidVersion is the version reported before anything has been delivered.
const InvalidVersion Version = -1

// DeliveryMode selects how a shard orders deliveries.
type DeliveryMode int

const (
	// Ordered delivers messages in the unique global round-robin order,
	// waiting for stability across the shard.
	Ordered DeliveryMode = iota

	// Unordered delivers messages as soon as they are locally received.
	// Atomic membership is still guaranteed, global order is not.
	Unordered
)

// String returns a human-readable representation of the mode.
func (m DeliveryMode) String() string {
	switch m {
	case Ordered:
		return "ordered"
	case Unordered:
		return "unordered"
	}
	return fmt.Sprintf("DeliveryMode(%d)", int(m))
}

// SendAlgorithm selects the block dissemination pattern used by the bulk
// multicast plane.
type SendAlgorithm int

const (
	BinomialSend SendAlgorithm = iota
	ChainSend
	SequentialSend
	TreeSend
)

// String returns the configuration name of the algorithm.
func (a SendAlgorithm) String() string {
	switch a {
	case BinomialSend:
		return "binomial_send"
	case ChainSend:
		return "chain_send"
	case SequentialSend:
		return "sequential_send"
	case TreeSend:
		return "tree_send"
	}
	return fmt.Sprintf("SendAlgorithm(%d)", int(a))
}

// ParseSendAlgorithm parses a configuration value into a SendAlgorithm.
// An unknown name is a configuration error, not a panic.
func ParseSendAlgorithm(s string) (SendAlgorithm, error) {
	switch s {
	case "binomial_send", "binomial":
		return BinomialSend, nil
	case "chain_send", "chain":
		return ChainSend, nil
	case "sequential_send", "sequential":
		return SequentialSend, nil
	case "tree_send", "tree":
		return TreeSend, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSendAlgorithm, s)
}

// ChangeProposal is a proposed change to the view: either the join of a new
// node or the departure of a member. EndOfView marks the final proposal made
// by a leader before a leader change, so that pipelined commits do not
// replay across the transition.
type ChangeProposal struct {
	LeaderID  uint16
	ChangeID  uint16
	EndOfView bool
}

// NodePorts carries the listen ports a node advertises when joining.
type NodePorts struct {
	GMS           uint16
	StateTransfer uint16
	SST           uint16
	RDMC          uint16
	External      uint16
}
