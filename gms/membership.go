package gms

import (
	"github.com/tamitakada/derecho"
)

// MembershipFunc produces the subgroup layout for a prospective view. It
// runs identically, with identical inputs, on every member, so all members
// derive the same layout without communicating.
//
// Returning derecho.ErrInadequateProvisioning (wrapped or bare) abandons
// the view install: members remain in the previous view and the leader may
// retry after the next change.
type MembershipFunc func(prev *View, curr *View) ([][]SubView, error)

// SenderSelector decides which members of a shard produce messages, by
// shard rank.
type SenderSelector func(rank, numMembers int) bool

// AllSenders flags every member as a sender.
func AllSenders(rank, n int) bool { return true }

// UpperHalfSenders flags the upper half of the ranks as senders.
func UpperHalfSenders(rank, n int) bool { return rank >= n/2 }

// LastSender flags only the highest rank as a sender.
func LastSender(rank, n int) bool { return rank == n-1 }

// SingleShardLayout returns a membership function placing every member in
// one shard of one subgroup. The view is inadequately provisioned until
// minMembers have joined.
func SingleShardLayout(minMembers int, mode derecho.DeliveryMode, senders SenderSelector) MembershipFunc {
	return func(prev *View, curr *View) ([][]SubView, error) {
		n := len(curr.Members)
		if n < minMembers {
			return nil, derecho.ErrInadequateProvisioning
		}
		sv := SubView{
			Members:  append([]derecho.NodeID(nil), curr.Members...),
			IsSender: make([]bool, n),
			Mode:     mode,
		}
		for i := 0; i < n; i++ {
			sv.IsSender[i] = senders(i, n)
		}
		return [][]SubView{{sv}}, nil
	}
}

// ShardedLayout splits the members of one subgroup into fixed-size shards,
// in rank order. Members beyond the last full shard go unassigned until
// enough join to fill the next one; the view is inadequate until at least
// one shard can form.
func ShardedLayout(shardSize int, mode derecho.DeliveryMode, senders SenderSelector) MembershipFunc {
	return func(prev *View, curr *View) ([][]SubView, error) {
		n := len(curr.Members)
		if n < shardSize {
			return nil, derecho.ErrInadequateProvisioning
		}
		var shards []SubView
		for start := 0; start+shardSize <= n; start += shardSize {
			members := curr.Members[start : start+shardSize]
			sv := SubView{
				Members:  append([]derecho.NodeID(nil), members...),
				IsSender: make([]bool, shardSize),
				Mode:     mode,
				ShardNum: len(shards),
			}
			for i := range sv.IsSender {
				sv.IsSender[i] = senders(i, shardSize)
			}
			shards = append(shards, sv)
		}
		return [][]SubView{shards}, nil
	}
}
