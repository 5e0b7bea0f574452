// Package gms is the group management service: failure suspicion, leader
// driven change proposals, wedging, ragged trim and view installation, all
// built as predicates over the shared state table.
package gms

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tamitakada/derecho"
)

// Address is the transport location a node advertises.
type Address struct {
	IP    string            `json:"ip"`
	Ports derecho.NodePorts `json:"ports"`
}

// SubView describes one shard of one subgroup within a view.
type SubView struct {
	// Members lists the shard's members in rank order.
	Members []derecho.NodeID `json:"members"`
	// IsSender flags which members produce messages; parallel to Members.
	IsSender []bool `json:"is_sender"`
	// Mode is the shard's delivery mode.
	Mode derecho.DeliveryMode `json:"mode"`
	// ShardNum is the shard's number within its subgroup.
	ShardNum int `json:"shard_num"`
	// Profile names the configuration profile the shard's multicast
	// parameters resolve from; empty means the defaults.
	Profile string `json:"profile,omitempty"`
}

// RankOf returns the shard rank of a node, or -1.
func (sv *SubView) RankOf(id derecho.NodeID) int {
	for i, m := range sv.Members {
		if m == id {
			return i
		}
	}
	return -1
}

// SenderRankOf returns the sender rank of the member at shardRank, or -1
// when that member is not a sender.
func (sv *SubView) SenderRankOf(shardRank int) int {
	if shardRank < 0 || shardRank >= len(sv.IsSender) || !sv.IsSender[shardRank] {
		return -1
	}
	rank := 0
	for i := 0; i < shardRank; i++ {
		if sv.IsSender[i] {
			rank++
		}
	}
	return rank
}

// NumSenders returns the shard's sender count.
func (sv *SubView) NumSenders() int {
	n := 0
	for _, s := range sv.IsSender {
		if s {
			n++
		}
	}
	return n
}

// View is an immutable snapshot of group membership and subgroup layout.
// Once installed it is never modified; the next view supersedes it.
type View struct {
	// Vid is the view id; strictly increasing across installed views.
	Vid int32 `json:"vid"`
	// Members lists every member in rank order.
	Members []derecho.NodeID `json:"members"`
	// Addresses is parallel to Members.
	Addresses []Address `json:"addresses"`
	// Joined and Departed record the difference from the prior view.
	Joined   []derecho.NodeID `json:"joined,omitempty"`
	Departed []derecho.NodeID `json:"departed,omitempty"`
	// Subgroups maps subgroup ids (the slice index) to their shards.
	Subgroups [][]SubView `json:"subgroups"`
	// MyRank is this node's rank in Members, or -1 when this node is not a
	// member. It is the one field that differs between nodes' copies.
	MyRank int `json:"-"`
}

// RankOf returns the view rank of a node id, or -1.
func (v *View) RankOf(id derecho.NodeID) int {
	for i, m := range v.Members {
		if m == id {
			return i
		}
	}
	return -1
}

// IsMember reports whether id is a member of the view.
func (v *View) IsMember(id derecho.NodeID) bool { return v.RankOf(id) >= 0 }

// MyShard returns the shard of subgroup sub that node id belongs to, or
// nil.
func (v *View) MyShard(sub derecho.SubgroupID, id derecho.NodeID) *SubView {
	if int(sub) >= len(v.Subgroups) {
		return nil
	}
	for i := range v.Subgroups[sub] {
		if v.Subgroups[sub][i].RankOf(id) >= 0 {
			return &v.Subgroups[sub][i]
		}
	}
	return nil
}

// AddressOf returns the advertised address of a member.
func (v *View) AddressOf(id derecho.NodeID) (Address, bool) {
	rank := v.RankOf(id)
	if rank < 0 || rank >= len(v.Addresses) {
		return Address{}, false
	}
	return v.Addresses[rank], true
}

// String renders the view for logs.
func (v *View) String() string {
	return fmt.Sprintf("View{vid=%d members=%v joined=%v departed=%v}", v.Vid, v.Members, v.Joined, v.Departed)
}

// Marshal serializes the view for the joiner bootstrap exchange.
func (v *View) Marshal() ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal view")
	}
	return data, nil
}

// UnmarshalView deserializes a view and stamps the local rank for id.
func UnmarshalView(data []byte, id derecho.NodeID) (*View, error) {
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "unmarshal view")
	}
	v.MyRank = v.RankOf(id)
	return &v, nil
}
