package gms_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tamitakada/derecho"
	"github.com/tamitakada/derecho/gms"
)

func TestSubView_Ranks(t *testing.T) {
	sv := gms.SubView{
		Members:  []derecho.NodeID{10, 20, 30, 40},
		IsSender: []bool{false, true, false, true},
	}
	require.Equal(t, 2, sv.NumSenders())
	require.Equal(t, 1, sv.RankOf(20))
	require.Equal(t, -1, sv.RankOf(99))
	require.Equal(t, -1, sv.SenderRankOf(0), "non-senders have no sender rank")
	require.Equal(t, 0, sv.SenderRankOf(1))
	require.Equal(t, 1, sv.SenderRankOf(3))
}

func TestView_MarshalRoundTrip(t *testing.T) {
	v := &gms.View{
		Vid:       7,
		Members:   []derecho.NodeID{1, 2, 3},
		Addresses: []gms.Address{{IP: "10.0.0.1"}, {IP: "10.0.0.2"}, {IP: "10.0.0.3"}},
		Joined:    []derecho.NodeID{3},
		Subgroups: [][]gms.SubView{{{
			Members:  []derecho.NodeID{1, 2, 3},
			IsSender: []bool{true, true, true},
			Mode:     derecho.Ordered,
		}}},
		MyRank: 0,
	}
	data, err := v.Marshal()
	require.NoError(t, err)

	got, err := gms.UnmarshalView(data, 2)
	require.NoError(t, err)
	require.Equal(t, 1, got.MyRank, "rank must be restamped for the reader")

	got.MyRank = v.MyRank
	if diff := cmp.Diff(v, got); diff != "" {
		t.Fatalf("view mismatch (-want +got):\n%s", diff)
	}

	outsider, err := gms.UnmarshalView(data, 99)
	require.NoError(t, err)
	require.Equal(t, -1, outsider.MyRank)
}

func TestView_MyShard(t *testing.T) {
	v := &gms.View{
		Vid:     0,
		Members: []derecho.NodeID{1, 2, 3, 4},
		Subgroups: [][]gms.SubView{{
			{Members: []derecho.NodeID{1, 2}, IsSender: []bool{true, true}, ShardNum: 0},
			{Members: []derecho.NodeID{3, 4}, IsSender: []bool{true, true}, ShardNum: 1},
		}},
	}
	shard := v.MyShard(0, 3)
	require.NotNil(t, shard)
	require.Equal(t, 1, shard.ShardNum)
	require.Nil(t, v.MyShard(1, 3), "no such subgroup")
}

func TestSingleShardLayout(t *testing.T) {
	fn := gms.SingleShardLayout(3, derecho.Ordered, gms.UpperHalfSenders)

	small := &gms.View{Members: []derecho.NodeID{1, 2}}
	_, err := fn(nil, small)
	require.ErrorIs(t, err, derecho.ErrInadequateProvisioning)

	v := &gms.View{Members: []derecho.NodeID{1, 2, 3, 4}}
	subgroups, err := fn(nil, v)
	require.NoError(t, err)
	require.Len(t, subgroups, 1)
	require.Len(t, subgroups[0], 1)
	require.Equal(t, []bool{false, false, true, true}, subgroups[0][0].IsSender)
}

func TestShardedLayout(t *testing.T) {
	fn := gms.ShardedLayout(2, derecho.Ordered, gms.AllSenders)

	v := &gms.View{Members: []derecho.NodeID{1, 2, 3, 4, 5}}
	subgroups, err := fn(nil, v)
	require.NoError(t, err)
	require.Len(t, subgroups[0], 2, "five members at shard size two form two shards")
	require.Equal(t, []derecho.NodeID{1, 2}, subgroups[0][0].Members)
	require.Equal(t, []derecho.NodeID{3, 4}, subgroups[0][1].Members)
	require.Equal(t, 1, subgroups[0][1].ShardNum)

	_, err = fn(nil, &gms.View{Members: []derecho.NodeID{1}})
	require.ErrorIs(t, err, derecho.ErrInadequateProvisioning)
}
