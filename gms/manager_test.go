package gms_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tamitakada/derecho"
	"github.com/tamitakada/derecho/gms"
	"github.com/tamitakada/derecho/multicast"
	"github.com/tamitakada/derecho/persist"
	"github.com/tamitakada/derecho/sst"
	itoml "github.com/tamitakada/derecho/toml"
	"github.com/tamitakada/derecho/transport"
)

type deliveredRecord struct {
	sender  derecho.NodeID
	index   derecho.MessageID
	payload string
}

type testMember struct {
	id  derecho.NodeID
	mgr *gms.Manager

	mu        sync.Mutex
	delivered []deliveredRecord
	views     []*gms.View
	left      bool
	applied   map[derecho.SubgroupID][]byte
}

func (tm *testMember) latestView() *gms.View {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.views) == 0 {
		return nil
	}
	return tm.views[len(tm.views)-1]
}

func (tm *testMember) deliveredCopy() []deliveredRecord {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]deliveredRecord(nil), tm.delivered...)
}

func (tm *testMember) hasLeft() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.left
}

func testConfig(id derecho.NodeID) derecho.Config {
	cfg := derecho.NewConfig()
	cfg.LocalID = id
	cfg.Heartbeat = itoml.Duration(20 * time.Millisecond)
	// Short enough that a silent or dead sender cannot stall the round
	// robin for long; these tests assert agreement, not alternation.
	cfg.SenderTimeout = itoml.Duration(200 * time.Millisecond)
	cfg.RestartTimeout = itoml.Duration(10 * time.Second)
	cfg.Defaults.MaxSMCPayloadSize = 256
	cfg.Defaults.WindowSize = 8
	return cfg
}

func newMember(t *testing.T, net *transport.Network, id derecho.NodeID, membership gms.MembershipFunc) *testMember {
	t.Helper()
	tm := &testMember{id: id, applied: make(map[derecho.SubgroupID][]byte)}

	callbacks := multicast.Callbacks{
		Stability: func(sub derecho.SubgroupID, sender derecho.NodeID, index derecho.MessageID, payload []byte, ver derecho.Version) {
			tm.mu.Lock()
			tm.delivered = append(tm.delivered, deliveredRecord{sender: sender, index: index, payload: string(payload)})
			tm.mu.Unlock()
		},
	}

	mgr := gms.NewManager(testConfig(id), gms.Address{}, membership, callbacks, persist.NewMemLog())
	mgr.OnViewInstalled = func(v *gms.View, engine *multicast.Group) {
		tm.mu.Lock()
		tm.views = append(tm.views, v)
		tm.mu.Unlock()
	}
	mgr.OnLeft = func() {
		tm.mu.Lock()
		tm.left = true
		tm.mu.Unlock()
	}
	mgr.StateProvider = func(sub derecho.SubgroupID) ([]byte, error) {
		return []byte(fmt.Sprintf("state-of-%d", sub)), nil
	}
	mgr.StateApplier = func(sub derecho.SubgroupID, data []byte, ver derecho.Version) error {
		tm.mu.Lock()
		tm.applied[sub] = append([]byte(nil), data...)
		tm.mu.Unlock()
		return nil
	}

	endpoint := net.Endpoint(id)
	router := transport.NewRouter()
	endpoint.SetHandler(router)
	mgr.SetTransport(endpoint, router)
	tm.mgr = mgr

	t.Cleanup(func() { mgr.Close() })
	return tm
}

func initialView(members ...derecho.NodeID) *gms.View {
	return &gms.View{
		Vid:       0,
		Members:   members,
		Addresses: make([]gms.Address, len(members)),
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "timed out waiting for %s", what)
		time.Sleep(2 * time.Millisecond)
	}
}

// sendRetry sends one payload through the member's current engine,
// retrying across backpressure and view changes.
func sendRetry(t *testing.T, tm *testMember, payload string) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for {
		engine := tm.mgr.Engine()
		if engine != nil {
			ok, err := engine.Send(0, len(payload), func(buf []byte) { copy(buf, payload) }, false)
			if err == nil && ok {
				return
			}
			// An engine closed by a view change is replaced on install.
			if !errors.Is(err, derecho.ErrGroupClosed) {
				require.NoError(t, err)
			}
		}
		require.True(t, time.Now().Before(deadline), "send never accepted")
		time.Sleep(time.Millisecond)
	}
}

// A node joining a quiescent group triggers exactly one view change: the
// new view has vid+1, the extended membership, an incremented
// num_installed, and the joiner holds the transferred state.
func TestManager_JoinDuringQuiescence(t *testing.T) {
	net := transport.NewNetwork()
	membership := gms.SingleShardLayout(1, derecho.Ordered, gms.AllSenders)

	founders := []*testMember{
		newMember(t, net, 1, membership),
		newMember(t, net, 2, membership),
		newMember(t, net, 3, membership),
	}
	for _, f := range founders {
		require.NoError(t, f.mgr.Start(initialView(1, 2, 3)))
	}
	waitCond(t, "initial view", func() bool {
		for _, f := range founders {
			if v := f.latestView(); v == nil || v.Vid != 0 {
				return false
			}
		}
		return true
	})

	joiner := newMember(t, net, 4, membership)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, joiner.mgr.Join(ctx, 1))

	all := append(append([]*testMember(nil), founders...), joiner)
	waitCond(t, "view with joiner", func() bool {
		for _, m := range all {
			v := m.latestView()
			if v == nil || v.Vid != 1 || len(v.Members) != 4 {
				return false
			}
		}
		return true
	})

	for _, m := range all {
		v := m.latestView()
		require.Equal(t, []derecho.NodeID{1, 2, 3, 4}, v.Members)
		require.Equal(t, []derecho.NodeID{4}, v.Joined)
		require.Empty(t, v.Departed)

		m.mgr.Table().ReadLocal(func(r *sst.Row) {
			require.Equal(t, int32(1), r.NumInstalled, "node %d", m.id)
			require.LessOrEqual(t, r.NumInstalled, r.NumCommitted)
			require.LessOrEqual(t, r.NumCommitted, r.NumChanges)
		})
	}

	joiner.mu.Lock()
	state := joiner.applied[0]
	joiner.mu.Unlock()
	require.Equal(t, []byte("state-of-0"), state, "joiner did not receive the shard state")

	// Quiescent join: delivered counters agree between joiner and leader.
	leaderDelivered := founders[0].mgr.Engine().Delivered(0)
	require.Equal(t, leaderDelivered, joiner.mgr.Engine().Delivered(0))
}

// A member crashing mid-send leads the survivors to agree on a ragged trim
// and install a three-member view; all survivors share an identical
// delivered sequence, and sending resumes in the new view.
func TestManager_FailureMidSend(t *testing.T) {
	net := transport.NewNetwork()
	membership := gms.SingleShardLayout(1, derecho.Ordered, gms.AllSenders)

	members := []*testMember{
		newMember(t, net, 1, membership),
		newMember(t, net, 2, membership),
		newMember(t, net, 3, membership),
		newMember(t, net, 4, membership),
	}
	for _, m := range members {
		require.NoError(t, m.mgr.Start(initialView(1, 2, 3, 4)))
	}
	waitCond(t, "initial view", func() bool {
		for _, m := range members {
			if m.latestView() == nil {
				return false
			}
		}
		return true
	})

	const perSender = 30
	var wg sync.WaitGroup
	for _, m := range members {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if m.id == 3 && i == perSender/2 {
					// Node 3 dies halfway through its sends.
					net.Kill(3)
					return
				}
				sendRetry(t, m, fmt.Sprintf("m-%d-%d", m.id, i))
			}
		}()
	}
	wg.Wait()

	survivors := []*testMember{members[0], members[1], members[3]}
	waitCond(t, "three-member view", func() bool {
		for _, m := range survivors {
			v := m.latestView()
			if v == nil || v.Vid != 1 {
				return false
			}
		}
		return true
	})

	for _, m := range survivors {
		v := m.latestView()
		require.Equal(t, []derecho.NodeID{1, 2, 4}, v.Members)
		require.Equal(t, []derecho.NodeID{3}, v.Departed)
	}

	// Every survivor's own messages eventually deliver; the dead node's
	// tail is capped by the ragged trim.
	waitCond(t, "survivor messages to deliver", func() bool {
		for _, m := range survivors {
			if len(m.deliveredCopy()) < perSender*len(survivors) {
				return false
			}
		}
		return true
	})

	// Safety: the delivered sequences are identical up to the length each
	// survivor has reached.
	snapshots := [][]deliveredRecord{
		survivors[0].deliveredCopy(),
		survivors[1].deliveredCopy(),
		survivors[2].deliveredCopy(),
	}
	shortest := len(snapshots[0])
	for _, s := range snapshots[1:] {
		if len(s) < shortest {
			shortest = len(s)
		}
	}
	for _, s := range snapshots[1:] {
		require.Equal(t, snapshots[0][:shortest], s[:shortest], "survivors disagree on the delivered prefix")
	}

	// Sending resumes in the new view.
	sendRetry(t, survivors[0], "after-failure")
	waitCond(t, "post-install delivery", func() bool {
		for _, m := range survivors {
			found := false
			for _, d := range m.deliveredCopy() {
				if d.payload == "after-failure" {
					found = true
				}
			}
			if !found {
				return false
			}
		}
		return true
	})

	for _, m := range survivors {
		m.mgr.Table().ReadLocal(func(r *sst.Row) {
			require.LessOrEqual(t, r.NumInstalled, r.NumCommitted)
			require.LessOrEqual(t, r.NumCommitted, r.NumChanges)
		})
	}
}

// A graceful leave publishes rip, participates in one final view change,
// and the survivors install a view without the leaver.
func TestManager_GracefulLeave(t *testing.T) {
	net := transport.NewNetwork()
	membership := gms.SingleShardLayout(1, derecho.Ordered, gms.AllSenders)

	members := []*testMember{
		newMember(t, net, 1, membership),
		newMember(t, net, 2, membership),
		newMember(t, net, 3, membership),
	}
	for _, m := range members {
		require.NoError(t, m.mgr.Start(initialView(1, 2, 3)))
	}
	waitCond(t, "initial view", func() bool {
		for _, m := range members {
			if m.latestView() == nil {
				return false
			}
		}
		return true
	})

	go members[2].mgr.Leave(true)

	survivors := members[:2]
	waitCond(t, "view without leaver", func() bool {
		for _, m := range survivors {
			v := m.latestView()
			if v == nil || v.Vid != 1 || len(v.Members) != 2 {
				return false
			}
		}
		return true
	})
	for _, m := range survivors {
		require.Equal(t, []derecho.NodeID{1, 2}, m.latestView().Members)
	}
	waitCond(t, "leaver shutdown", func() bool { return members[2].hasLeft() })
}

// Inadequate provisioning abandons the install: the members stay in the
// previous view.
func TestManager_InadequateProvisioningAbandons(t *testing.T) {
	net := transport.NewNetwork()
	// Three members are required; after one leaves, provisioning fails.
	membership := gms.SingleShardLayout(3, derecho.Ordered, gms.AllSenders)

	members := []*testMember{
		newMember(t, net, 1, membership),
		newMember(t, net, 2, membership),
		newMember(t, net, 3, membership),
	}
	for _, m := range members {
		require.NoError(t, m.mgr.Start(initialView(1, 2, 3)))
	}
	waitCond(t, "initial view", func() bool {
		for _, m := range members {
			if m.latestView() == nil {
				return false
			}
		}
		return true
	})

	net.Kill(3)

	// The survivors suspect node 3 and try to install a two-member view,
	// which the membership function rejects; they stay in vid 0.
	time.Sleep(time.Second)
	for _, m := range members[:2] {
		v := m.latestView()
		require.NotNil(t, v)
		require.Equal(t, int32(0), v.Vid, "install should have been abandoned")
	}
}

// Views strictly increase and members agree on each installed membership.
func TestManager_VidMonotonicity(t *testing.T) {
	net := transport.NewNetwork()
	membership := gms.SingleShardLayout(1, derecho.Ordered, gms.AllSenders)

	a := newMember(t, net, 1, membership)
	b := newMember(t, net, 2, membership)
	require.NoError(t, a.mgr.Start(initialView(1, 2)))
	require.NoError(t, b.mgr.Start(initialView(1, 2)))
	waitCond(t, "initial view", func() bool {
		return a.latestView() != nil && b.latestView() != nil
	})

	joiner := newMember(t, net, 5, membership)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, joiner.mgr.Join(ctx, 1))

	waitCond(t, "second view", func() bool {
		va, vb := a.latestView(), b.latestView()
		return va != nil && va.Vid == 1 && vb != nil && vb.Vid == 1
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	last := int32(-1)
	for _, v := range a.views {
		require.Greater(t, v.Vid, last, "vid must strictly increase")
		last = v.Vid
	}
}
