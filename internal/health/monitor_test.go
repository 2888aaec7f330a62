package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vogler75/monster-mq"
	"github.com/vogler75/monster-mq/internal/cluster"
	"github.com/vogler75/monster-mq/internal/router"
	"github.com/vogler75/monster-mq/internal/topic"
)

// fakeStore only implements what these tests exercise; everything else
// panics through the embedded nil interface if accidentally called.
type fakeStore struct {
	router.SessionStore

	mu             sync.Mutex
	purgeSessions  int
	purgeQueued    int
	nodeClients    map[string][]*monster.ClientSession
	deletedClients []string
}

func (f *fakeStore) PurgeSessions(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeSessions++
	return nil
}

func (f *fakeStore) PurgeQueuedMessages(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeQueued++
	return nil
}

func (f *fakeStore) IterateNodeClients(_ context.Context, nodeID string, cb func(*monster.ClientSession) bool) error {
	f.mu.Lock()
	sessions := append([]*monster.ClientSession(nil), f.nodeClients[nodeID]...)
	f.mu.Unlock()
	for _, s := range sessions {
		if !cb(s) {
			break
		}
	}
	return nil
}

func (f *fakeStore) DelClient(_ context.Context, clientID string, _ func(filter string, qos monster.QoS)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedClients = append(f.deletedClients, clientID)
	return nil
}

func (f *fakeStore) counts() (purgeSessions, purgeQueued int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purgeSessions, f.purgeQueued
}

// testNode bundles one simulated cluster node's collaborators: its own bus
// handle onto a shared hub, the replicated maps the router and the
// monitor both depend on, and the router itself.
type testNode struct {
	bus *cluster.LocalBus
	cnm *cluster.ClientNodeMap
	tnm *cluster.TopicNodeMap
	r   *router.SessionRouter
}

func newTestNode(t *testing.T, hub *cluster.Hub, nodeID string, store *fakeStore) *testNode {
	t.Helper()
	bus := cluster.NewLocalBus(hub, nodeID)
	idx := topic.New()
	cnm := cluster.NewClientNodeMap(bus)
	tnm := cluster.NewTopicNodeMap(bus)
	var opts []router.Option
	if store != nil {
		opts = append(opts, router.WithSessionStore(store))
	}
	r := router.NewSessionRouter(nodeID, idx, cnm, tnm, bus, opts...)
	r.Start()
	t.Cleanup(r.Stop)
	return &testNode{bus: bus, cnm: cnm, tnm: tnm, r: r}
}

func TestMonitorSingleNodePurgesOnStartAndLeaderIsAlwaysTrue(t *testing.T) {
	store := &fakeStore{nodeClients: map[string][]*monster.ClientSession{}}
	node := newTestNode(t, cluster.NewHub(), "n1", store)

	m := NewMonitor("n1", false, nil, store, node.cnm, node.tnm, node.r)
	m.Start(context.Background())
	defer m.Stop()

	if !m.IsLeader() {
		t.Fatalf("single-node monitor should always be leader")
	}
	purgeSessions, purgeQueued := store.counts()
	if purgeSessions != 1 || purgeQueued != 1 {
		t.Fatalf("want one boot purge pass, got sessions=%d queued=%d", purgeSessions, purgeQueued)
	}
}

func TestMonitorClusterModeFirstClaimerBecomesLeader(t *testing.T) {
	hub := cluster.NewHub()
	storeA := &fakeStore{nodeClients: map[string][]*monster.ClientSession{}}
	storeB := &fakeStore{nodeClients: map[string][]*monster.ClientSession{}}

	nodeA := newTestNode(t, hub, "a", storeA)
	nodeB := newTestNode(t, hub, "b", storeB)

	leaderMapA := cluster.NewReplicatedMap(nodeA.bus, "health.leader")
	leaderMapB := cluster.NewReplicatedMap(nodeB.bus, "health.leader")

	mA := NewMonitor("a", true, leaderMapA, storeA, nodeA.cnm, nodeA.tnm, nodeA.r)
	mB := NewMonitor("b", true, leaderMapB, storeB, nodeB.cnm, nodeB.tnm, nodeB.r)

	mA.Start(context.Background())
	defer mA.Stop()
	mB.Start(context.Background())
	defer mB.Stop()

	if mA.IsLeader() == mB.IsLeader() {
		t.Fatalf("exactly one node should hold leadership, got a=%v b=%v", mA.IsLeader(), mB.IsLeader())
	}
}

func TestHandleNodeRemovedPausesPersistentSessionsAndDeletesCleanOnes(t *testing.T) {
	store := &fakeStore{
		nodeClients: map[string][]*monster.ClientSession{
			"dead": {
				{ClientID: "persistent", CleanSession: false},
				{ClientID: "clean", CleanSession: true},
			},
		},
	}
	node := newTestNode(t, cluster.NewHub(), "n1", store)
	node.cnm.Set("persistent", "dead")
	node.cnm.Set("clean", "dead")

	m := NewMonitor("n1", false, nil, store, node.cnm, node.tnm, node.r)
	m.Start(context.Background())
	defer m.Stop()

	m.HandleNodeRemoved(context.Background(), "dead")

	store.mu.Lock()
	deleted := append([]string(nil), store.deletedClients...)
	store.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "clean" {
		t.Fatalf("want only the clean-session client deleted, got %v", deleted)
	}
	if _, ok := node.cnm.NodeOf("persistent"); ok {
		t.Fatalf("ClientNodeMap should have dropped entries for the dead node")
	}
}

func TestHandleSelfRemovedCallsExitFunc(t *testing.T) {
	store := &fakeStore{nodeClients: map[string][]*monster.ClientSession{}}
	node := newTestNode(t, cluster.NewHub(), "n1", store)
	leaderMap := cluster.NewReplicatedMap(node.bus, "health.leader")

	called := make(chan struct{}, 1)
	m := NewMonitor("n1", true, leaderMap, store, node.cnm, node.tnm, node.r, WithExitFunc(func() {
		called <- struct{}{}
	}))

	m.HandleNodeRemoved(context.Background(), "n1")

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("want exitFunc called on self removal")
	}
}
