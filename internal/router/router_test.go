package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vogler75/monster-mq"
	"github.com/vogler75/monster-mq/internal/cluster"
	"github.com/vogler75/monster-mq/internal/topic"
)

// fakeTransport records every Send call, keyed by client id.
type fakeTransport struct {
	mu  sync.Mutex
	got map[string][]*monster.BrokerMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{got: make(map[string][]*monster.BrokerMessage)}
}

func (f *fakeTransport) Send(_ context.Context, clientAddress string, msg *monster.BrokerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got[clientAddress] = append(f.got[clientAddress], msg)
	return nil
}

func (f *fakeTransport) Request(_ context.Context, _ string, _ *monster.BrokerMessage) (bool, error) {
	return true, nil
}

func (f *fakeTransport) messagesFor(clientID string) []*monster.BrokerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*monster.BrokerMessage, len(f.got[clientID]))
	copy(out, f.got[clientID])
	return out
}

func newTestRouter(t *testing.T, transport Transport, opts ...Option) (*SessionRouter, func()) {
	t.Helper()
	hub := cluster.NewHub()
	bus := cluster.NewLocalBus(hub, "n1")
	idx := topic.New()
	cnm := cluster.NewClientNodeMap(bus)
	tnm := cluster.NewTopicNodeMap(bus)

	allOpts := append([]Option{WithTransport(transport), WithBulkPolicy(1, time.Millisecond)}, opts...)
	r := NewSessionRouter("n1", idx, cnm, tnm, bus, allOpts...)
	r.Start()
	return r, r.Stop
}

func TestPublishDeliversToLocalQoS0Subscriber(t *testing.T) {
	transport := newFakeTransport()
	r, stop := newTestRouter(t, transport)
	defer stop()

	if err := r.Subscribe(context.Background(), "c1", "home/temp", monster.AtMostOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.Publish(context.Background(), &monster.BrokerMessage{TopicName: "home/temp", Payload: []byte("21"), QosLevel: monster.AtMostOnce})

	waitFor(t, func() bool { return len(transport.messagesFor("c1")) == 1 })
}

func TestPublishRespectsWildcardSubscription(t *testing.T) {
	transport := newFakeTransport()
	r, stop := newTestRouter(t, transport)
	defer stop()

	r.Subscribe(context.Background(), "c1", "home/#", monster.AtMostOnce)
	r.Publish(context.Background(), &monster.BrokerMessage{TopicName: "home/kitchen/temp", QosLevel: monster.AtMostOnce})

	waitFor(t, func() bool { return len(transport.messagesFor("c1")) == 1 })
}

func TestPublishLoopPreventionSkipsSender(t *testing.T) {
	transport := newFakeTransport()
	r, stop := newTestRouter(t, transport)
	defer stop()

	r.Subscribe(context.Background(), "c1", "a/b", monster.AtMostOnce)
	r.Publish(context.Background(), &monster.BrokerMessage{TopicName: "a/b", SenderID: "c1", QosLevel: monster.AtMostOnce})

	time.Sleep(20 * time.Millisecond)
	if got := transport.messagesFor("c1"); len(got) != 0 {
		t.Fatalf("sender should not receive its own re-published message, got %d", len(got))
	}
}

func TestPublishQoSDowngradeRewritesDeliveredCopy(t *testing.T) {
	transport := newFakeTransport()
	r, stop := newTestRouter(t, transport)
	defer stop()

	r.Subscribe(context.Background(), "c1", "a/b", monster.AtMostOnce) // granted QoS 0
	r.Publish(context.Background(), &monster.BrokerMessage{TopicName: "a/b", QosLevel: monster.ExactlyOnce})

	waitFor(t, func() bool { return len(transport.messagesFor("c1")) == 1 })
	got := transport.messagesFor("c1")[0]
	if got.QosLevel != monster.AtMostOnce {
		t.Fatalf("want delivered QoS downgraded to 0, got %v", got.QosLevel)
	}
}

func TestClientStateMachineCreatedBuffersThenFlushesOnOnline(t *testing.T) {
	transport := newFakeTransport()
	r, stop := newTestRouter(t, transport)
	defer stop()

	r.Subscribe(context.Background(), "c1", "a/b", monster.AtLeastOnce)
	r.SetClient(context.Background(), &monster.ClientSession{ClientID: "c1"})

	r.Publish(context.Background(), &monster.BrokerMessage{TopicName: "a/b", QosLevel: monster.AtLeastOnce})
	time.Sleep(20 * time.Millisecond)
	if got := transport.messagesFor("c1"); len(got) != 0 {
		t.Fatalf("CREATED client should not receive messages until promoted, got %d", len(got))
	}

	r.SetOnline("c1")
	waitFor(t, func() bool { return len(transport.messagesFor("c1")) == 1 })
}

func TestClientStateMachinePausedEnqueuesDurably(t *testing.T) {
	store := &fakeStore{}
	transport := newFakeTransport()
	r, stop := newTestRouter(t, transport, WithSessionStore(store))
	defer stop()

	r.Subscribe(context.Background(), "c1", "a/b", monster.AtLeastOnce)
	r.SetPaused("c1")
	r.Publish(context.Background(), &monster.BrokerMessage{TopicName: "a/b", QosLevel: monster.AtLeastOnce})

	waitFor(t, func() bool { return store.enqueued() == 1 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	transport := newFakeTransport()
	r, stop := newTestRouter(t, transport)
	defer stop()

	r.Subscribe(context.Background(), "c1", "a/b", monster.AtMostOnce)
	r.Unsubscribe(context.Background(), "c1", "a/b")
	r.Publish(context.Background(), &monster.BrokerMessage{TopicName: "a/b", QosLevel: monster.AtMostOnce})

	time.Sleep(20 * time.Millisecond)
	if got := transport.messagesFor("c1"); len(got) != 0 {
		t.Fatalf("unsubscribed client should not be delivered to, got %d", len(got))
	}
}

// TestUnsubscribeKeepsTopicNodeMapWhileRemoteNodeStillSubscribed exercises
// spec §4.4.6's "no remaining *local* subscribers" requirement across two
// simulated nodes sharing one filter: n1's client unsubscribing must not
// evict n2 from TopicNodeMap[filter], since SubscriptionIndex mirrors the
// whole cluster and would otherwise still report a (remote) subscriber.
func TestUnsubscribeKeepsTopicNodeMapWhileRemoteNodeStillSubscribed(t *testing.T) {
	hub := cluster.NewHub()

	bus1 := cluster.NewLocalBus(hub, "n1")
	idx1 := topic.New()
	cnm1 := cluster.NewClientNodeMap(bus1)
	tnm1 := cluster.NewTopicNodeMap(bus1)
	r1 := NewSessionRouter("n1", idx1, cnm1, tnm1, bus1, WithTransport(newFakeTransport()), WithBulkPolicy(1, time.Millisecond))
	r1.Start()
	defer r1.Stop()

	bus2 := cluster.NewLocalBus(hub, "n2")
	idx2 := topic.New()
	cnm2 := cluster.NewClientNodeMap(bus2)
	tnm2 := cluster.NewTopicNodeMap(bus2)
	r2 := NewSessionRouter("n2", idx2, cnm2, tnm2, bus2, WithTransport(newFakeTransport()), WithBulkPolicy(1, time.Millisecond))
	r2.Start()
	defer r2.Stop()

	cnm1.Set("c1", "n1")
	cnm1.Set("c2", "n2")
	time.Sleep(10 * time.Millisecond)

	r1.Subscribe(context.Background(), "c1", "a/b", monster.AtMostOnce)
	r2.Subscribe(context.Background(), "c2", "a/b", monster.AtMostOnce)
	time.Sleep(10 * time.Millisecond)

	r1.Unsubscribe(context.Background(), "c1", "a/b")
	time.Sleep(10 * time.Millisecond)

	if nodes, ok := tnm1.NodesFor("a/b"); !ok || !contains(nodes, "n2") {
		t.Fatalf("want n2 to remain in TopicNodeMap[a/b] after n1's local unsubscribe, got %v (ok=%v)", nodes, ok)
	}
	if nodes, _ := tnm1.NodesFor("a/b"); contains(nodes, "n1") {
		t.Fatalf("want n1 removed from TopicNodeMap[a/b] once its only local subscriber unsubscribed, got %v", nodes)
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func TestSubscribeRejectsRootWildcardWhenDisabled(t *testing.T) {
	transport := newFakeTransport()
	r, stop := newTestRouter(t, transport, WithRootWildcardDisabled(true))
	defer stop()

	if err := r.Subscribe(context.Background(), "c1", "#", monster.AtMostOnce); err == nil {
		t.Fatalf("want rejection of root wildcard subscription")
	}
}

// fakeStore only implements what these tests exercise; the rest panic if
// called, surfacing any accidental new dependency immediately.
type fakeStore struct {
	SessionStore
	mu    sync.Mutex
	count int
}

func (f *fakeStore) EnqueueMessages(_ context.Context, batch []QueuedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count += len(batch)
	return nil
}

func (f *fakeStore) AddSubscriptions(_ context.Context, _ []monster.Subscription) error {
	return nil
}

func (f *fakeStore) enqueued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within deadline")
	}
}
