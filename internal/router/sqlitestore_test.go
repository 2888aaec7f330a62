package router

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vogler75/monster-mq"
)

func newTestSQLiteStore(t *testing.T) *SQLiteSessionStore {
	t.Helper()
	s, err := OpenSQLiteSessionStore(filepath.Join(t.TempDir(), "sessions.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLiteSessionStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSessionStoreSetAndIsPresent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.SetClient(ctx, &monster.ClientSession{ClientID: "c1", NodeID: "n1", CleanSession: true}); err != nil {
		t.Fatalf("SetClient: %v", err)
	}
	present, err := s.IsPresent(ctx, "c1")
	if err != nil || !present {
		t.Fatalf("want c1 present, got present=%v err=%v", present, err)
	}
}

func TestSQLiteSessionStoreDelClientInvokesOnSubPerSubscription(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.SetClient(ctx, &monster.ClientSession{ClientID: "c1"}); err != nil {
		t.Fatalf("SetClient: %v", err)
	}
	if err := s.AddSubscriptions(ctx, []monster.Subscription{
		{ClientID: "c1", TopicFilter: "a/b", QoS: monster.AtLeastOnce},
		{ClientID: "c1", TopicFilter: "c/d", QoS: monster.AtMostOnce},
	}); err != nil {
		t.Fatalf("AddSubscriptions: %v", err)
	}

	var seen []string
	if err := s.DelClient(ctx, "c1", func(filter string, _ monster.QoS) { seen = append(seen, filter) }); err != nil {
		t.Fatalf("DelClient: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("want onSub called once per subscription, got %v", seen)
	}
	if present, _ := s.IsPresent(ctx, "c1"); present {
		t.Fatalf("want c1 gone after DelClient")
	}
}

func TestSQLiteSessionStoreEnqueueDequeueRemove(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	msg := &monster.BrokerMessage{MessageUUID: "u1", TopicName: "a/b", Payload: []byte("x"), QosLevel: monster.AtLeastOnce}
	if err := s.EnqueueMessages(ctx, []QueuedMessage{{Message: msg, ClientIDs: []string{"c1"}}}); err != nil {
		t.Fatalf("EnqueueMessages: %v", err)
	}

	var got []*monster.BrokerMessage
	if err := s.DequeueMessages(ctx, "c1", func(m *monster.BrokerMessage) bool {
		got = append(got, m)
		return true
	}); err != nil {
		t.Fatalf("DequeueMessages: %v", err)
	}
	if len(got) != 1 || got[0].TopicName != "a/b" {
		t.Fatalf("want one dequeued message for a/b, got %+v", got)
	}

	if err := s.RemoveMessages(ctx, []MessageRef{{ClientID: "c1", MessageUUID: "u1"}}); err != nil {
		t.Fatalf("RemoveMessages: %v", err)
	}
	got = nil
	if err := s.DequeueMessages(ctx, "c1", func(m *monster.BrokerMessage) bool {
		got = append(got, m)
		return true
	}); err != nil {
		t.Fatalf("DequeueMessages after remove: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want no queued messages after RemoveMessages, got %d", len(got))
	}
}

func TestSQLiteSessionStoreIterateNodeClients(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	_ = s.SetClient(ctx, &monster.ClientSession{ClientID: "c1", NodeID: "a"})
	_ = s.SetClient(ctx, &monster.ClientSession{ClientID: "c2", NodeID: "b"})

	var ids []string
	if err := s.IterateNodeClients(ctx, "a", func(cs *monster.ClientSession) bool {
		ids = append(ids, cs.ClientID)
		return true
	}); err != nil {
		t.Fatalf("IterateNodeClients: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("want only c1 for node a, got %v", ids)
	}
}
