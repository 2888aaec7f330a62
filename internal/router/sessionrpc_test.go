package router

import (
	"context"
	"testing"
	"time"

	"github.com/vogler75/monster-mq"
)

// detailsFakeStore answers IterateAllSessions with a fixed set of sessions,
// the only SessionStore method the details RPC path exercises.
type detailsFakeStore struct {
	SessionStore
	sessions []*monster.ClientSession
}

func (f *detailsFakeStore) SetClient(_ context.Context, _ *monster.ClientSession) error { return nil }

func (f *detailsFakeStore) IterateAllSessions(_ context.Context, cb func(*monster.ClientSession) bool) error {
	for _, s := range f.sessions {
		if !cb(s) {
			break
		}
	}
	return nil
}

func TestSessionMetricsRPCAnswersInFlightDepthAndStatus(t *testing.T) {
	r, stop := newTestRouter(t, newFakeTransport())
	defer stop()

	if err := r.SetClient(context.Background(), &monster.ClientSession{ClientID: "c1"}); err != nil {
		t.Fatalf("SetClient: %v", err)
	}
	r.inFlightRingFor("c1").push(&monster.BrokerMessage{TopicName: "a/b"})

	m, err := r.RequestSessionMetrics(context.Background(), "n1", "c1")
	if err != nil {
		t.Fatalf("RequestSessionMetrics: %v", err)
	}
	if m.ClientID != "c1" || m.Status != "CREATED" || m.InFlightQueued != 1 {
		t.Fatalf("unexpected session metrics: %+v", m)
	}
}

func TestSessionDetailsRPCAnswersFromSessionStore(t *testing.T) {
	store := &detailsFakeStore{sessions: []*monster.ClientSession{
		{ClientID: "c1", CleanSession: true, ClientAddress: "10.0.0.1:1883"},
	}}
	r, stop := newTestRouter(t, newFakeTransport(), WithSessionStore(store))
	defer stop()

	if err := r.SetClient(context.Background(), &monster.ClientSession{ClientID: "c1"}); err != nil {
		t.Fatalf("SetClient: %v", err)
	}

	d, err := r.RequestSessionDetails(context.Background(), "n1", "c1")
	if err != nil {
		t.Fatalf("RequestSessionDetails: %v", err)
	}
	if d.NodeID != "n1" || !d.CleanSession || d.ClientAddress != "10.0.0.1:1883" {
		t.Fatalf("unexpected session details: %+v", d)
	}
}

func TestSessionRPCUnsubscribedAfterDeleteClient(t *testing.T) {
	r, stop := newTestRouter(t, newFakeTransport())
	defer stop()

	if err := r.SetClient(context.Background(), &monster.ClientSession{ClientID: "c1"}); err != nil {
		t.Fatalf("SetClient: %v", err)
	}
	if err := r.DeleteClient(context.Background(), "c1"); err != nil {
		t.Fatalf("DeleteClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.RequestSessionMetrics(ctx, "n1", "c1"); err == nil {
		t.Fatalf("want no reply once the client's session RPC channels are unsubscribed")
	}
}
