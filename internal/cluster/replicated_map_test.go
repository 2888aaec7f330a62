package cluster

import (
	"context"
	"testing"
	"time"
)

func twoNodeBuses() (a, b Bus) {
	hub := NewHub()
	return NewLocalBus(hub, "n1"), NewLocalBus(hub, "n2")
}

func TestReplicatedMapConverges(t *testing.T) {
	busA, busB := twoNodeBuses()
	mapA := NewReplicatedMap(busA, "test.map")
	mapB := NewReplicatedMap(busB, "test.map")

	mapA.Put("client1", "n1")

	if v, ok := mapB.Get("client1"); !ok || v != "n1" {
		t.Fatalf("mapB did not observe mapA's put: %v %v", v, ok)
	}
	if mapA.Size() != 1 || mapB.Size() != 1 {
		t.Fatalf("want size 1 on both sides, got %d %d", mapA.Size(), mapB.Size())
	}
}

func TestReplicatedMapIgnoresOwnEcho(t *testing.T) {
	busA, _ := twoNodeBuses()
	mapA := NewReplicatedMap(busA, "test.map")
	mapA.Put("c1", "n1")
	mapA.Put("c1", "n1") // idempotent re-put must not leave duplicate state
	if mapA.Size() != 1 {
		t.Fatalf("want size 1, got %d", mapA.Size())
	}
}

func TestReplicatedMapLWW(t *testing.T) {
	busA, busB := twoNodeBuses()
	mapA := NewReplicatedMap(busA, "test.map")
	mapB := NewReplicatedMap(busB, "test.map")

	// Two writes to the same key from different nodes, the second one
	// later in time: both sides must keep the later write.
	mapA.Put("c1", "n1")
	time.Sleep(time.Millisecond)
	mapB.Put("c1", "n2")

	vA, _ := mapA.Get("c1")
	vB, _ := mapB.Get("c1")
	if vA != "n2" || vB != "n2" {
		t.Fatalf("want both sides to converge on the later write n2, got %q %q", vA, vB)
	}
}

func TestReplicatedMapRemoveIf(t *testing.T) {
	busA, busB := twoNodeBuses()
	mapA := NewReplicatedMap(busA, "test.map")
	mapB := NewReplicatedMap(busB, "test.map")

	mapA.Put("c1", "deadnode")
	mapA.Put("c2", "othernode")

	removed := mapA.RemoveIf(func(v string) bool { return v == "deadnode" })
	if len(removed) != 1 || removed[0] != "c1" {
		t.Fatalf("want c1 removed, got %v", removed)
	}
	if _, ok := mapA.Get("c1"); ok {
		t.Fatalf("c1 should be gone locally")
	}
	if _, ok := mapB.Get("c1"); ok {
		t.Fatalf("c1 should be gone on the peer too")
	}
	if _, ok := mapB.Get("c2"); !ok {
		t.Fatalf("c2 should survive")
	}
}

func TestReplicatedMapSnapshotSync(t *testing.T) {
	busA, busB := twoNodeBuses()
	mapA := NewReplicatedMap(busA, "test.map")
	mapA.Put("c1", "n1")
	mapA.Put("c2", "n1")

	// New joiner starts syncing before loading the snapshot; a concurrent
	// delta must be buffered and replayed, not lost or applied out of order.
	mapB := NewReplicatedMap(busB, "test.map")
	mapB.BeginSync()
	mapA.Put("c3", "n1") // arrives while mapB is "mid snapshot"

	if err := mapB.LoadSnapshot(mapA.Snapshot()); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	for _, c := range []string{"c1", "c2", "c3"} {
		if _, ok := mapB.Get(c); !ok {
			t.Fatalf("joiner missing %s after snapshot sync", c)
		}
	}
}

func TestClientNodeMapIsLocal(t *testing.T) {
	busA, _ := twoNodeBuses()
	cnm := NewClientNodeMap(busA)

	if !cnm.IsLocal("unmapped-client", "n1") {
		t.Fatalf("unmapped client should be treated as local")
	}
	cnm.Set("c1", "n2")
	if cnm.IsLocal("c1", "n1") {
		t.Fatalf("client mapped to n2 should not be local to n1")
	}
	if !cnm.IsLocal("c1", "n2") {
		t.Fatalf("client mapped to n2 should be local to n2")
	}
}

func TestRequestReplyTimeout(t *testing.T) {
	busA, _ := twoNodeBuses()
	_, err := busA.Request(context.Background(), "no.one.listens", []byte("x"), 10*time.Millisecond)
	if err != ErrBusTimeout {
		t.Fatalf("want ErrBusTimeout, got %v", err)
	}
}

func TestRequestReply(t *testing.T) {
	busA, busB := twoNodeBuses()
	cancel, _ := busB.Subscribe("ping", func(e Envelope) {
		_ = busB.Reply(e, []byte("pong"))
	})
	defer cancel()

	reply, err := busA.Request(context.Background(), "ping", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("want pong, got %q", reply)
	}
}
