package archive

import (
	"context"
	"testing"
	"time"

	"github.com/vogler75/monster-mq"
)

func msg(topic string, payload string, retain bool) *monster.BrokerMessage {
	return &monster.BrokerMessage{
		TopicName: topic,
		Payload:   []byte(payload),
		IsRetain:  retain,
		Time:      time.Now(),
	}
}

func TestGroupMatchesTopicFilterAndRetainedOnly(t *testing.T) {
	g := NewGroup("g1", WithTopicFilters("home/#"), WithRetainedOnly(true))

	if g.Matches(msg("office/temp", "1", true)) {
		t.Fatalf("non-matching topic should be rejected")
	}
	if g.Matches(msg("home/temp", "1", false)) {
		t.Fatalf("retainedOnly group must reject non-retained publish")
	}
	if !g.Matches(msg("home/temp", "1", true)) {
		t.Fatalf("matching retained publish should be accepted")
	}
}

func TestGroupMatchesAllWhenNoFilters(t *testing.T) {
	g := NewGroup("g2")
	if !g.Matches(msg("anything/goes", "x", false)) {
		t.Fatalf("group with no topic filters should match everything")
	}
}

func TestCoalesceLatestPerTopicKeepsMostRecentAndSplitsDeletes(t *testing.T) {
	block := []*monster.BrokerMessage{
		msg("a/b", "v1", true),
		msg("a/b", "v2", true), // later occurrence, should win
		msg("c/d", "", true),  // empty payload -> delete
	}
	upserts, deletes := coalesceLatestPerTopic(block)

	if len(upserts) != 1 || upserts[0].TopicName != "a/b" || string(upserts[0].Payload) != "v2" {
		t.Fatalf("want single upsert a/b=v2, got %+v", upserts)
	}
	if len(deletes) != 1 || deletes[0] != "c/d" {
		t.Fatalf("want single delete c/d, got %v", deletes)
	}
}

func TestWriterOverflowDropsAndCounts(t *testing.T) {
	g := NewGroup("overflow", WithQueueCapacity(2), WithFlushPolicy(1000, 100))
	w := NewWriter(g, nil)

	if !w.TryEnqueue(msg("a", "1", false)) {
		t.Fatalf("first enqueue should succeed")
	}
	if !w.TryEnqueue(msg("b", "1", false)) {
		t.Fatalf("second enqueue should succeed")
	}
	if w.TryEnqueue(msg("c", "1", false)) {
		t.Fatalf("third enqueue should be dropped: queue capacity is 2")
	}
	if w.Dropped.Load() != 1 {
		t.Fatalf("want Dropped=1, got %d", w.Dropped.Load())
	}
}

func TestWriterFlushesRetainedAndHistory(t *testing.T) {
	store := NewMemStore()
	hist := NewMemStore()

	g := NewGroup("both", WithRetainedStore(store), WithHistorySink(struct{ ArchiveSink }{hist}), WithFlushPolicy(1000, 100))
	w := NewWriter(g, nil)

	w.TryEnqueue(msg("home/temp", "21.5", true))
	w.TryEnqueue(msg("home/temp", "22.0", true))
	w.TryEnqueue(msg("home/hum", "55", false))
	w.flush()

	retained := store.Retained()
	if v, ok := retained["home/temp"]; !ok || string(v.Payload) != "22.0" {
		t.Fatalf("retained store should hold the latest retained value, got %+v", retained)
	}

	history := hist.History()
	if len(history) != 3 {
		t.Fatalf("history sink should receive the full block in order, got %d entries", len(history))
	}
}

func TestWriterLastValueSinkCoalesces(t *testing.T) {
	lv := NewMemStore()
	g := NewGroup("lv", WithHistorySink(lv), WithFlushPolicy(1000, 100))
	w := NewWriter(g, nil)

	w.TryEnqueue(msg("a/b", "1", false))
	w.TryEnqueue(msg("a/b", "2", false))
	w.flush()

	retained := lv.Retained()
	if v, ok := retained["a/b"]; !ok || string(v.Payload) != "2" {
		t.Fatalf("last-value sink should coalesce to the latest value, got %+v", retained)
	}
}

func TestWriterStartStopFlushesOnStop(t *testing.T) {
	hist := NewMemStore()
	g := NewGroup("stoptest", WithHistorySink(hist), WithFlushPolicy(60_000, 100))
	w := NewWriter(g, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.TryEnqueue(msg("x", "1", false))
	w.Stop()

	if len(hist.History()) != 1 {
		t.Fatalf("Stop should trigger a final flush")
	}
}
