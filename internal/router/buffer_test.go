package router

import (
	"sync"
	"testing"
	"time"

	"github.com/vogler75/monster-mq"
)

func TestBulkBufferSetFlushesOnSize(t *testing.T) {
	var mu sync.Mutex
	var flushed []string

	set := newBulkBufferSet(2, time.Hour, func(key string, batch []*monster.BrokerMessage) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, key)
		if len(batch) != 2 {
			t.Errorf("want batch size 2, got %d", len(batch))
		}
	})

	set.Enqueue("c1", &monster.BrokerMessage{TopicName: "a"})
	set.Enqueue("c1", &monster.BrokerMessage{TopicName: "b"})

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("want one size-triggered flush, got %d", len(flushed))
	}
}

func TestBulkBufferSetFlushesOnTimeout(t *testing.T) {
	flushedCh := make(chan []*monster.BrokerMessage, 1)
	set := newBulkBufferSet(1000, 10*time.Millisecond, func(_ string, batch []*monster.BrokerMessage) {
		flushedCh <- batch
	})
	set.Start()
	defer set.Stop()

	set.Enqueue("c1", &monster.BrokerMessage{TopicName: "a"})

	select {
	case batch := <-flushedCh:
		if len(batch) != 1 {
			t.Fatalf("want batch of 1, got %d", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for timeout-triggered flush")
	}
}

func TestBulkBufferSetKeysAreIndependent(t *testing.T) {
	var mu sync.Mutex
	counts := make(map[string]int)

	set := newBulkBufferSet(1, time.Hour, func(key string, batch []*monster.BrokerMessage) {
		mu.Lock()
		defer mu.Unlock()
		counts[key] += len(batch)
	})

	set.Enqueue("c1", &monster.BrokerMessage{TopicName: "a"})
	set.Enqueue("c2", &monster.BrokerMessage{TopicName: "b"})
	set.Enqueue("c1", &monster.BrokerMessage{TopicName: "c"})

	mu.Lock()
	defer mu.Unlock()
	if counts["c1"] != 2 || counts["c2"] != 1 {
		t.Fatalf("want independent per-key counts, got %v", counts)
	}
}
