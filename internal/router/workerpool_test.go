package router

import (
	"context"
	"testing"
	"time"

	"github.com/vogler75/monster-mq"
)

func TestWorkerPoolGroupsByTopicAndDeliversLocally(t *testing.T) {
	transport := newFakeTransport()
	r, stop := newTestRouter(t, transport, WithPublishWorkerPool(2, 16, 10, 20*time.Millisecond))
	defer stop()

	r.Subscribe(context.Background(), "c1", "a/b", monster.AtMostOnce)

	for i := 0; i < 5; i++ {
		r.Publish(context.Background(), &monster.BrokerMessage{TopicName: "a/b", Payload: []byte{byte(i)}, QosLevel: monster.AtMostOnce})
	}

	waitFor(t, func() bool { return len(transport.messagesFor("c1")) == 5 })
}

func TestWorkerPoolOverflowDropsBatch(t *testing.T) {
	r, stop := newTestRouter(t, newFakeTransport())
	defer stop()

	wp := NewWorkerPool(r, 1, 1, 1, time.Hour)

	// Fill the single worker's single-slot queue, then force a second
	// batch through dispatch directly: the queue is full so it must be
	// dropped and counted, not block.
	wp.queues[0] <- []*monster.BrokerMessage{{TopicName: "x"}}
	wp.dispatch("publish", []*monster.BrokerMessage{{TopicName: "y"}})

	if got := r.Metrics().Snapshot().MessagesSkipped; got != 1 {
		t.Fatalf("want MessagesSkipped=1 after overflow, got %d", got)
	}
}
