// Package router implements SessionRouter (spec §4.4), the dispatch core:
// the publish pipeline, local delivery, the client state machine, bulk
// buffering, the publish worker pool and the subscribe/unsubscribe flow.
//
// Grounded on the teacher's client.go/logic.go/logic_queue.go: a mutex
// guarding small pieces of shared state, slice-backed queues processed
// head-first, and an injected *slog.Logger rather than a package logger.
package router

import (
	"context"

	"github.com/vogler75/monster-mq"
)

// SessionStore is the durable session/subscription collaborator (spec §6).
// All operations are given a context so a slow backend can be bounded by
// the caller rather than stalling the router's hot path indefinitely.
type SessionStore interface {
	SetClient(ctx context.Context, session *monster.ClientSession) error
	SetConnected(ctx context.Context, clientID string, connected bool) error
	// DelClient deletes the session row for clientID, invoking onSub once
	// per subscription it owned so callers can unwind SubscriptionIndex /
	// TopicNodeMap state.
	DelClient(ctx context.Context, clientID string, onSub func(filter string, qos monster.QoS)) error
	SetLastWill(ctx context.Context, clientID string, will *monster.BrokerMessage) error
	AddSubscriptions(ctx context.Context, subs []monster.Subscription) error
	DelSubscriptions(ctx context.Context, subs []monster.Subscription) error
	EnqueueMessages(ctx context.Context, batch []QueuedMessage) error
	RemoveMessages(ctx context.Context, refs []MessageRef) error
	DequeueMessages(ctx context.Context, clientID string, cb func(*monster.BrokerMessage) bool) error
	IterateAllSessions(ctx context.Context, cb func(*monster.ClientSession) bool) error
	IterateSubscriptions(ctx context.Context, cb func(monster.Subscription) bool) error
	IterateNodeClients(ctx context.Context, nodeID string, cb func(*monster.ClientSession) bool) error
	PurgeSessions(ctx context.Context) error
	PurgeQueuedMessages(ctx context.Context) error
	IsPresent(ctx context.Context, clientID string) (bool, error)
}

// QueuedMessage pairs a durably-queued message with its recipients, the
// unit EnqueueMessages accepts in bulk (spec §6).
type QueuedMessage struct {
	Message   *monster.BrokerMessage
	ClientIDs []string
}

// MessageRef identifies one durably-queued message for removal, once it
// has been delivered and acked.
type MessageRef struct {
	ClientID    string
	MessageUUID string
}

// Transport is the outbound delivery collaborator (spec §6). The router
// delivers every message through Send, whatever its QoS; it never calls
// the request/reply form Request, and per-client stats queries go over the
// cluster bus instead.
type Transport interface {
	Send(ctx context.Context, clientAddress string, msg *monster.BrokerMessage) error
	Request(ctx context.Context, clientAddress string, msg *monster.BrokerMessage) (ack bool, err error)
}

// SparkplugExpander is the installed Sparkplug expansion collaborator
// (spec §4.4.1 step 3). Decode failures are the caller's concern: Expand
// itself should return a decode error that the router counts and drops,
// never panics.
type SparkplugExpander interface {
	// Matches reports whether topic is a Sparkplug-encoded topic this
	// expander understands.
	Matches(topic string) bool
	// Expand decodes msg and returns zero or more derived messages to be
	// recursively re-published. depth is the current recursion depth,
	// supplied by the caller so the expander can refuse to expand past a
	// bounded limit and return ErrSparkplugDecode instead.
	Expand(msg *monster.BrokerMessage, depth int) ([]*monster.BrokerMessage, error)
}
