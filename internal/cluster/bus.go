// Package cluster implements the eventually-consistent replicated state of
// spec §4.2: ReplicatedMap and ReplicatedSetMap, the ClientNodeMap and
// TopicNodeMap wrappers around them, and the Bus abstraction spec §6 names
// as an external collaborator.
//
// Bus channel names follow the exact conventions in spec §6 so that every
// node, regardless of Bus implementation, speaks the same wire vocabulary.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Bus channel name conventions (spec §6). NodeMessages/NodeCommands take a
// nodeId argument via fmt.Sprintf.
const (
	ChannelSubscriptionAdd = "cluster.subscription.add"
	ChannelSubscriptionDel = "cluster.subscription.del"
	ChannelClientStatus    = "cluster.client.status"
	ChannelClientNodeMap   = "cluster.client.node-mapping"
	ChannelTopicNodeMap    = "cluster.topic.node-mapping"
	ChannelBroadcast       = "cluster.broadcast"
	ChannelArchiveEvents   = "mq.cluster.archive.events"
)

// ChannelNodeMessages is where targeted publishes for nodeId land.
func ChannelNodeMessages(nodeID string) string { return fmt.Sprintf("node.%s.messages", nodeID) }

// ChannelNodeMetrics is where a node publishes (and, with the "-and-reset"
// suffix, drains) its own metrics.
func ChannelNodeMetrics(nodeID string, andReset bool) string {
	if andReset {
		return fmt.Sprintf("node.%s.metrics-and-reset", nodeID)
	}
	return fmt.Sprintf("node.%s.metrics", nodeID)
}

// ChannelNodeCommands is where administrative commands targeted at nodeId
// are delivered.
func ChannelNodeCommands(nodeID string) string { return fmt.Sprintf("node.%s.commands", nodeID) }

// ChannelSessionMetrics/ChannelSessionDetails back the per-client
// connection-statistics RPC (spec §5, SPEC_FULL.md supplemented feature).
func ChannelSessionMetrics(nodeID, clientID string) string {
	return fmt.Sprintf("node.%s.session.%s.metrics", nodeID, clientID)
}

func ChannelSessionDetails(nodeID, clientID string) string {
	return fmt.Sprintf("node.%s.session.%s.details", nodeID, clientID)
}

// ErrBusTimeout is returned by Request when no reply arrives within the
// deadline (spec §7 ClusterBusTimeout: "treat as 'no' answer").
var ErrBusTimeout = errors.New("cluster bus request timed out")

// Handler is invoked for every message delivered on a channel, including
// the local node's own publishes (callers that must ignore their own
// echoes check Envelope.Origin themselves — see ReplicatedMap).
type Handler func(Envelope)

// Envelope is one message observed on the bus.
type Envelope struct {
	Channel string
	Origin  string // nodeId that published this message
	Payload []byte
	Time    time.Time

	// replyTo is set only for an Envelope delivered from a Request; Reply
	// uses it to route the answer back. Subscribers never need to read it
	// directly — they pass the Envelope straight to Bus.Reply.
	replyTo string
}

// IsRequest reports whether e was produced by Request rather than Publish,
// i.e. whether Reply(e, ...) will actually deliver anywhere.
func (e Envelope) IsRequest() bool { return e.replyTo != "" }

// Bus is the cluster-wide pub/sub transport the routing core depends on.
// It is deliberately minimal: publish, subscribe, and a request/reply
// helper for the handful of synchronous RPCs the spec calls for (snapshot
// sync on join, connection-statistics collection).
type Bus interface {
	NodeID() string

	// Publish fans payload out to every subscriber of channel on every
	// node, including, per Envelope.Origin, the publisher itself.
	Publish(channel string, payload []byte) error

	// Subscribe registers h for every message published on channel.
	// Returned cancel function stops delivery.
	Subscribe(channel string, h Handler) (cancel func(), err error)

	// Request publishes payload on channel and waits for the first reply
	// published on the implementation-chosen reply-subject, up to timeout.
	// Replying peers use Reply.
	Request(ctx context.Context, channel string, payload []byte, timeout time.Duration) ([]byte, error)

	// Reply answers a single Request previously observed via a Subscribe
	// handler that recognizes req as a request envelope.
	Reply(req Envelope, payload []byte) error
}

