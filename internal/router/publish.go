package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/vogler75/monster-mq"
	"github.com/vogler75/monster-mq/internal/cluster"
)

// Publish runs the publish pipeline of spec §4.4.1.
func (r *SessionRouter) Publish(ctx context.Context, msg *monster.BrokerMessage) {
	// $SYS is broker-emitted; publishes to it from elsewhere are accepted
	// but skipped from metrics to avoid recursive inflation (spec §6).
	countMetrics := !strings.HasPrefix(msg.TopicName, "$SYS/")
	if countMetrics {
		r.metrics.MessagesIn.Add(1)
	}

	// 1. API routing short-circuit.
	if nodeID, ok := r.isAPIRequest(msg.TopicName); ok {
		r.deliverToNodeAPI(nodeID, msg)
	}

	// 2. Archive fan-out.
	r.fanOutArchive(msg)

	// 3. Sparkplug expansion.
	if r.sparkplug != nil && r.sparkplug.Matches(msg.TopicName) {
		depth, _ := ctx.Value(sparkplugDepthKey{}).(int)
		r.expandSparkplug(ctx, msg, depth)
	}

	// 4-6. Target-node computation, local delivery, remote delivery — when
	// publish-bulk-processing is enabled these are the worker pool's job
	// (spec §4.4.5), grouped per topic instead of per message.
	if r.workerPool != nil {
		r.workerPool.Enqueue(msg)
		return
	}

	targets := r.targetNodesFor(msg.TopicName)

	if _, local := targets[r.nodeID]; local || len(targets) == 0 {
		r.deliverLocal(msg)
	}

	for nodeID := range targets {
		if nodeID == r.nodeID {
			continue
		}
		r.nodeBuffers.Enqueue(nodeID, msg)
	}
}

// targetNodesFor unions the node sets of every TopicNodeMap filter
// matching topicName (spec §4.4.1 step 4).
func (r *SessionRouter) targetNodesFor(topicName string) map[string]struct{} {
	targets := make(map[string]struct{})
	for _, filter := range r.topicNodeMap.Filters() {
		if !monster.MatchTopic(filter, topicName) {
			continue
		}
		nodes, ok := r.topicNodeMap.NodesFor(filter)
		if !ok {
			continue
		}
		for _, n := range nodes {
			targets[n] = struct{}{}
		}
	}
	return targets
}

// fanOutArchive enqueues msg to the retained writer (if retained) and to
// every archive group whose filter matches (spec §4.3 matching rule,
// §4.4.1 step 2). Overflow is the writer's concern (it drops and logs);
// the router never blocks on a full archive queue.
func (r *SessionRouter) fanOutArchive(msg *monster.BrokerMessage) {
	if msg.IsRetain && r.retainedWriter != nil {
		if !r.retainedWriter.TryEnqueue(msg) {
			r.metrics.MessagesSkipped.Add(1)
		}
	}

	r.archiveMu.RLock()
	defer r.archiveMu.RUnlock()
	for _, reg := range r.archiveGroups {
		if !reg.group.Matches(msg) {
			continue
		}
		if !reg.writer.TryEnqueue(msg) {
			r.metrics.MessagesSkipped.Add(1)
		}
	}
}

// expandSparkplug recursively re-publishes every message the installed
// expander derives from msg, bounded by sparkplugMaxDepth (spec §4.4.1
// step 3, §9 open question on recursion bounding).
func (r *SessionRouter) expandSparkplug(ctx context.Context, msg *monster.BrokerMessage, depth int) {
	if depth >= r.sparkplugMaxDepth {
		r.logger.Warn("sparkplug expansion depth exceeded, dropping", "topic", msg.TopicName, "depth", depth)
		r.metrics.SparkplugDecodeErrors.Add(1)
		return
	}
	derived, err := r.sparkplug.Expand(msg, depth)
	if err != nil {
		r.logger.Warn("sparkplug decode failed", "topic", msg.TopicName, "error", err)
		r.metrics.SparkplugDecodeErrors.Add(1)
		return
	}
	for _, d := range derived {
		r.Publish(context.WithValue(ctx, sparkplugDepthKey{}, depth+1), d)
	}
}

// sparkplugDepthKey carries the expansion depth of a derived message into
// the nested Publish call, so the bound holds across re-publishes.
type sparkplugDepthKey struct{}

// deliverToNodeAPI sends a raw copy of msg to nodeID's API-request
// channel (spec §4.4.1 step 1).
func (r *SessionRouter) deliverToNodeAPI(nodeID string, msg *monster.BrokerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to encode API routed message", "error", err)
		return
	}
	if err := r.bus.Publish(cluster.ChannelNodeCommands(nodeID), payload); err != nil {
		r.logger.Error("failed to publish API routed message", "node", nodeID, "error", err)
	}
}

// onNodeMessage handles a payload landing on this node's node.<id>.messages
// channel: either a single BrokerMessage or a BulkNodeMessage, each
// delivered locally (spec §4.4.4 "on the receiving side").
func (r *SessionRouter) onNodeMessage(e cluster.Envelope) {
	if e.Origin == r.nodeID {
		return
	}
	var bulk wireBulkNodeMessage
	if err := json.Unmarshal(e.Payload, &bulk); err == nil && len(bulk.Messages) > 0 {
		for _, m := range bulk.Messages {
			r.deliverLocal(m)
		}
		return
	}
	var single monster.BrokerMessage
	if err := json.Unmarshal(e.Payload, &single); err != nil {
		r.logger.Error("failed to decode node message", "error", err)
		return
	}
	r.deliverLocal(&single)
}

type wireBulkNodeMessage struct {
	Messages []*monster.BrokerMessage `json:"messages"`
}

// flushNodeBuffer is the per-node bulk buffer's flush callback: publish
// the accumulated batch to that node's message channel in one envelope
// (spec §4.4.4).
func (r *SessionRouter) flushNodeBuffer(nodeID string, batch []*monster.BrokerMessage) {
	payload, err := json.Marshal(wireBulkNodeMessage{Messages: batch})
	if err != nil {
		r.logger.Error("failed to encode bulk node message", "node", nodeID, "error", err)
		return
	}
	if err := r.bus.Publish(cluster.ChannelNodeMessages(nodeID), payload); err != nil {
		r.logger.Error("failed to publish bulk node message", "node", nodeID, "error", err)
	}
}

// flushClientBuffer is the per-client bulk buffer's flush callback: send
// the accumulated batch to an ONLINE client via Transport (spec §4.4.4).
func (r *SessionRouter) flushClientBuffer(clientID string, batch []*monster.BrokerMessage) {
	if r.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, msg := range batch {
		if err := r.transport.Send(ctx, clientID, msg); err != nil {
			r.logger.Warn("bulk delivery failed, requeueing durably", "client", clientID, "error", err, "topic", msg.TopicName)
			r.enqueueDurable(ctx, clientID, msg)
		}
	}
}

func (r *SessionRouter) enqueueDurable(ctx context.Context, clientID string, msg *monster.BrokerMessage) {
	if r.store == nil {
		return
	}
	if err := r.store.EnqueueMessages(ctx, []QueuedMessage{{Message: msg, ClientIDs: []string{clientID}}}); err != nil {
		r.logger.Error("durable enqueue failed", "client", clientID, "error", err)
		r.metrics.MessagesSkipped.Add(1)
	}
}
