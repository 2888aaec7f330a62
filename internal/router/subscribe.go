package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vogler75/monster-mq"
	"github.com/vogler75/monster-mq/internal/cluster"
)

const defaultRetainedDeliveryLimit = 10_000

// Subscribe implements spec §4.4.6: deliver matching retained messages to
// the subscriber first, broadcast the subscription-add event, then
// persist it durably.
func (r *SessionRouter) Subscribe(ctx context.Context, clientID, filter string, qos monster.QoS) error {
	if err := monster.ValidateTopicFilter(filter, !r.rootWildcardDisabled); err != nil {
		return &monster.RoutingError{Op: "subscribe", Ident: clientID, Err: fmt.Errorf("%w: %w", monster.ErrInvalidSubscription, err)}
	}

	r.deliverRetained(ctx, clientID, filter, qos)

	r.subs.Subscribe(clientID, filter, uint8(qos))
	if r.clientNodeMap.IsLocal(clientID, r.nodeID) {
		r.topicNodeMap.AddNode(filter, r.nodeID)
	}
	r.broadcastSubscriptionChange(cluster.ChannelSubscriptionAdd, clientID, filter, qos)

	if r.store != nil {
		if err := r.store.AddSubscriptions(ctx, []monster.Subscription{{ClientID: clientID, TopicFilter: filter, QoS: qos}}); err != nil {
			r.logger.Error("failed to persist subscription", "client", clientID, "filter", filter, "error", err)
		}
	}
	return nil
}

// Unsubscribe is the symmetric removal: drop the subscription, and drop
// (filter, nodeId) from TopicNodeMap iff no remaining local subscriber on
// this node still matches filter (spec §4.4.6).
func (r *SessionRouter) Unsubscribe(ctx context.Context, clientID, filter string) error {
	r.subs.Unsubscribe(clientID, filter)

	if !r.hasLocalSubscriber(filter) {
		r.topicNodeMap.RemoveNode(filter, r.nodeID)
	}
	r.broadcastSubscriptionChange(cluster.ChannelSubscriptionDel, clientID, filter, monster.AtMostOnce)

	if r.store != nil {
		if err := r.store.DelSubscriptions(ctx, []monster.Subscription{{ClientID: clientID, TopicFilter: filter}}); err != nil {
			r.logger.Error("failed to remove persisted subscription", "client", clientID, "filter", filter, "error", err)
		}
	}
	return nil
}

// deliverRetained fetches matching retained messages and delivers them to
// clientID with QoS downgraded to min(sub.qos, retained.qos), bounded by
// defaultRetainedDeliveryLimit (spec §4.4.6 "implementation-defined
// per-request limit").
func (r *SessionRouter) deliverRetained(ctx context.Context, clientID, filter string, qos monster.QoS) {
	if r.retainedStore == nil || r.transport == nil {
		return
	}
	delivered := 0
	err := r.retainedStore.FindMatchingMessages(ctx, filter, func(msg *monster.BrokerMessage) bool {
		effective := monster.MinQoS(qos, msg.QosLevel)
		out := msg
		if effective != msg.QosLevel {
			out = msg.WithQoS(effective)
		}
		if sendErr := r.transport.Send(ctx, clientID, out); sendErr != nil {
			r.logger.Warn("retained delivery failed", "client", clientID, "topic", msg.TopicName, "error", sendErr)
		} else {
			r.metrics.MessagesOut.Add(1)
		}
		delivered++
		return delivered < defaultRetainedDeliveryLimit
	})
	if err != nil {
		r.logger.Error("retained lookup failed", "client", clientID, "filter", filter, "error", err)
	}
}

type wireSubscriptionChange struct {
	ClientID string `json:"clientId"`
	Filter   string `json:"filter"`
	QoS      uint8  `json:"qos"`
}

func (r *SessionRouter) broadcastSubscriptionChange(channel, clientID, filter string, qos monster.QoS) {
	payload, err := json.Marshal(wireSubscriptionChange{ClientID: clientID, Filter: filter, QoS: uint8(qos)})
	if err != nil {
		r.logger.Error("failed to encode subscription change", "client", clientID, "filter", filter, "error", err)
		return
	}
	if err := r.bus.Publish(channel, payload); err != nil {
		r.logger.Error("failed to broadcast subscription change", "channel", channel, "error", err)
	}
}

// onRemoteSubscribe applies a remote subscription-add event to this
// node's SubscriptionIndex and, if the subscriber's owning node is this
// node, to TopicNodeMap (spec §4.4.6 step 2 "every node").
func (r *SessionRouter) onRemoteSubscribe(e cluster.Envelope) {
	if e.Origin == r.nodeID {
		return
	}
	var w wireSubscriptionChange
	if err := json.Unmarshal(e.Payload, &w); err != nil {
		r.logger.Error("failed to decode subscription-add", "error", err)
		return
	}
	r.subs.Subscribe(w.ClientID, w.Filter, w.QoS)
	if r.clientNodeMap.IsLocal(w.ClientID, r.nodeID) {
		r.topicNodeMap.AddNode(w.Filter, r.nodeID)
	}
}

// onRemoteUnsubscribe is the symmetric remote handler for subscription-del.
func (r *SessionRouter) onRemoteUnsubscribe(e cluster.Envelope) {
	if e.Origin == r.nodeID {
		return
	}
	var w wireSubscriptionChange
	if err := json.Unmarshal(e.Payload, &w); err != nil {
		r.logger.Error("failed to decode subscription-del", "error", err)
		return
	}
	r.subs.Unsubscribe(w.ClientID, w.Filter)
	if !r.hasLocalSubscriber(w.Filter) {
		r.topicNodeMap.RemoveNode(w.Filter, r.nodeID)
	}
}

// hasLocalSubscriber reports whether any client still subscribed to filter
// is local to this node. SubscriptionIndex mirrors the whole cluster's
// subscriptions (spec §4.4.6 step 2), so checking it alone cannot answer
// this — TopicNodeMap only drops (filter, nodeId) once no remaining
// *local* subscriber matches filter.
func (r *SessionRouter) hasLocalSubscriber(filter string) bool {
	for _, clientID := range r.subs.SubscribersOf(filter) {
		if r.clientNodeMap.IsLocal(clientID, r.nodeID) {
			return true
		}
	}
	return false
}
