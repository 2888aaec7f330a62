package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vogler75/monster-mq"
	"github.com/vogler75/monster-mq/internal/cluster"
)

// inFlightRing is the bounded per-client CREATED-state buffer of spec
// §4.4.2: messages published while a client has been accepted but not yet
// drained, promoted to delivery once the client transitions to ONLINE.
type inFlightRing struct {
	mu       sync.Mutex
	messages []*monster.BrokerMessage
	cap      int
}

func newInFlightRing(cap int) *inFlightRing {
	return &inFlightRing{cap: cap}
}

// push appends msg, dropping it (and reporting false) if the ring is full
// rather than evicting — the spec's general QueueOverflow policy is "drop
// incoming, log SEVERE, continue" (spec §7), not evict-oldest.
func (b *inFlightRing) push(msg *monster.BrokerMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) >= b.cap {
		return false
	}
	b.messages = append(b.messages, msg)
	return true
}

// drain returns and clears the buffered messages.
func (b *inFlightRing) drain() []*monster.BrokerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.messages
	b.messages = nil
	return out
}

// len reports how many messages are currently queued, surfaced through
// the per-client session-metrics RPC.
func (b *inFlightRing) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// deliverLocal delivers one message to this node's subscribers, whether it
// arrived via direct Publish or via a remote bulk-node batch (spec §4.4.2).
// The publish worker pool skips it and calls deliverToLocals directly with
// one lookup per topic; either way each (message, subscriber) pair goes
// through deliverToLocals exactly once, which is where messagesOut stays
// exact (spec §9's "messagesOut double counting" open question).
func (r *SessionRouter) deliverLocal(msg *monster.BrokerMessage) {
	r.deliverToLocals(msg, r.lookupLocalSubs(msg.TopicName))
}

// lookupLocalSubs runs the one subscription-index lookup for topicName,
// filtered to subscribers owned by this node. The publish worker pool
// (spec §4.4.5) calls this once per topic for a whole grouped batch
// instead of once per message.
func (r *SessionRouter) lookupLocalSubs(topicName string) []topicSub {
	subs := r.subs.FindAllSubscribers(topicName)
	if len(subs) == 0 {
		return nil // SubscriptionLookupMiss: not an error, silently skip (spec §7)
	}
	locals := make([]topicSub, 0, len(subs))
	for _, s := range subs {
		if !r.clientNodeMap.IsLocal(s.ClientID, r.nodeID) {
			continue
		}
		locals = append(locals, topicSub{clientID: s.ClientID, qos: monster.QoS(s.QoS)})
	}
	return locals
}

// deliverToLocals applies msg to a precomputed local-subscriber list:
// loop prevention, effective-QoS grouping, then per-group dispatch (spec
// §4.4.2).
func (r *SessionRouter) deliverToLocals(msg *monster.BrokerMessage, locals []topicSub) {
	if len(locals) == 0 {
		return
	}

	groups := make(map[monster.QoS][]topicSub)
	for _, s := range locals {
		if s.clientID == msg.SenderID {
			continue // loop prevention (spec §4.4.2)
		}
		effective := monster.MinQoS(s.qos, msg.QosLevel)
		groups[effective] = append(groups[effective], s)
	}

	for qos, group := range groups {
		if qos == monster.AtMostOnce {
			r.deliverQoS0(msg, group)
		} else {
			r.deliverQoSAtLeastOnce(msg, qos, group)
		}
	}
}

type topicSub struct {
	clientID string
	qos      monster.QoS
}

// deliverQoS0 sends-and-forgets to every subscriber in group, yielding
// between chunks once the batch exceeds localQoS0BatchSize so one huge
// fan-out cannot starve the rest of the event loop (spec §4.4.2).
func (r *SessionRouter) deliverQoS0(msg *monster.BrokerMessage, group []topicSub) {
	batchSize := r.localQoS0BatchSize
	if batchSize <= 0 {
		batchSize = DefaultLocalQoS0BatchSize
	}
	// The whole group was bucketed under effective QoS 0; rewrite once if
	// the publish itself was QoS>0 (spec §4.4.2 "the delivered copy has
	// its QoS rewritten").
	copyMsg := msg
	if msg.QosLevel != monster.AtMostOnce {
		copyMsg = msg.WithQoS(monster.AtMostOnce)
	}

	for i := 0; i < len(group); i++ {
		r.sendFireAndForget(group[i].clientID, copyMsg)
		if (i+1)%batchSize == 0 {
			time.Sleep(0) // cooperative yield between chunks
		}
	}
	r.metrics.MessagesOut.Add(int64(len(group)))
}

// deliverQoSAtLeastOnce partitions group by the client's current status
// (spec §4.4.2): ONLINE goes via bulk buffer, CREATED is buffered in the
// in-flight ring, PAUSED is durably enqueued.
func (r *SessionRouter) deliverQoSAtLeastOnce(msg *monster.BrokerMessage, qos monster.QoS, group []topicSub) {
	for _, s := range group {
		delivered := msg
		if qos != msg.QosLevel {
			delivered = msg.WithQoS(qos)
		}

		switch r.statusOf(s.clientID) {
		case monster.StatusOnline:
			r.clientBuffers.Enqueue(s.clientID, delivered)
		case monster.StatusCreated:
			ring := r.inFlightRingFor(s.clientID)
			if !ring.push(delivered) {
				r.logger.Error("in-flight ring overflow, dropping", "client", s.clientID)
				r.metrics.MessagesSkipped.Add(1)
				continue
			}
		default: // PAUSED, UNKNOWN, DELETE
			r.enqueueDurable(context.Background(), s.clientID, delivered)
		}
		r.metrics.MessagesOut.Add(1)
	}
}

func (r *SessionRouter) sendFireAndForget(clientID string, msg *monster.BrokerMessage) {
	if r.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.transport.Send(ctx, clientID, msg); err != nil {
		r.logger.Warn("fire-and-forget delivery failed", "client", clientID, "error", err)
	}
}

func (r *SessionRouter) inFlightRingFor(clientID string) *inFlightRing {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	ring, ok := r.inFlight[clientID]
	if !ok {
		ring = newInFlightRing(r.inFlightCapacity)
		r.inFlight[clientID] = ring
	}
	return ring
}

func (r *SessionRouter) statusOf(clientID string) monster.ClientStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status[clientID]
}

// --- client state machine (spec §4.4.3) ---
//
//   UNKNOWN --setClient--> CREATED --flush in-flight--> ONLINE
//        ^                    |                            |
//        |                    +--- disconnect/node loss --->|
//        |                                                   v
//        +---- DELETE <-- expiry / explicit delete --- PAUSED

// SetClient transitions clientID to CREATED, the state entered on an
// accepted CONNECT before the session has been fully drained.
func (r *SessionRouter) SetClient(ctx context.Context, session *monster.ClientSession) error {
	r.setStatus(session.ClientID, monster.StatusCreated)
	r.broadcastStatus(session.ClientID, monster.StatusCreated)
	r.registerSessionRPC(session.ClientID)
	if r.store != nil {
		return r.store.SetClient(ctx, session)
	}
	return nil
}

// SetOnline transitions clientID from CREATED to ONLINE, flushing
// whatever accumulated in its in-flight ring first.
func (r *SessionRouter) SetOnline(clientID string) {
	r.setStatus(clientID, monster.StatusOnline)
	r.broadcastStatus(clientID, monster.StatusOnline)

	r.statusMu.Lock()
	ring, ok := r.inFlight[clientID]
	r.statusMu.Unlock()
	if !ok {
		return
	}
	for _, msg := range ring.drain() {
		r.clientBuffers.Enqueue(clientID, msg)
	}
}

// SetPaused transitions clientID to PAUSED: offline with a persistent
// session (spec §4.4.3), reached on disconnect or node loss.
func (r *SessionRouter) SetPaused(clientID string) {
	r.setStatus(clientID, monster.StatusPaused)
	r.broadcastStatus(clientID, monster.StatusPaused)
}

// DeleteClient transitions clientID to DELETE: session expiry or an
// explicit delete.
func (r *SessionRouter) DeleteClient(ctx context.Context, clientID string) error {
	r.setStatus(clientID, monster.StatusDelete)
	r.broadcastStatus(clientID, monster.StatusDelete)
	r.unregisterSessionRPC(clientID)

	r.statusMu.Lock()
	delete(r.status, clientID)
	delete(r.inFlight, clientID)
	r.statusMu.Unlock()

	if r.store == nil {
		return nil
	}
	return r.store.DelClient(ctx, clientID, func(filter string, qos monster.QoS) {
		r.subs.Unsubscribe(clientID, filter)
	})
}

func (r *SessionRouter) setStatus(clientID string, status monster.ClientStatus) {
	r.statusMu.Lock()
	r.status[clientID] = status
	r.statusMu.Unlock()
}

type wireClientStatus struct {
	ClientID string `json:"clientId"`
	Status   int    `json:"status"`
}

func (r *SessionRouter) broadcastStatus(clientID string, status monster.ClientStatus) {
	payload, err := json.Marshal(wireClientStatus{ClientID: clientID, Status: int(status)})
	if err != nil {
		r.logger.Error("failed to encode client status", "client", clientID, "error", err)
		return
	}
	if err := r.bus.Publish(cluster.ChannelClientStatus, payload); err != nil {
		r.logger.Error("failed to broadcast client status", "client", clientID, "error", err)
	}
}

// onClientStatus applies a remote client-status transition to this
// node's local status map (spec §4.4.3 "every node applies it").
func (r *SessionRouter) onClientStatus(e cluster.Envelope) {
	if e.Origin == r.nodeID {
		return
	}
	var w wireClientStatus
	if err := json.Unmarshal(e.Payload, &w); err != nil {
		r.logger.Error("failed to decode client status", "error", err)
		return
	}
	r.setStatus(w.ClientID, monster.ClientStatus(w.Status))
}
