package cluster

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// LocalBus is an in-process Bus: every LocalBus sharing the same *hub is a
// "node" in a simulated cluster, and Publish fans out to every subscriber
// on every node synchronously: each handler runs in the publisher's own
// goroutine before Publish returns. The subscriber table is a shared
// struct guarded by a mutex, copied out before handlers are invoked.
//
// Used for single-node deployments (there is nothing to replicate to) and
// for tests that want deterministic, in-process cluster behavior without a
// real NATS server.
type LocalBus struct {
	nodeID string
	hub    *Hub
}

// Hub is the shared delivery point backing every LocalBus in a simulated
// cluster.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[int]Handler
	next atomic.Int64
}

// NewHub creates a shared delivery point for a simulated cluster. Call
// NewLocalBus(hub, nodeID) once per simulated node.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]Handler)}
}

// NewLocalBus attaches a node to a shared hub. Pass the same hub to
// simulate multiple cluster nodes in one process.
func NewLocalBus(h *Hub, nodeID string) *LocalBus {
	return &LocalBus{nodeID: nodeID, hub: h}
}

func (b *LocalBus) NodeID() string { return b.nodeID }

func (b *LocalBus) Publish(channel string, payload []byte) error {
	b.hub.mu.RLock()
	handlers := make([]Handler, 0, len(b.hub.subs[channel]))
	for _, h := range b.hub.subs[channel] {
		handlers = append(handlers, h)
	}
	b.hub.mu.RUnlock()

	env := Envelope{Channel: channel, Origin: b.nodeID, Payload: payload, Time: time.Now()}
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *LocalBus) Subscribe(channel string, h Handler) (func(), error) {
	id := int(b.hub.next.Add(1))

	b.hub.mu.Lock()
	m, ok := b.hub.subs[channel]
	if !ok {
		m = make(map[int]Handler)
		b.hub.subs[channel] = m
	}
	m[id] = h
	b.hub.mu.Unlock()

	cancel := func() {
		b.hub.mu.Lock()
		defer b.hub.mu.Unlock()
		delete(b.hub.subs[channel], id)
	}
	return cancel, nil
}

func (b *LocalBus) Request(ctx context.Context, channel string, payload []byte, timeout time.Duration) ([]byte, error) {
	replyTo := "_reply." + b.nodeID + "." + time.Now().Format("150405.000000000") + "." + channelNonce()

	result := make(chan []byte, 1)
	cancel, err := b.Subscribe(replyTo, func(e Envelope) {
		select {
		case result <- e.Payload:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := b.publishRequest(channel, replyTo, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-result:
		return payload, nil
	case <-timer.C:
		return nil, ErrBusTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// publishRequest is like Publish but stamps the delivered Envelope with
// replyTo so handlers can call Reply on it.
func (b *LocalBus) publishRequest(channel, replyTo string, payload []byte) error {
	b.hub.mu.RLock()
	handlers := make([]Handler, 0, len(b.hub.subs[channel]))
	for _, h := range b.hub.subs[channel] {
		handlers = append(handlers, h)
	}
	b.hub.mu.RUnlock()

	env := Envelope{Channel: channel, Origin: b.nodeID, Payload: payload, Time: time.Now(), replyTo: replyTo}
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *LocalBus) Reply(req Envelope, payload []byte) error {
	if !req.IsRequest() {
		return nil
	}
	return b.Publish(req.replyTo, payload)
}

var nonceCounter atomic.Int64

func channelNonce() string {
	n := nonceCounter.Add(1)
	return strconv.FormatInt(n, 36)
}
