package cluster

import (
	"encoding/json"
	"sync"
	"time"
)

type tsValue struct {
	Value string
	Ts    int64
}

type mapDelta struct {
	Op    string `json:"op"` // "put" | "remove"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Ts    int64  `json:"ts"`
}

// ReplicatedMap is an eventually-consistent single-value map mirrored on
// every node: every mutation applies locally first, then is published on
// the bus for peers to apply; conflicting concurrent writes to the same
// key resolve last-writer-wins by wall-clock tag (spec §4.2).
//
// The spec's only two concrete instantiations (ClientNodeMap,
// leader-election's leader/birth slot) are both string-valued, so this
// specializes on string rather than introducing a generic type parameter
// the teacher's codebase never reaches for.
type ReplicatedMap struct {
	mu      sync.RWMutex
	data    map[string]tsValue
	nodeID  string
	channel string
	bus     Bus
	cancel  func()

	// pending buffers deltas that arrive mid-snapshot-sync so they are not
	// lost if they race ahead of (or are overwritten by) the snapshot
	// (spec §4.2: "concurrent deltas arriving during sync are buffered and
	// replayed after snapshot").
	syncing bool
	pending []mapDelta
}

// NewReplicatedMap attaches a map to channel on bus. Every peer sharing the
// same channel on the same bus converges.
func NewReplicatedMap(bus Bus, channel string) *ReplicatedMap {
	m := &ReplicatedMap{
		data:    make(map[string]tsValue),
		nodeID:  bus.NodeID(),
		channel: channel,
		bus:     bus,
	}
	cancel, _ := bus.Subscribe(channel, m.onRemote)
	m.cancel = cancel
	return m
}

// Close stops listening for remote deltas.
func (m *ReplicatedMap) Close() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Put sets key=value locally and broadcasts the change.
func (m *ReplicatedMap) Put(key, value string) {
	m.applyLocal(mapDelta{Op: "put", Key: key, Value: value, Ts: time.Now().UnixNano()})
}

// Remove deletes key locally and broadcasts the change.
func (m *ReplicatedMap) Remove(key string) {
	m.applyLocal(mapDelta{Op: "remove", Key: key, Ts: time.Now().UnixNano()})
}

// PutIfAbsent sets key=value only if key has no entry yet, returning true
// if this call won. Used for leader-election's first-writer-wins "leader"
// slot (spec §4.5).
func (m *ReplicatedMap) PutIfAbsent(key, value string) bool {
	m.mu.Lock()
	if _, ok := m.data[key]; ok {
		m.mu.Unlock()
		return false
	}
	d := mapDelta{Op: "put", Key: key, Value: value, Ts: time.Now().UnixNano()}
	m.data[key] = tsValue{Value: d.Value, Ts: d.Ts}
	m.mu.Unlock()

	m.broadcast(d)
	return true
}

func (m *ReplicatedMap) applyLocal(d mapDelta) {
	m.mu.Lock()
	switch d.Op {
	case "put":
		m.data[d.Key] = tsValue{Value: d.Value, Ts: d.Ts}
	case "remove":
		delete(m.data, d.Key)
	}
	m.mu.Unlock()

	m.broadcast(d)
}

func (m *ReplicatedMap) broadcast(d mapDelta) {
	wire, err := json.Marshal(d)
	if err != nil {
		return
	}
	_ = m.bus.Publish(m.channel, wire)
}

func (m *ReplicatedMap) onRemote(e Envelope) {
	if e.Origin == m.nodeID {
		return // ignore our own echo
	}
	var d mapDelta
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return
	}

	m.mu.Lock()
	if m.syncing {
		m.pending = append(m.pending, d)
		m.mu.Unlock()
		return
	}
	m.applyRemoteLocked(d)
	m.mu.Unlock()
}

// applyRemoteLocked applies d using last-writer-wins by Ts; must hold m.mu.
func (m *ReplicatedMap) applyRemoteLocked(d mapDelta) {
	cur, exists := m.data[d.Key]
	if exists && cur.Ts > d.Ts {
		return // a newer local/remote write already won
	}
	switch d.Op {
	case "put":
		m.data[d.Key] = tsValue{Value: d.Value, Ts: d.Ts}
	case "remove":
		if exists && cur.Ts == d.Ts {
			// same write being echoed back through another peer; no-op
			return
		}
		delete(m.data, d.Key)
	}
}

// Get returns the current value for key.
func (m *ReplicatedMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v.Value, ok
}

// Size returns the number of keys currently held.
func (m *ReplicatedMap) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Keys returns a snapshot of the current key set.
func (m *ReplicatedMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// RemoveIf deletes every key whose value satisfies pred, broadcasting one
// remove delta per deleted key. Used by health-monitor node-failure
// cleanup (spec §4.5: "ClientNodeMap.removeIf(_.value == deadNode)").
func (m *ReplicatedMap) RemoveIf(pred func(value string) bool) []string {
	m.mu.Lock()
	var removed []string
	for k, v := range m.data {
		if pred(v.Value) {
			removed = append(removed, k)
			delete(m.data, k)
		}
	}
	m.mu.Unlock()

	for _, k := range removed {
		m.broadcast(mapDelta{Op: "remove", Key: k, Ts: time.Now().UnixNano()})
	}
	return removed
}

// snapshotEntry is the wire shape used by Snapshot/LoadSnapshot for
// node-join sync.
type snapshotEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Ts    int64  `json:"ts"`
}

// Snapshot returns the full current contents for shipping to a joining
// peer (spec §4.2: "peer ships current contents").
func (m *ReplicatedMap) Snapshot() []byte {
	m.mu.RLock()
	entries := make([]snapshotEntry, 0, len(m.data))
	for k, v := range m.data {
		entries = append(entries, snapshotEntry{Key: k, Value: v.Value, Ts: v.Ts})
	}
	m.mu.RUnlock()

	wire, _ := json.Marshal(entries)
	return wire
}

// BeginSync marks the map as mid-snapshot-load: remote deltas observed
// from here on are buffered instead of applied immediately.
func (m *ReplicatedMap) BeginSync() {
	m.mu.Lock()
	m.syncing = true
	m.mu.Unlock()
}

// LoadSnapshot merges a peer's Snapshot() output (LWW per key against
// anything already present), then replays and clears whatever arrived
// while syncing was true.
func (m *ReplicatedMap) LoadSnapshot(wire []byte) error {
	var entries []snapshotEntry
	if err := json.Unmarshal(wire, &entries); err != nil {
		return err
	}

	m.mu.Lock()
	for _, e := range entries {
		cur, exists := m.data[e.Key]
		if !exists || cur.Ts < e.Ts {
			m.data[e.Key] = tsValue{Value: e.Value, Ts: e.Ts}
		}
	}
	replay := m.pending
	m.pending = nil
	m.syncing = false
	for _, d := range replay {
		m.applyRemoteLocked(d)
	}
	m.mu.Unlock()
	return nil
}
