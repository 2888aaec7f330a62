package cluster

import (
	"encoding/json"
	"sync"
	"time"
)

type memberState struct {
	Ts      int64
	Present bool
}

type setDelta struct {
	Op     string `json:"op"` // "add" | "remove"
	Key    string `json:"key"`
	Member string `json:"member"`
	Ts     int64  `json:"ts"`
}

// ReplicatedSetMap is an eventually-consistent map<key, set<member>>
// mirrored on every node. Add/remove of distinct members commute freely;
// a concurrent add and remove of the *same* member resolves in favor of
// whichever carries the later timestamp (spec §4.2).
type ReplicatedSetMap struct {
	mu      sync.RWMutex
	data    map[string]map[string]memberState
	nodeID  string
	channel string
	bus     Bus
	cancel  func()

	syncing bool
	pending []setDelta
}

// NewReplicatedSetMap attaches a set-map to channel on bus.
func NewReplicatedSetMap(bus Bus, channel string) *ReplicatedSetMap {
	sm := &ReplicatedSetMap{
		data:    make(map[string]map[string]memberState),
		nodeID:  bus.NodeID(),
		channel: channel,
		bus:     bus,
	}
	cancel, _ := bus.Subscribe(channel, sm.onRemote)
	sm.cancel = cancel
	return sm
}

func (sm *ReplicatedSetMap) Close() {
	if sm.cancel != nil {
		sm.cancel()
	}
}

// AddToSet adds member to the set for key.
func (sm *ReplicatedSetMap) AddToSet(key, member string) {
	sm.applyLocal(setDelta{Op: "add", Key: key, Member: member, Ts: time.Now().UnixNano()})
}

// RemoveFromSet removes member from the set for key. When the set becomes
// empty the key entry is dropped entirely (spec §3: "entry removed when
// set empty").
func (sm *ReplicatedSetMap) RemoveFromSet(key, member string) {
	sm.applyLocal(setDelta{Op: "remove", Key: key, Member: member, Ts: time.Now().UnixNano()})
}

func (sm *ReplicatedSetMap) applyLocal(d setDelta) {
	sm.mu.Lock()
	sm.applyLocked(d)
	sm.mu.Unlock()
	sm.broadcast(d)
}

// applyLocked applies d to sm.data using last-writer-wins on (key,member);
// must hold sm.mu.
func (sm *ReplicatedSetMap) applyLocked(d setDelta) {
	members, ok := sm.data[d.Key]
	if !ok {
		members = make(map[string]memberState)
		sm.data[d.Key] = members
	}
	cur, exists := members[d.Member]
	if exists && cur.Ts > d.Ts {
		return
	}
	present := d.Op == "add"
	members[d.Member] = memberState{Ts: d.Ts, Present: present}

	if !sm.anyPresentLocked(d.Key) {
		delete(sm.data, d.Key)
	}
}

func (sm *ReplicatedSetMap) anyPresentLocked(key string) bool {
	for _, s := range sm.data[key] {
		if s.Present {
			return true
		}
	}
	return false
}

func (sm *ReplicatedSetMap) broadcast(d setDelta) {
	wire, err := json.Marshal(d)
	if err != nil {
		return
	}
	_ = sm.bus.Publish(sm.channel, wire)
}

func (sm *ReplicatedSetMap) onRemote(e Envelope) {
	if e.Origin == sm.nodeID {
		return
	}
	var d setDelta
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return
	}

	sm.mu.Lock()
	if sm.syncing {
		sm.pending = append(sm.pending, d)
		sm.mu.Unlock()
		return
	}
	sm.applyLocked(d)
	sm.mu.Unlock()
}

// GetSet returns the current members of key's set, or (nil, false) if key
// has no entry (the set is empty: a key is dropped once its last member is
// removed).
func (sm *ReplicatedSetMap) GetSet(key string) ([]string, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	members, ok := sm.data[key]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(members))
	for m, s := range members {
		if s.Present {
			out = append(out, m)
		}
	}
	return out, len(out) > 0
}

// Keys returns every key currently holding a non-empty set.
func (sm *ReplicatedSetMap) Keys() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	keys := make([]string, 0, len(sm.data))
	for k := range sm.data {
		keys = append(keys, k)
	}
	return keys
}

// RemoveValueFromAllSets removes member from every key's set across the
// whole map — used by health-monitor node-failure cleanup (spec §4.5:
// "TopicNodeMap.removeValueFromAllSets(deadNode)").
func (sm *ReplicatedSetMap) RemoveValueFromAllSets(member string) {
	sm.mu.Lock()
	var keys []string
	for k, members := range sm.data {
		if s, ok := members[member]; ok && s.Present {
			keys = append(keys, k)
		}
	}
	sm.mu.Unlock()

	now := time.Now().UnixNano()
	for _, key := range keys {
		sm.applyLocal(setDelta{Op: "remove", Key: key, Member: member, Ts: now})
	}
}

func (sm *ReplicatedSetMap) Snapshot() []byte {
	sm.mu.RLock()
	type entry struct {
		Key    string `json:"key"`
		Member string `json:"member"`
		Ts     int64  `json:"ts"`
	}
	var entries []entry
	for k, members := range sm.data {
		for m, s := range members {
			if s.Present {
				entries = append(entries, entry{Key: k, Member: m, Ts: s.Ts})
			}
		}
	}
	sm.mu.RUnlock()

	wire, _ := json.Marshal(entries)
	return wire
}

func (sm *ReplicatedSetMap) BeginSync() {
	sm.mu.Lock()
	sm.syncing = true
	sm.mu.Unlock()
}

func (sm *ReplicatedSetMap) LoadSnapshot(wire []byte) error {
	type entry struct {
		Key    string `json:"key"`
		Member string `json:"member"`
		Ts     int64  `json:"ts"`
	}
	var entries []entry
	if err := json.Unmarshal(wire, &entries); err != nil {
		return err
	}

	sm.mu.Lock()
	for _, e := range entries {
		sm.applyLocked(setDelta{Op: "add", Key: e.Key, Member: e.Member, Ts: e.Ts})
	}
	replay := sm.pending
	sm.pending = nil
	sm.syncing = false
	for _, d := range replay {
		sm.applyLocked(d)
	}
	sm.mu.Unlock()
	return nil
}
