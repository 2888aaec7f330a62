package archive

import (
	"context"
	"sync"

	"github.com/vogler75/monster-mq"
)

// MemStore is an in-memory MessageStore/LastValueSink/PurgeableSink, used
// by tests and by deployments that archive nothing to durable storage
// (grounded on the teacher's pattern of an in-memory map guarded by a
// single mutex, as seen throughout its *_test.go helper stores).
type MemStore struct {
	mu       sync.Mutex
	retained map[string]*monster.BrokerMessage
	history  []*monster.BrokerMessage
}

func NewMemStore() *MemStore {
	return &MemStore{retained: make(map[string]*monster.BrokerMessage)}
}

func (m *MemStore) AddAll(_ context.Context, msgs []*monster.BrokerMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.retained[msg.TopicName] = msg
	}
	return nil
}

func (m *MemStore) DelAll(_ context.Context, topicNames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topicNames {
		delete(m.retained, t)
	}
	return nil
}

func (m *MemStore) FindMatchingMessages(_ context.Context, filter string, cb func(*monster.BrokerMessage) bool) error {
	m.mu.Lock()
	matches := make([]*monster.BrokerMessage, 0)
	for topic, msg := range m.retained {
		if monster.MatchTopic(filter, topic) {
			matches = append(matches, msg)
		}
	}
	m.mu.Unlock()

	for _, msg := range matches {
		if !cb(msg) {
			return nil
		}
	}
	return nil
}

func (m *MemStore) AddHistory(_ context.Context, msgs []*monster.BrokerMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, msgs...)
	return nil
}

func (m *MemStore) GetConnectionStatus() error { return nil }

// PurgeOlderThan drops history entries older than retentionMs; MemStore's
// retained map has no independent age (it always holds the latest value)
// so only the append-only history log is pruned.
func (m *MemStore) PurgeOlderThan(_ context.Context, retentionMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return nil
	}
	cutoff := m.history[len(m.history)-1].Time.UnixMilli() - retentionMs
	kept := m.history[:0:0]
	for _, msg := range m.history {
		if msg.Time.UnixMilli() >= cutoff {
			kept = append(kept, msg)
		}
	}
	m.history = kept
	return nil
}

// History returns a snapshot copy of the recorded history, for tests.
func (m *MemStore) History() []*monster.BrokerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*monster.BrokerMessage, len(m.history))
	copy(out, m.history)
	return out
}

// Retained returns a snapshot copy of the retained table, for tests.
func (m *MemStore) Retained() map[string]*monster.BrokerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*monster.BrokerMessage, len(m.retained))
	for k, v := range m.retained {
		out[k] = v
	}
	return out
}
