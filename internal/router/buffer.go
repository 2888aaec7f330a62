package router

import (
	"sync"
	"time"

	"github.com/vogler75/monster-mq"
)

// BulkClientMessage is a batch of messages destined for a single client
// (spec §4.4.4 "per-client outbound").
type BulkClientMessage struct {
	ClientID string
	Messages []*monster.BrokerMessage
}

// BulkNodeMessage is a batch of messages destined for a single remote
// node (spec §4.4.4 "per-remote-node outbound").
type BulkNodeMessage struct {
	NodeID   string
	Messages []*monster.BrokerMessage
}

// bulkBuffer is one key's pending batch: a mutex-guarded slice standing
// in for the spec's lock-free MPSC ring (spec §4.4.4, §5). Go's sync
// primitives make a genuinely lock-free ring a poor trade here — the
// critical section below is a slice append, already the cheapest thing a
// mutex can guard — so this buffer takes the mutex on every enqueue
// rather than only on the flush decision.
type bulkBuffer struct {
	mu        sync.Mutex
	messages  []*monster.BrokerMessage
	lastFlush time.Time
}

// bulkBufferSet manages one buffer family — either per-client or
// per-node — flushing each key's pending batch on (size threshold) or
// (timeout since last flush), and reaping buffers that have sat empty
// past staleAfter (spec §4.4.4).
type bulkBufferSet struct {
	bulkSize   int
	timeout    time.Duration
	staleAfter time.Duration
	flush      func(key string, batch []*monster.BrokerMessage)

	mu      sync.Mutex
	buffers map[string]*bulkBuffer

	stopCh chan struct{}
	doneCh chan struct{}
}

const defaultStaleAfter = 5 * time.Second

func newBulkBufferSet(bulkSize int, timeout time.Duration, flush func(string, []*monster.BrokerMessage)) *bulkBufferSet {
	return &bulkBufferSet{
		bulkSize:   bulkSize,
		timeout:    timeout,
		staleAfter: defaultStaleAfter,
		flush:      flush,
		buffers:    make(map[string]*bulkBuffer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Enqueue appends msg to key's buffer, flushing immediately if the batch
// has now reached bulkSize.
func (s *bulkBufferSet) Enqueue(key string, msg *monster.BrokerMessage) {
	buf := s.bufferFor(key)

	buf.mu.Lock()
	buf.messages = append(buf.messages, msg)
	full := len(buf.messages) >= s.bulkSize
	var batch []*monster.BrokerMessage
	if full {
		batch = buf.messages
		buf.messages = nil
		buf.lastFlush = time.Now()
	}
	buf.mu.Unlock()

	if full {
		s.flush(key, batch)
	}
}

func (s *bulkBufferSet) bufferFor(key string) *bulkBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[key]
	if !ok {
		buf = &bulkBuffer{lastFlush: time.Now()}
		s.buffers[key] = buf
	}
	return buf
}

// Start launches the periodic timeout-flush-and-reap task.
func (s *bulkBufferSet) Start() {
	go s.run()
}

func (s *bulkBufferSet) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *bulkBufferSet) run() {
	defer close(s.doneCh)
	tick := s.timeout / 2
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.flushAll()
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep flushes any buffer whose timeout has elapsed and reaps buffers
// that have been empty for longer than staleAfter.
func (s *bulkBufferSet) sweep() {
	now := time.Now()

	s.mu.Lock()
	keys := make([]string, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.mu.Lock()
		buf, ok := s.buffers[key]
		s.mu.Unlock()
		if !ok {
			continue
		}

		buf.mu.Lock()
		var batch []*monster.BrokerMessage
		empty := len(buf.messages) == 0
		stale := empty && now.Sub(buf.lastFlush) > s.staleAfter
		if !empty && now.Sub(buf.lastFlush) >= s.timeout {
			batch = buf.messages
			buf.messages = nil
			buf.lastFlush = now
		}
		buf.mu.Unlock()

		if len(batch) > 0 {
			s.flush(key, batch)
		}
		if stale {
			s.mu.Lock()
			delete(s.buffers, key)
			s.mu.Unlock()
		}
	}
}

func (s *bulkBufferSet) flushAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, key := range keys {
		buf := s.bufferFor(key)
		buf.mu.Lock()
		batch := buf.messages
		buf.messages = nil
		buf.mu.Unlock()
		if len(batch) > 0 {
			s.flush(key, batch)
		}
	}
}
