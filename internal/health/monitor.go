// Package health implements HealthMonitor (spec §4.5): single-node boot
// and periodic purge, cluster leader election over a shared replicated
// map slot, node-failure cleanup, and self-failure fail-fast.
//
// Grounded on the teacher's keepalive ticker (client.go) for the
// dedicated-goroutine periodic-task shape, and on
// cd6513cb_ppriyankuu-godkv's membership-change handling for the
// leader-claim-race idiom.
package health

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/vogler75/monster-mq"
	"github.com/vogler75/monster-mq/internal/cluster"
	"github.com/vogler75/monster-mq/internal/router"
)

// DefaultPurgeInterval is the periodic re-purge cadence of spec §4.5
// ("every 10 min re-purge queued messages").
const DefaultPurgeInterval = 10 * time.Minute

const (
	leaderKey = "leader"
	birthKey  = "birth"
)

// Monitor is HealthMonitor (C9).
type Monitor struct {
	nodeID      string
	clusterMode bool
	logger      *slog.Logger

	leaderMap     *cluster.ReplicatedMap
	store         router.SessionStore
	clientNodeMap *cluster.ClientNodeMap
	topicNodeMap  *cluster.TopicNodeMap
	router        *router.SessionRouter

	purgeInterval time.Duration
	exitFunc      func()

	metrics *Metrics

	mu       sync.Mutex
	isLeader bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option { return func(m *Monitor) { m.logger = logger } }

func WithPurgeInterval(d time.Duration) Option {
	return func(m *Monitor) { m.purgeInterval = d }
}

// WithExitFunc overrides the self-failure fail-fast action (spec §4.5,
// §7 NodeSelfRemoved); tests substitute this for os.Exit.
func WithExitFunc(f func()) Option {
	return func(m *Monitor) { m.exitFunc = f }
}

// NewMonitor wires a Monitor. leaderMap is shared cluster state used for
// the leader/birth slot in cluster mode; it is unused (and may be nil)
// for a single-node deployment.
func NewMonitor(nodeID string, clusterMode bool, leaderMap *cluster.ReplicatedMap, store router.SessionStore, clientNodeMap *cluster.ClientNodeMap, topicNodeMap *cluster.TopicNodeMap, r *router.SessionRouter, opts ...Option) *Monitor {
	m := &Monitor{
		nodeID:        nodeID,
		clusterMode:   clusterMode,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		leaderMap:     leaderMap,
		store:         store,
		clientNodeMap: clientNodeMap,
		topicNodeMap:  topicNodeMap,
		router:        r,
		purgeInterval: DefaultPurgeInterval,
		exitFunc:      func() { os.Exit(1) },
		metrics:       newMetrics(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start purges once on boot and launches the periodic re-purge loop
// (spec §4.5). In cluster mode it also makes one leader-claim attempt.
func (m *Monitor) Start(ctx context.Context) {
	if m.clusterMode {
		m.tryClaimLeader()
	} else {
		m.setLeader(true) // single-node: always "leader" of itself
	}
	m.purgeOnce(ctx)
	go m.run()
}

func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.IsLeader() {
				m.purgeOnce(context.Background())
			}
		}
	}
}

func (m *Monitor) purgeOnce(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.PurgeSessions(ctx); err != nil {
		m.logger.Error("purge sessions failed", "error", err)
	}
	if err := m.store.PurgeQueuedMessages(ctx); err != nil {
		m.logger.Error("purge queued messages failed", "error", err)
	}
	m.metrics.PurgeRuns.Add(1)
	m.metrics.purgeRunsDesc.Inc()
}

// Metrics exposes the monitor's counters for Prometheus registration and
// for tests.
func (m *Monitor) Metrics() *Metrics { return m.metrics }

// IsLeader reports whether this node currently holds the leader slot
// (always true in single-node mode).
func (m *Monitor) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeader
}

func (m *Monitor) setLeader(v bool) {
	m.mu.Lock()
	m.isLeader = v
	m.mu.Unlock()
}

// tryClaimLeader attempts the first-writer-wins claim over the shared
// leader/birth slot (spec §4.5).
func (m *Monitor) tryClaimLeader() bool {
	if m.leaderMap == nil {
		return false
	}
	won := m.leaderMap.PutIfAbsent(leaderKey, m.nodeID)
	if won {
		m.leaderMap.PutIfAbsent(birthKey, strconv.FormatInt(time.Now().UnixMilli(), 10))
		m.setLeader(true)
		m.metrics.LeaderClaims.Add(1)
		m.metrics.leaderClaimsDesc.Inc()
		m.logger.Info("claimed cluster leadership", "node", m.nodeID)
	}
	return won
}

// currentLeader reads the leader slot, if any.
func (m *Monitor) currentLeader() (string, bool) {
	if m.leaderMap == nil {
		return "", false
	}
	return m.leaderMap.Get(leaderKey)
}

// HandleNodeRemoved runs the node-failure algorithm of spec §4.5 when an
// external membership-change source (e.g. the cluster bus transport's
// own disconnect/reconnect notifications) reports deadNode gone. If
// deadNode held the leader slot, every surviving node races to reclaim
// it via tryClaimLeader; only the node that wins iterates deadNode's
// sessions.
func (m *Monitor) HandleNodeRemoved(ctx context.Context, deadNode string) {
	if deadNode == m.nodeID {
		m.HandleSelfRemoved()
		return
	}

	if leader, ok := m.currentLeader(); ok && leader == deadNode {
		if m.leaderMap != nil {
			m.leaderMap.RemoveIf(func(v string) bool { return v == deadNode })
		}
		m.tryClaimLeader()
	}

	if !m.IsLeader() {
		return
	}

	if m.store != nil && m.router != nil {
		err := m.store.IterateNodeClients(ctx, deadNode, func(session *monster.ClientSession) bool {
			m.handleOrphanedSession(ctx, session)
			return true
		})
		if err != nil {
			m.logger.Error("failed to iterate sessions of removed node", "node", deadNode, "error", err)
		}
	}

	if m.clientNodeMap != nil {
		m.clientNodeMap.RemoveIf(func(nodeID string) bool { return nodeID == deadNode })
	}
	if m.topicNodeMap != nil {
		m.topicNodeMap.RemoveValueFromAllSets(deadNode)
	}
	m.metrics.NodeFailuresHandled.Add(1)
	m.metrics.nodeFailuresDesc.Inc()
}

// handleOrphanedSession applies spec §4.5's per-session failure policy:
// publish the last will if one is registered, then either drop the
// session (clean session) or pause it so a later reconnect resumes the
// queued subscriptions (persistent session).
func (m *Monitor) handleOrphanedSession(ctx context.Context, session *monster.ClientSession) {
	if session.LastWill != nil {
		m.router.Publish(ctx, session.LastWill)
	}
	if session.CleanSession {
		if err := m.router.DeleteClient(ctx, session.ClientID); err != nil {
			m.logger.Error("failed to delete orphaned session", "client", session.ClientID, "error", err)
		}
		return
	}
	m.router.SetPaused(session.ClientID)
}

// HandleSelfRemoved is the self-failure fail-fast path (spec §4.5, §7
// NodeSelfRemoved: "exit process").
func (m *Monitor) HandleSelfRemoved() {
	m.logger.Error("local node observed as removed from the cluster, exiting", "node", m.nodeID)
	m.exitFunc()
}
