package router

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vogler75/monster-mq"
	"github.com/vogler75/monster-mq/internal/archive"
	"github.com/vogler75/monster-mq/internal/cluster"
	"github.com/vogler75/monster-mq/internal/topic"
)

// DefaultAPITopicPrefix is the reserved prefix of spec §4.4.1 step 1: a
// publish whose topic starts with this prefix also sends a copy to a single
// node's API-request channel; normal fan-out to subscribers still follows.
const DefaultAPITopicPrefix = "$SYS/api/"

// DefaultLocalQoS0BatchSize bounds how many QoS 0 local subscribers are
// notified before the delivery loop yields, per spec §4.4.2.
const DefaultLocalQoS0BatchSize = 100

// DefaultInFlightCapacity is the per-client CREATED-state ring capacity
// (spec §4.4.2).
const DefaultInFlightCapacity = 10_000

// DefaultSparkplugMaxDepth bounds Sparkplug re-publish recursion (spec
// §4.4.1 step 3, §9 open question: resolved as a fixed default rather
// than a per-message counter threaded through the public API).
const DefaultSparkplugMaxDepth = 4

// DefaultBulkSize and DefaultBulkTimeout parameterize both bulk-buffer
// families (spec §4.4.4).
const (
	DefaultBulkSize    = 200
	DefaultBulkTimeout = 20 * time.Millisecond
)

// archiveRegistration pairs a group with the writer draining its queue;
// ArchiveController (C10) owns the Start/Stop lifecycle of the writer and
// only hands the router a registration to fan out into.
type archiveRegistration struct {
	group  *archive.Group
	writer *archive.Writer
}

// SessionRouter is the dispatch core of spec §4.4: the publish pipeline,
// local delivery, the client state machine, bulk buffering and the
// subscribe/unsubscribe flow.
type SessionRouter struct {
	nodeID string
	logger *slog.Logger

	subs          *topic.Index
	clientNodeMap *cluster.ClientNodeMap
	topicNodeMap  *cluster.TopicNodeMap
	bus           cluster.Bus
	store         SessionStore
	transport     Transport
	sparkplug     SparkplugExpander

	retainedStore archive.MessageStore
	retainedWriter *archive.Writer

	apiTopicPrefix       string
	rootWildcardDisabled bool
	localQoS0BatchSize   int
	inFlightCapacity     int
	sparkplugMaxDepth    int

	statusMu sync.RWMutex
	status   map[string]monster.ClientStatus
	inFlight map[string]*inFlightRing

	clientBuffers *bulkBufferSet
	nodeBuffers   *bulkBufferSet
	workerPool    *WorkerPool

	archiveMu     sync.RWMutex
	archiveGroups map[string]archiveRegistration

	rpcMu    sync.Mutex
	rpcUnsub map[string]func()

	metrics *Metrics

	unsub func()
}

// Option configures a SessionRouter at construction (the teacher's
// functional-options idiom, generalized from dial options to router
// wiring options).
type Option func(*SessionRouter)

func WithLogger(logger *slog.Logger) Option {
	return func(r *SessionRouter) { r.logger = logger }
}

func WithTransport(t Transport) Option {
	return func(r *SessionRouter) { r.transport = t }
}

func WithSessionStore(s SessionStore) Option {
	return func(r *SessionRouter) { r.store = s }
}

func WithRetainedStore(s archive.MessageStore, w *archive.Writer) Option {
	return func(r *SessionRouter) { r.retainedStore = s; r.retainedWriter = w }
}

func WithSparkplugExpander(e SparkplugExpander) Option {
	return func(r *SessionRouter) { r.sparkplug = e }
}

func WithAPITopicPrefix(prefix string) Option {
	return func(r *SessionRouter) { r.apiTopicPrefix = prefix }
}

func WithRootWildcardDisabled(v bool) Option {
	return func(r *SessionRouter) { r.rootWildcardDisabled = v }
}

func WithBulkPolicy(bulkSize int, timeout time.Duration) Option {
	return func(r *SessionRouter) {
		r.clientBuffers = newBulkBufferSet(bulkSize, timeout, r.flushClientBuffer)
		r.nodeBuffers = newBulkBufferSet(bulkSize, timeout, r.flushNodeBuffer)
	}
}

// WithPublishWorkerPool enables publish-bulk-processing (spec §4.4.5):
// Publish feeds the pool's top-level accumulator instead of computing
// target nodes and delivering inline.
func WithPublishWorkerPool(workerCount, queueCapacity, bulkSize int, timeout time.Duration) Option {
	return func(r *SessionRouter) {
		r.workerPool = NewWorkerPool(r, workerCount, queueCapacity, bulkSize, timeout)
	}
}

// NewSessionRouter wires a router for nodeID against the given
// cluster-wide collaborators. Start must be called before Publish.
func NewSessionRouter(nodeID string, subs *topic.Index, clientNodeMap *cluster.ClientNodeMap, topicNodeMap *cluster.TopicNodeMap, bus cluster.Bus, opts ...Option) *SessionRouter {
	r := &SessionRouter{
		nodeID:               nodeID,
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
		subs:                 subs,
		clientNodeMap:        clientNodeMap,
		topicNodeMap:         topicNodeMap,
		bus:                  bus,
		apiTopicPrefix:       DefaultAPITopicPrefix,
		localQoS0BatchSize:   DefaultLocalQoS0BatchSize,
		inFlightCapacity:     DefaultInFlightCapacity,
		sparkplugMaxDepth:    DefaultSparkplugMaxDepth,
		status:               make(map[string]monster.ClientStatus),
		inFlight:             make(map[string]*inFlightRing),
		archiveGroups:        make(map[string]archiveRegistration),
		rpcUnsub:             make(map[string]func()),
		metrics:              newMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clientBuffers == nil {
		r.clientBuffers = newBulkBufferSet(DefaultBulkSize, DefaultBulkTimeout, r.flushClientBuffer)
	}
	if r.nodeBuffers == nil {
		r.nodeBuffers = newBulkBufferSet(DefaultBulkSize, DefaultBulkTimeout, r.flushNodeBuffer)
	}
	return r
}

// Start subscribes to the cluster channels the router needs (client
// status, subscription add/del) and launches the bulk-buffer flush
// loops. Call Stop to unwind all of it.
func (r *SessionRouter) Start() {
	r.clientBuffers.Start()
	r.nodeBuffers.Start()
	if r.workerPool != nil {
		r.workerPool.Start()
	}

	cancelStatus, _ := r.bus.Subscribe(cluster.ChannelClientStatus, r.onClientStatus)
	cancelAdd, _ := r.bus.Subscribe(cluster.ChannelSubscriptionAdd, r.onRemoteSubscribe)
	cancelDel, _ := r.bus.Subscribe(cluster.ChannelSubscriptionDel, r.onRemoteUnsubscribe)
	cancelNode, _ := r.bus.Subscribe(cluster.ChannelNodeMessages(r.nodeID), r.onNodeMessage)

	r.unsub = func() {
		cancelStatus()
		cancelAdd()
		cancelDel()
		cancelNode()
	}
}

func (r *SessionRouter) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.clientBuffers.Stop()
	r.nodeBuffers.Stop()
	if r.workerPool != nil {
		r.workerPool.Stop()
	}

	r.rpcMu.Lock()
	cancels := make([]func(), 0, len(r.rpcUnsub))
	for clientID, cancel := range r.rpcUnsub {
		cancels = append(cancels, cancel)
		delete(r.rpcUnsub, clientID)
	}
	r.rpcMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// RegisterArchiveGroup adds group/writer to the fan-out list consulted by
// the publish pipeline's archive step (spec §4.4.1 step 2). Called by
// ArchiveController on startArchiveGroup.
func (r *SessionRouter) RegisterArchiveGroup(name string, group *archive.Group, writer *archive.Writer) {
	r.archiveMu.Lock()
	defer r.archiveMu.Unlock()
	r.archiveGroups[name] = archiveRegistration{group: group, writer: writer}
}

// UnregisterArchiveGroup removes name from the fan-out list. Called by
// ArchiveController on stopArchiveGroup.
func (r *SessionRouter) UnregisterArchiveGroup(name string) {
	r.archiveMu.Lock()
	defer r.archiveMu.Unlock()
	delete(r.archiveGroups, name)
}

// isAPIRequest reports whether topic is the reserved API-request pattern
// and, if so, extracts the target node id (spec §4.4.1 step 1: "the api
// prefix and encodes a targetNodeId"). The convention is
// "<prefix><nodeId>/...".
func (r *SessionRouter) isAPIRequest(topicName string) (nodeID string, ok bool) {
	if !strings.HasPrefix(topicName, r.apiTopicPrefix) {
		return "", false
	}
	rest := topicName[len(r.apiTopicPrefix):]
	if idx := strings.IndexByte(rest, '/'); idx > 0 {
		return rest[:idx], true
	}
	if rest != "" {
		return rest, true
	}
	return "", false
}
