package archive

import (
	"strings"

	"github.com/vogler75/monster-mq"
)

// Group is an ArchiveGroup (spec §3, §4.3): a named (topic-filter,
// retained-store?, history-sink?) triple with its own retention/purge
// policy.
type Group struct {
	Name             string
	TopicFilters     []string
	RetainedOnly     bool
	RetainedStore    MessageStore
	HistorySink      ArchiveSink
	PayloadFormat    string
	RetentionMs      int64
	PurgeIntervalMs  int64
	QueueCapacity    int
	FlushIntervalMs  int
	FlushBatchSize   int
}

// Matches reports whether msg belongs in this group's queue (spec §4.3):
// "group.topicFilter empty OR any filter matches, AND !group.retainedOnly
// OR msg.isRetain".
func (g *Group) Matches(msg *monster.BrokerMessage) bool {
	if g.RetainedOnly && !msg.IsRetain {
		return false
	}
	if len(g.TopicFilters) == 0 {
		return true
	}
	for _, f := range g.TopicFilters {
		if monster.MatchTopic(f, msg.TopicName) {
			return true
		}
	}
	return false
}

func (g *Group) String() string {
	return g.Name + "[" + strings.Join(g.TopicFilters, ",") + "]"
}

const (
	DefaultQueueCapacity   = 100_000
	DefaultFlushIntervalMs = 100
	DefaultFlushBatchSize  = 4000
)

// GroupOption configures a Group at construction, the teacher's own
// functional-options idiom (options.go) generalized from client dial
// options to archive-group options.
type GroupOption func(*Group)

func WithTopicFilters(filters ...string) GroupOption {
	return func(g *Group) { g.TopicFilters = filters }
}

func WithRetainedOnly(v bool) GroupOption { return func(g *Group) { g.RetainedOnly = v } }

func WithRetainedStore(s MessageStore) GroupOption {
	return func(g *Group) { g.RetainedStore = s }
}

func WithHistorySink(s ArchiveSink) GroupOption { return func(g *Group) { g.HistorySink = s } }

func WithRetention(retentionMs, purgeIntervalMs int64) GroupOption {
	return func(g *Group) { g.RetentionMs = retentionMs; g.PurgeIntervalMs = purgeIntervalMs }
}

func WithQueueCapacity(n int) GroupOption { return func(g *Group) { g.QueueCapacity = n } }

func WithFlushPolicy(intervalMs, batchSize int) GroupOption {
	return func(g *Group) { g.FlushIntervalMs = intervalMs; g.FlushBatchSize = batchSize }
}

// NewGroup builds a Group with spec-default queue/flush policy, overridden
// by opts.
func NewGroup(name string, opts ...GroupOption) *Group {
	g := &Group{
		Name:            name,
		QueueCapacity:   DefaultQueueCapacity,
		FlushIntervalMs: DefaultFlushIntervalMs,
		FlushBatchSize:  DefaultFlushBatchSize,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}
