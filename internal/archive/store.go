// Package archive implements the retention & archive pipeline of spec
// §4.3: ArchiveGroup, the bounded-queue batching ArchiveWriter, and the
// MessageStore/ArchiveSink interfaces external storage drivers implement.
//
// Grounded on the teacher's file_store.go ("a single writer goroutine owns
// the backing store, callers hand it work over a channel") and on
// f0f349c7_N2WQ-GoCluster's archive.go bounded-queue-plus-periodic-flush
// shape.
package archive

import (
	"context"

	"github.com/vogler75/monster-mq"
)

// MessageStore is the retained-value store collaborator (spec §6): "latest
// publish per topic". The core never names a concrete backend — only this
// interface, chosen by a factory at config time (spec §9).
type MessageStore interface {
	// AddAll upserts the given messages, keyed by TopicName.
	AddAll(ctx context.Context, msgs []*monster.BrokerMessage) error
	// DelAll deletes any retained entry for each of the given topic names.
	DelAll(ctx context.Context, topicNames []string) error
	// FindMatchingMessages calls cb once per retained message whose topic
	// matches filter, used to answer a new subscribe (spec §4.4.6).
	FindMatchingMessages(ctx context.Context, filter string, cb func(*monster.BrokerMessage) bool) error
}

// ArchiveSink is the history/last-value sink collaborator (spec §6).
type ArchiveSink interface {
	// AddHistory appends msgs in order; no coalescing (spec §4.3).
	AddHistory(ctx context.Context, msgs []*monster.BrokerMessage) error
	// GetConnectionStatus reports whether the sink's backing connection is
	// currently healthy, surfaced through metrics/diagnostics.
	GetConnectionStatus() error
}

// LastValueSink is an optional capability of an ArchiveSink: sinks that
// also maintain a "most recent value per topic" projection implement this
// so ArchiveWriter can route last-value groups through reverse-dedup
// AddAll instead of raw AddHistory (spec §4.3 "Last-value sink").
type LastValueSink interface {
	ArchiveSink
	AddAll(ctx context.Context, msgs []*monster.BrokerMessage) error
}

// PurgeableSink is an optional capability: a sink that can drop rows older
// than RetentionMs on its own schedule (SPEC_FULL.md supplemented purge
// loop).
type PurgeableSink interface {
	PurgeOlderThan(ctx context.Context, retentionMs int64) error
}
