package router

import "sync/atomic"

// Metrics is the router's clientMetrics state (spec §4.4): plain atomic
// counters, exported read-only via Snapshot. Prometheus is wired for the
// archive and health components (SPEC_FULL.md DOMAIN STACK); the router's
// own per-node counters are instead what travels over the
// node.<id>.metrics(-and-reset) bus channel (spec §6), so a counter
// struct the caller can read and reset is the right shape here, not a
// registry.
type Metrics struct {
	MessagesIn            atomic.Int64
	MessagesOut           atomic.Int64
	MessagesSkipped       atomic.Int64
	SparkplugDecodeErrors atomic.Int64
}

func newMetrics() *Metrics { return &Metrics{} }

// MetricsSnapshot is the point-in-time value of a Metrics, the payload
// published on node.<id>.metrics (spec §6).
type MetricsSnapshot struct {
	MessagesIn            int64
	MessagesOut           int64
	MessagesSkipped       int64
	SparkplugDecodeErrors int64
}

// Snapshot reads the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesIn:            m.MessagesIn.Load(),
		MessagesOut:           m.MessagesOut.Load(),
		MessagesSkipped:       m.MessagesSkipped.Load(),
		SparkplugDecodeErrors: m.SparkplugDecodeErrors.Load(),
	}
}

// Reset zeroes every counter, used by the "-and-reset" metrics channel
// variant (spec §6).
func (m *Metrics) Reset() {
	m.MessagesIn.Store(0)
	m.MessagesOut.Store(0)
	m.MessagesSkipped.Store(0)
	m.SparkplugDecodeErrors.Store(0)
}

// Metrics exposes the router's counters for the connection-statistics RPC
// (SPEC_FULL.md supplemented feature) and for node.<id>.metrics.
func (r *SessionRouter) Metrics() *Metrics { return r.metrics }
