// Package monster contains the data model and package-level helpers shared
// by the clustered MQTT broker routing engine: the BrokerMessage and
// Subscription types, QoS levels, and the sentinel errors naming the core
// components' failure kinds.
//
// The routing engine itself lives in the internal/ subpackages:
//
//   - internal/topic      — the subscription index (exact + wildcard trie)
//   - internal/cluster    — replicated maps and the cluster bus
//   - internal/archive    — retained store, archive groups and their writers
//   - internal/router     — the session router: publish pipeline, bulk
//     buffers, worker pool, client state machine
//   - internal/health     — leader election and node-failure cleanup
//   - internal/controller — archive group lifecycle
//   - internal/config     — YAML configuration loading
//
// This package has no network code of its own: MQTT wire decoding, TLS,
// WebSocket transport, authentication, and the various device connectors
// are external collaborators the core only talks to through interfaces
// (see internal/router.SessionStore, internal/archive.MessageStore and
// internal/archive.ArchiveSink, internal/cluster.Bus).
package monster
