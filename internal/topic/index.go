// Package topic implements the dual-index subscription table of spec §4.1:
// an O(1) exact map for filters without wildcards, and a trie over '/'
// segments for filters using '+' or '#'. It is grounded on the teacher
// (gonzalop/mq)'s topic.go matchTopic level-walking algorithm, generalized
// from a single boolean match into an index so lookup cost is O(depth)
// instead of O(subscriptions).
package topic

import (
	"strings"
	"sync"
)

// Sub is one subscriber entry returned by a lookup: a client and the QoS it
// asked for on the filter that matched.
type Sub struct {
	ClientID string
	QoS      uint8
}

// Stats summarizes index occupancy (spec §4.1 "stats()").
type Stats struct {
	ExactTopics      int
	ExactSubs        int
	WildcardPatterns int
	WildcardSubs     int
}

// node is one level of the wildcard trie. children is keyed by literal
// segment; plus and hash are the '+' and '#' branches. subs holds
// subscribers whose filter terminates exactly at this node.
type node struct {
	children map[string]*node
	plus     *node
	hash     *node
	subs     map[string]uint8 // clientId -> qos, only non-nil at filter-terminal nodes
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Index is the subscription table: exact map + wildcard trie, each guarded
// by its own RWMutex so wildcard writers never block exact readers and
// vice versa (spec §5: "writes only from the router's event loop; reads
// from workers via a concurrent-readable snapshot").
type Index struct {
	exactMu sync.RWMutex
	exact   map[string]map[string]uint8 // topicName -> clientId -> qos

	wildMu sync.RWMutex
	wild   *node

	// filterOwner tracks, for wildcard filters only, which clients hold a
	// subscription to a given filter string, so Unsubscribe can locate and
	// prune the right trie leaf without re-walking from every client.
	filterOwner map[string]map[string]bool // filter -> clientId -> true
}

// New returns an empty subscription index.
func New() *Index {
	return &Index{
		exact:       make(map[string]map[string]uint8),
		wild:        newNode(),
		filterOwner: make(map[string]map[string]bool),
	}
}

func isWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// Subscribe adds (or updates the QoS of) a subscription. Idempotent:
// subscribing the same (clientId, filter) pair twice leaves exactly one
// entry, with the most recent QoS winning (spec §4.1, §8).
func (idx *Index) Subscribe(clientID, filter string, qos uint8) {
	if isWildcard(filter) {
		idx.subscribeWildcard(clientID, filter, qos)
		return
	}
	idx.exactMu.Lock()
	defer idx.exactMu.Unlock()
	subs, ok := idx.exact[filter]
	if !ok {
		subs = make(map[string]uint8)
		idx.exact[filter] = subs
	}
	subs[clientID] = qos
}

func (idx *Index) subscribeWildcard(clientID, filter string, qos uint8) {
	idx.wildMu.Lock()
	defer idx.wildMu.Unlock()

	n := idx.wild
	for _, seg := range strings.Split(filter, "/") {
		switch seg {
		case "+":
			if n.plus == nil {
				n.plus = newNode()
			}
			n = n.plus
		case "#":
			if n.hash == nil {
				n.hash = newNode()
			}
			n = n.hash
		default:
			child, ok := n.children[seg]
			if !ok {
				child = newNode()
				n.children[seg] = child
			}
			n = child
		}
	}
	if n.subs == nil {
		n.subs = make(map[string]uint8)
	}
	n.subs[clientID] = qos

	owners, ok := idx.filterOwner[filter]
	if !ok {
		owners = make(map[string]bool)
		idx.filterOwner[filter] = owners
	}
	owners[clientID] = true
}

// Unsubscribe removes a (clientId, filter) subscription. No-op if absent
// (spec §4.1).
func (idx *Index) Unsubscribe(clientID, filter string) {
	if isWildcard(filter) {
		idx.unsubscribeWildcard(clientID, filter)
		return
	}
	idx.exactMu.Lock()
	defer idx.exactMu.Unlock()
	subs, ok := idx.exact[filter]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(idx.exact, filter)
	}
}

func (idx *Index) unsubscribeWildcard(clientID, filter string) {
	idx.wildMu.Lock()
	defer idx.wildMu.Unlock()

	n := idx.wild
	for _, seg := range strings.Split(filter, "/") {
		switch seg {
		case "+":
			if n.plus == nil {
				return
			}
			n = n.plus
		case "#":
			if n.hash == nil {
				return
			}
			n = n.hash
		default:
			child, ok := n.children[seg]
			if !ok {
				return
			}
			n = child
		}
	}
	delete(n.subs, clientID)

	if owners := idx.filterOwner[filter]; owners != nil {
		delete(owners, clientID)
		if len(owners) == 0 {
			delete(idx.filterOwner, filter)
		}
	}
}

// HasSubscriber reports whether filter still has at least one subscriber,
// regardless of which node the subscribers are on. The router's unsubscribe
// flow uses SubscribersOf instead, since it needs to know whether any of
// them is local.
func (idx *Index) HasSubscriber(filter string) bool {
	if isWildcard(filter) {
		idx.wildMu.RLock()
		defer idx.wildMu.RUnlock()
		return len(idx.filterOwner[filter]) > 0
	}
	idx.exactMu.RLock()
	defer idx.exactMu.RUnlock()
	return len(idx.exact[filter]) > 0
}

// SubscribersOf returns the clientIds currently holding a subscription to
// filter itself (not a topic match against it), so a caller can decide
// whether any of them is local before acting on a cluster-wide index
// mirror (spec §4.4.6).
func (idx *Index) SubscribersOf(filter string) []string {
	if isWildcard(filter) {
		idx.wildMu.RLock()
		defer idx.wildMu.RUnlock()
		owners := idx.filterOwner[filter]
		out := make([]string, 0, len(owners))
		for c := range owners {
			out = append(out, c)
		}
		return out
	}
	idx.exactMu.RLock()
	defer idx.exactMu.RUnlock()
	subs := idx.exact[filter]
	out := make([]string, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

// FindAllSubscribers returns the union of exact and wildcard matches for a
// concrete topic name, deduplicated by clientId with last-write-wins QoS
// (spec §4.1: "both legs must be traversed").
func (idx *Index) FindAllSubscribers(topicName string) []Sub {
	seen := make(map[string]uint8)

	idx.exactMu.RLock()
	if subs, ok := idx.exact[topicName]; ok {
		for c, q := range subs {
			seen[c] = q
		}
	}
	idx.exactMu.RUnlock()

	idx.wildMu.RLock()
	idx.walkWildcard(idx.wild, strings.Split(topicName, "/"), topicName, seen)
	idx.wildMu.RUnlock()

	out := make([]Sub, 0, len(seen))
	for c, q := range seen {
		out = append(out, Sub{ClientID: c, QoS: q})
	}
	return out
}

// walkWildcard descends the trie level by level. At each node it tries the
// literal child, the '+' branch, and the '#' branch (which is terminal and
// short-circuits by contributing all subscribers below, matching zero or
// more remaining levels).
func (idx *Index) walkWildcard(n *node, levels []string, topicName string, seen map[string]uint8) {
	if n == nil {
		return
	}

	// '$'-prefixed topics are only reachable through a literal first
	// segment (MQTT-4.7.2-1); this is enforced by never creating a '+' or
	// '#' root match for them — guarded explicitly here for clarity and to
	// protect future root-level '#'/'+' additions.
	if len(levels) > 0 && len(topicName) > 0 && topicName[0] == '$' && n == idx.wild {
		if child, ok := n.children[levels[0]]; ok {
			idx.walkWildcard(child, levels[1:], topicName, seen)
		}
		return
	}

	if len(levels) == 0 {
		for c, q := range n.subs {
			seen[c] = q
		}
		// A '#' registered one level below an exhausted path still matches
		// the bare prefix itself ("home/#" matches "home"): '#' matches
		// zero or more levels, including zero.
		if n.hash != nil {
			for c, q := range n.hash.subs {
				seen[c] = q
			}
		}
		return
	}

	seg := levels[0]
	rest := levels[1:]

	if child, ok := n.children[seg]; ok {
		idx.walkWildcard(child, rest, topicName, seen)
	}
	if n.plus != nil {
		idx.walkWildcard(n.plus, rest, topicName, seen)
	}
	if n.hash != nil {
		// '#' matches this level and everything after it, including zero
		// further levels: every subscriber registered at the hash node
		// matches regardless of how many levels remain.
		for c, q := range n.hash.subs {
			seen[c] = q
		}
	}
}

// Stats reports current occupancy for metrics/diagnostics.
func (idx *Index) Stats() Stats {
	var s Stats

	idx.exactMu.RLock()
	s.ExactTopics = len(idx.exact)
	for _, subs := range idx.exact {
		s.ExactSubs += len(subs)
	}
	idx.exactMu.RUnlock()

	idx.wildMu.RLock()
	s.WildcardPatterns = len(idx.filterOwner)
	for _, owners := range idx.filterOwner {
		s.WildcardSubs += len(owners)
	}
	idx.wildMu.RUnlock()

	return s
}
