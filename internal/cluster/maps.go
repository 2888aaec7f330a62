package cluster

// ClientNodeMap wraps ReplicatedMap with the clientId -> nodeId semantics
// of spec §3: "last-writer-wins, replicated."
type ClientNodeMap struct {
	m *ReplicatedMap
}

func NewClientNodeMap(bus Bus) *ClientNodeMap {
	return &ClientNodeMap{m: NewReplicatedMap(bus, ChannelClientNodeMap)}
}

func (c *ClientNodeMap) Close() { c.m.Close() }

func (c *ClientNodeMap) Set(clientID, nodeID string) { c.m.Put(clientID, nodeID) }
func (c *ClientNodeMap) Remove(clientID string)      { c.m.Remove(clientID) }

func (c *ClientNodeMap) NodeOf(clientID string) (string, bool) { return c.m.Get(clientID) }

// IsLocal reports whether clientID is mapped to localNodeID, or is not
// mapped at all (spec §4.4.2 local-delivery filter treats "not yet mapped"
// the same as "mapped to us").
func (c *ClientNodeMap) IsLocal(clientID, localNodeID string) bool {
	node, ok := c.m.Get(clientID)
	return !ok || node == localNodeID
}

func (c *ClientNodeMap) Size() int { return c.m.Size() }

// RemoveIf removes every (clientId, nodeId) pair whose nodeId satisfies
// pred, returning the removed clientIds (spec §4.5 node-failure cleanup).
func (c *ClientNodeMap) RemoveIf(pred func(nodeID string) bool) []string {
	return c.m.RemoveIf(pred)
}

func (c *ClientNodeMap) Snapshot() []byte         { return c.m.Snapshot() }
func (c *ClientNodeMap) BeginSync()                { c.m.BeginSync() }
func (c *ClientNodeMap) LoadSnapshot(w []byte) error { return c.m.LoadSnapshot(w) }

// TopicNodeMap wraps ReplicatedSetMap with the topicFilter -> set<nodeId>
// semantics of spec §3.
type TopicNodeMap struct {
	sm *ReplicatedSetMap
}

func NewTopicNodeMap(bus Bus) *TopicNodeMap {
	return &TopicNodeMap{sm: NewReplicatedSetMap(bus, ChannelTopicNodeMap)}
}

func (t *TopicNodeMap) Close() { t.sm.Close() }

func (t *TopicNodeMap) AddNode(filter, nodeID string)    { t.sm.AddToSet(filter, nodeID) }
func (t *TopicNodeMap) RemoveNode(filter, nodeID string) { t.sm.RemoveFromSet(filter, nodeID) }

// NodesFor returns the node set registered for filter.
func (t *TopicNodeMap) NodesFor(filter string) ([]string, bool) { return t.sm.GetSet(filter) }

// Filters returns every filter with a non-empty node set.
func (t *TopicNodeMap) Filters() []string { return t.sm.Keys() }

// RemoveValueFromAllSets removes nodeID from every filter's set (spec §4.5).
func (t *TopicNodeMap) RemoveValueFromAllSets(nodeID string) {
	t.sm.RemoveValueFromAllSets(nodeID)
}

func (t *TopicNodeMap) Snapshot() []byte           { return t.sm.Snapshot() }
func (t *TopicNodeMap) BeginSync()                  { t.sm.BeginSync() }
func (t *TopicNodeMap) LoadSnapshot(w []byte) error { return t.sm.LoadSnapshot(w) }
