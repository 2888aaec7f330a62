package monster

import "time"

// BrokerMessage is the unit of traffic flowing through the routing core
// (spec §3). It is transport-agnostic: the MQTT wire front-end decodes a
// PUBLISH packet into one of these before handing it to SessionRouter, and
// encodes one back into wire bytes on the way out.
type BrokerMessage struct {
	// MessageUUID opaquely identifies this message across the cluster for
	// logging/tracing; it is not the wire-level packet identifier.
	MessageUUID string

	TopicName string
	Payload   []byte
	QosLevel  QoS

	// IsRetain marks this as a retained publish. A retain with an empty
	// Payload is a delete-retained marker for TopicName (spec §3, §6).
	IsRetain bool

	IsDup    bool
	IsQueued bool

	// ClientID is the publisher.
	ClientID string

	// SenderID, if set, tags this message as an internal re-publish (e.g.
	// Sparkplug expansion) for loop prevention: a subscriber whose ClientID
	// equals SenderID is skipped on delivery (spec §4.4.2).
	SenderID string

	Time time.Time

	// MessageID is the wire-level packet identifier (PUBLISH packet id for
	// QoS>0); the core carries it through for delivery-side acking but
	// never allocates or interprets it.
	MessageID uint16
}

// IsRetainedUpsert reports whether this message should upsert (rather than
// delete) the retained store entry for TopicName: retained with a
// non-empty payload (spec §3).
func (m *BrokerMessage) IsRetainedUpsert() bool {
	return m.IsRetain && len(m.Payload) > 0
}

// IsRetainedDelete reports whether this message is a delete-retained
// marker: retained with an empty payload.
func (m *BrokerMessage) IsRetainedDelete() bool {
	return m.IsRetain && len(m.Payload) == 0
}

// WithQoS returns a shallow copy of m with QosLevel rewritten. Used when
// delivering to a subscriber whose granted QoS is lower than the publish
// QoS (spec §4.4.2: "the delivered copy has its QoS rewritten; the stored
// payload is unchanged").
func (m *BrokerMessage) WithQoS(q QoS) *BrokerMessage {
	cp := *m
	cp.QosLevel = q
	return &cp
}

// Subscription is a (clientId, topicFilter, qos) triple (spec §3).
type Subscription struct {
	ClientID    string
	TopicFilter string
	QoS         QoS
}

// ClientStatus is the lifecycle state of a ClientSession (spec §3, §4.4.3).
type ClientStatus int

const (
	StatusUnknown ClientStatus = iota
	StatusCreated
	StatusOnline
	StatusPaused
	StatusDelete
)

func (s ClientStatus) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusOnline:
		return "ONLINE"
	case StatusPaused:
		return "PAUSED"
	case StatusDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ClientSession is the durable per-client state the spec describes in §3.
// SessionRouter keeps a live ClientStatus per client in memory; the rest of
// this struct is what a SessionStore implementation persists.
type ClientSession struct {
	ClientID              string
	NodeID                string
	CleanSession          bool
	SessionExpiryInterval *int
	Status                ClientStatus
	LastWill              *BrokerMessage
	ClientAddress         string
}
