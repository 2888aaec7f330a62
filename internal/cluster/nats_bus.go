package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsBus backs Bus with a real github.com/nats-io/nats.go connection,
// grounded on xorkevin-governor's use of the same client for its own
// cluster event bus. Subjects map 1:1 onto the channel-name conventions in
// spec §6; NATS subjects already use '.'-delimited hierarchical names, so
// no translation layer is needed.
type NatsBus struct {
	nc     *nats.Conn
	nodeID string
}

// NewNatsBus dials url and returns a Bus identified as nodeID on the
// cluster. Callers are responsible for closing it via Close.
func NewNatsBus(url, nodeID string, opts ...nats.Option) (*NatsBus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc, nodeID: nodeID}, nil
}

func (b *NatsBus) Close() { b.nc.Close() }

func (b *NatsBus) NodeID() string { return b.nodeID }

// wireEnvelope carries Origin alongside the caller's payload so Subscribe
// handlers can implement "ignore our own echo" (spec §4.2), since a raw
// NATS message has no origin metadata of its own.
type wireEnvelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

func (b *NatsBus) Publish(channel string, payload []byte) error {
	wire, err := json.Marshal(wireEnvelope{Origin: b.nodeID, Payload: payload})
	if err != nil {
		return err
	}
	return b.nc.Publish(channel, wire)
}

func (b *NatsBus) Subscribe(channel string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(channel, func(msg *nats.Msg) {
		var w wireEnvelope
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			return
		}
		h(Envelope{
			Channel: channel,
			Origin:  w.Origin,
			Payload: w.Payload,
			Time:    time.Now(),
			replyTo: msg.Reply,
		})
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NatsBus) Request(ctx context.Context, channel string, payload []byte, timeout time.Duration) ([]byte, error) {
	wire, err := json.Marshal(wireEnvelope{Origin: b.nodeID, Payload: payload})
	if err != nil {
		return nil, err
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := b.nc.RequestWithContext(reqCtx, channel, wire)
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, ErrBusTimeout
		}
		return nil, err
	}

	var w wireEnvelope
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		return nil, err
	}
	return w.Payload, nil
}

// Reply answers a request using NATS's native reply subject, carried over
// via Envelope.replyTo by Subscribe above.
func (b *NatsBus) Reply(req Envelope, payload []byte) error {
	if !req.IsRequest() {
		return nil
	}
	wire, err := json.Marshal(wireEnvelope{Origin: b.nodeID, Payload: payload})
	if err != nil {
		return err
	}
	return b.nc.Publish(req.replyTo, wire)
}
