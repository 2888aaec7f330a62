package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vogler75/monster-mq"
	"github.com/vogler75/monster-mq/internal/cluster"
)

// DefaultSessionRPCTimeout bounds the per-client connection-statistics
// request/reply (spec §5): "100 ms timeout... missing stats are
// tolerated" rather than blocking the caller.
const DefaultSessionRPCTimeout = 100 * time.Millisecond

// SessionMetrics answers node.<id>.session.<clientId>.metrics: the
// client's live in-memory state, the per-client state SessionRouter
// already keeps for the client state machine (spec §4.4.3).
type SessionMetrics struct {
	ClientID       string `json:"clientId"`
	Status         string `json:"status"`
	InFlightQueued int    `json:"inFlightQueued"`
}

// SessionDetails answers node.<id>.session.<clientId>.details, folding in
// the durable fields from SessionStore when one is configured.
type SessionDetails struct {
	ClientID      string `json:"clientId"`
	NodeID        string `json:"nodeId"`
	Status        string `json:"status"`
	CleanSession  bool   `json:"cleanSession"`
	ClientAddress string `json:"clientAddress,omitempty"`
}

// registerSessionRPC subscribes clientId's metrics/details reply channels
// (spec §6 channel names) so a peer's Request for its connection
// statistics gets answered. Called from SetClient; unwound from
// DeleteClient or Stop.
func (r *SessionRouter) registerSessionRPC(clientID string) {
	cancelMetrics, _ := r.bus.Subscribe(cluster.ChannelSessionMetrics(r.nodeID, clientID), func(e cluster.Envelope) {
		r.replySessionMetrics(e, clientID)
	})
	cancelDetails, _ := r.bus.Subscribe(cluster.ChannelSessionDetails(r.nodeID, clientID), func(e cluster.Envelope) {
		r.replySessionDetails(e, clientID)
	})

	r.rpcMu.Lock()
	r.rpcUnsub[clientID] = func() {
		cancelMetrics()
		cancelDetails()
	}
	r.rpcMu.Unlock()
}

// unregisterSessionRPC drops clientId's reply-channel subscriptions.
func (r *SessionRouter) unregisterSessionRPC(clientID string) {
	r.rpcMu.Lock()
	cancel, ok := r.rpcUnsub[clientID]
	delete(r.rpcUnsub, clientID)
	r.rpcMu.Unlock()
	if ok {
		cancel()
	}
}

func (r *SessionRouter) replySessionMetrics(e cluster.Envelope, clientID string) {
	if !e.IsRequest() {
		return
	}
	r.statusMu.RLock()
	ring := r.inFlight[clientID]
	status := r.status[clientID]
	r.statusMu.RUnlock()

	queued := 0
	if ring != nil {
		queued = ring.len()
	}

	payload, err := json.Marshal(SessionMetrics{ClientID: clientID, Status: status.String(), InFlightQueued: queued})
	if err != nil {
		r.logger.Error("failed to encode session metrics reply", "client", clientID, "error", err)
		return
	}
	if err := r.bus.Reply(e, payload); err != nil {
		r.logger.Error("failed to reply to session metrics request", "client", clientID, "error", err)
	}
}

func (r *SessionRouter) replySessionDetails(e cluster.Envelope, clientID string) {
	if !e.IsRequest() {
		return
	}
	details := SessionDetails{ClientID: clientID, NodeID: r.nodeID, Status: r.statusOf(clientID).String()}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultSessionRPCTimeout)
		err := r.store.IterateAllSessions(ctx, func(s *monster.ClientSession) bool {
			if s.ClientID != clientID {
				return true
			}
			details.CleanSession = s.CleanSession
			details.ClientAddress = s.ClientAddress
			return false
		})
		cancel()
		if err != nil {
			r.logger.Error("failed to look up session details", "client", clientID, "error", err)
		}
	}

	payload, err := json.Marshal(details)
	if err != nil {
		r.logger.Error("failed to encode session details reply", "client", clientID, "error", err)
		return
	}
	if err := r.bus.Reply(e, payload); err != nil {
		r.logger.Error("failed to reply to session details request", "client", clientID, "error", err)
	}
}

// RequestSessionMetrics asks nodeId for clientId's live connection stats,
// tolerating a timeout as "stats unavailable" (spec §5) by surfacing
// cluster.ErrBusTimeout to the caller rather than blocking indefinitely.
func (r *SessionRouter) RequestSessionMetrics(ctx context.Context, nodeID, clientID string) (SessionMetrics, error) {
	payload, err := r.bus.Request(ctx, cluster.ChannelSessionMetrics(nodeID, clientID), nil, DefaultSessionRPCTimeout)
	if err != nil {
		return SessionMetrics{}, err
	}
	var m SessionMetrics
	if err := json.Unmarshal(payload, &m); err != nil {
		return SessionMetrics{}, err
	}
	return m, nil
}

// RequestSessionDetails asks nodeId for clientId's session details, with
// the same timeout-tolerant contract as RequestSessionMetrics.
func (r *SessionRouter) RequestSessionDetails(ctx context.Context, nodeID, clientID string) (SessionDetails, error) {
	payload, err := r.bus.Request(ctx, cluster.ChannelSessionDetails(nodeID, clientID), nil, DefaultSessionRPCTimeout)
	if err != nil {
		return SessionDetails{}, err
	}
	var d SessionDetails
	if err := json.Unmarshal(payload, &d); err != nil {
		return SessionDetails{}, err
	}
	return d, nil
}
