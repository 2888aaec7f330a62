package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vogler75/monster-mq"
)

// SQLiteSessionStore is a concrete SessionStore (spec §6) backed by
// sqlite3, intended for single-node and development deployments per
// SPEC_FULL.md's DOMAIN STACK table ("factory-selected concrete per §9
// dynamic dispatch over store/archive backends"). Grounded on
// internal/archive's SQLiteStore: the same open/pragma/ensureSchema
// shape and transactional batch writes. Every method returns driver errors
// wrapped to its caller; the router logs them (spec §7 StoreUnavailable).
type SQLiteSessionStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteSessionStore opens (creating if absent) a sqlite3 database at
// path and ensures its schema exists.
func OpenSQLiteSessionStore(path string, logger *slog.Logger) (*SQLiteSessionStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nil, nil))
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("router: sqlite open: %w", err)
	}
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("router: sqlite pragmas: %w", err)
	}
	s := &SQLiteSessionStore{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSessionStore) ensureSchema() error {
	_, err := s.db.Exec(`
		create table if not exists sessions (
			client_id text primary key,
			node_id text not null,
			clean_session integer not null,
			session_expiry_interval integer,
			status integer not null,
			last_will text,
			client_address text,
			connected integer not null default 1,
			disconnected_at_ms integer
		);
		create table if not exists subscriptions (
			client_id text not null,
			filter text not null,
			qos integer not null,
			primary key (client_id, filter)
		);
		create table if not exists queued_messages (
			client_id text not null,
			message_uuid text not null,
			topic text not null,
			payload blob,
			qos integer not null,
			retain integer not null,
			sender_id text,
			enqueued_at_ms integer not null,
			primary key (client_id, message_uuid)
		);
		create index if not exists idx_queued_client_seq on queued_messages(client_id, enqueued_at_ms);
	`)
	if err != nil {
		return fmt.Errorf("router: sqlite ensure schema: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) Close() error { return s.db.Close() }

func (s *SQLiteSessionStore) SetClient(ctx context.Context, session *monster.ClientSession) error {
	var willJSON []byte
	if session.LastWill != nil {
		var err error
		willJSON, err = json.Marshal(session.LastWill)
		if err != nil {
			return fmt.Errorf("router: encode last will: %w", err)
		}
	}
	var expiry any
	if session.SessionExpiryInterval != nil {
		expiry = *session.SessionExpiryInterval
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (client_id, node_id, clean_session, session_expiry_interval, status, last_will, client_address, connected)
		values (?, ?, ?, ?, ?, ?, ?, 1)
		on conflict(client_id) do update set
			node_id=excluded.node_id, clean_session=excluded.clean_session,
			session_expiry_interval=excluded.session_expiry_interval,
			status=excluded.status, last_will=excluded.last_will,
			client_address=excluded.client_address, connected=1, disconnected_at_ms=null
	`, session.ClientID, session.NodeID, session.CleanSession, expiry, int(session.Status), willJSON, session.ClientAddress)
	if err != nil {
		return fmt.Errorf("router: sqlite SetClient: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) SetConnected(ctx context.Context, clientID string, connected bool) error {
	var disconnectedAt any
	if !connected {
		disconnectedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `update sessions set connected=?, disconnected_at_ms=? where client_id=?`, connected, disconnectedAt, clientID)
	if err != nil {
		return fmt.Errorf("router: sqlite SetConnected: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) DelClient(ctx context.Context, clientID string, onSub func(filter string, qos monster.QoS)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("router: sqlite DelClient begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `select filter, qos from subscriptions where client_id=?`, clientID)
	if err != nil {
		return fmt.Errorf("router: sqlite DelClient query subs: %w", err)
	}
	var subs []monster.Subscription
	for rows.Next() {
		var filter string
		var qos int
		if err := rows.Scan(&filter, &qos); err != nil {
			rows.Close()
			return fmt.Errorf("router: sqlite DelClient scan: %w", err)
		}
		subs = append(subs, monster.Subscription{ClientID: clientID, TopicFilter: filter, QoS: monster.QoS(qos)})
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `delete from subscriptions where client_id=?`, clientID); err != nil {
		return fmt.Errorf("router: sqlite DelClient delete subs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `delete from queued_messages where client_id=?`, clientID); err != nil {
		return fmt.Errorf("router: sqlite DelClient delete queued: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `delete from sessions where client_id=?`, clientID); err != nil {
		return fmt.Errorf("router: sqlite DelClient delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("router: sqlite DelClient commit: %w", err)
	}
	if onSub != nil {
		for _, sub := range subs {
			onSub(sub.TopicFilter, sub.QoS)
		}
	}
	return nil
}

func (s *SQLiteSessionStore) SetLastWill(ctx context.Context, clientID string, will *monster.BrokerMessage) error {
	willJSON, err := json.Marshal(will)
	if err != nil {
		return fmt.Errorf("router: encode last will: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `update sessions set last_will=? where client_id=?`, willJSON, clientID)
	if err != nil {
		return fmt.Errorf("router: sqlite SetLastWill: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) AddSubscriptions(ctx context.Context, subs []monster.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("router: sqlite AddSubscriptions begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `insert into subscriptions (client_id, filter, qos) values (?, ?, ?)
		on conflict(client_id, filter) do update set qos=excluded.qos`)
	if err != nil {
		return fmt.Errorf("router: sqlite AddSubscriptions prepare: %w", err)
	}
	defer stmt.Close()
	for _, sub := range subs {
		if _, err := stmt.ExecContext(ctx, sub.ClientID, sub.TopicFilter, int(sub.QoS)); err != nil {
			return fmt.Errorf("router: sqlite AddSubscriptions exec: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSessionStore) DelSubscriptions(ctx context.Context, subs []monster.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("router: sqlite DelSubscriptions begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `delete from subscriptions where client_id=? and filter=?`)
	if err != nil {
		return fmt.Errorf("router: sqlite DelSubscriptions prepare: %w", err)
	}
	defer stmt.Close()
	for _, sub := range subs {
		if _, err := stmt.ExecContext(ctx, sub.ClientID, sub.TopicFilter); err != nil {
			return fmt.Errorf("router: sqlite DelSubscriptions exec: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSessionStore) EnqueueMessages(ctx context.Context, batch []QueuedMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("router: sqlite EnqueueMessages begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `insert into queued_messages
		(client_id, message_uuid, topic, payload, qos, retain, sender_id, enqueued_at_ms)
		values (?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(client_id, message_uuid) do nothing`)
	if err != nil {
		return fmt.Errorf("router: sqlite EnqueueMessages prepare: %w", err)
	}
	defer stmt.Close()
	now := time.Now().UnixMilli()
	for _, qm := range batch {
		for _, clientID := range qm.ClientIDs {
			_, err := stmt.ExecContext(ctx, clientID, qm.Message.MessageUUID, qm.Message.TopicName,
				qm.Message.Payload, int(qm.Message.QosLevel), qm.Message.IsRetain, qm.Message.SenderID, now)
			if err != nil {
				return fmt.Errorf("router: sqlite EnqueueMessages exec: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteSessionStore) RemoveMessages(ctx context.Context, refs []MessageRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("router: sqlite RemoveMessages begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `delete from queued_messages where client_id=? and message_uuid=?`)
	if err != nil {
		return fmt.Errorf("router: sqlite RemoveMessages prepare: %w", err)
	}
	defer stmt.Close()
	for _, ref := range refs {
		if _, err := stmt.ExecContext(ctx, ref.ClientID, ref.MessageUUID); err != nil {
			return fmt.Errorf("router: sqlite RemoveMessages exec: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSessionStore) DequeueMessages(ctx context.Context, clientID string, cb func(*monster.BrokerMessage) bool) error {
	rows, err := s.db.QueryContext(ctx, `
		select message_uuid, topic, payload, qos, retain, sender_id
		from queued_messages where client_id=? order by enqueued_at_ms asc`, clientID)
	if err != nil {
		return fmt.Errorf("router: sqlite DequeueMessages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msg monster.BrokerMessage
		var qos int
		if err := rows.Scan(&msg.MessageUUID, &msg.TopicName, &msg.Payload, &qos, &msg.IsRetain, &msg.SenderID); err != nil {
			return fmt.Errorf("router: sqlite DequeueMessages scan: %w", err)
		}
		msg.QosLevel = monster.QoS(qos)
		if !cb(&msg) {
			break
		}
	}
	return rows.Err()
}

func (s *SQLiteSessionStore) IterateAllSessions(ctx context.Context, cb func(*monster.ClientSession) bool) error {
	return s.iterateSessions(ctx, `select client_id, node_id, clean_session, session_expiry_interval, status, last_will, client_address from sessions`, cb)
}

func (s *SQLiteSessionStore) IterateNodeClients(ctx context.Context, nodeID string, cb func(*monster.ClientSession) bool) error {
	return s.iterateSessions(ctx,
		`select client_id, node_id, clean_session, session_expiry_interval, status, last_will, client_address from sessions where node_id=?`,
		cb, nodeID)
}

func (s *SQLiteSessionStore) iterateSessions(ctx context.Context, query string, cb func(*monster.ClientSession) bool, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("router: sqlite iterate sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var session monster.ClientSession
		var expiry sql.NullInt64
		var status int
		var willJSON sql.NullString
		if err := rows.Scan(&session.ClientID, &session.NodeID, &session.CleanSession, &expiry, &status, &willJSON, &session.ClientAddress); err != nil {
			return fmt.Errorf("router: sqlite iterate sessions scan: %w", err)
		}
		session.Status = monster.ClientStatus(status)
		if expiry.Valid {
			v := int(expiry.Int64)
			session.SessionExpiryInterval = &v
		}
		if willJSON.Valid && willJSON.String != "" {
			var will monster.BrokerMessage
			if err := json.Unmarshal([]byte(willJSON.String), &will); err == nil {
				session.LastWill = &will
			}
		}
		if !cb(&session) {
			break
		}
	}
	return rows.Err()
}

func (s *SQLiteSessionStore) IterateSubscriptions(ctx context.Context, cb func(monster.Subscription) bool) error {
	rows, err := s.db.QueryContext(ctx, `select client_id, filter, qos from subscriptions`)
	if err != nil {
		return fmt.Errorf("router: sqlite IterateSubscriptions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sub monster.Subscription
		var qos int
		if err := rows.Scan(&sub.ClientID, &sub.TopicFilter, &qos); err != nil {
			return fmt.Errorf("router: sqlite IterateSubscriptions scan: %w", err)
		}
		sub.QoS = monster.QoS(qos)
		if !cb(sub) {
			break
		}
	}
	return rows.Err()
}

// PurgeSessions deletes session rows, clean or persistent, whose client has
// been disconnected for longer than its SessionExpiryInterval (spec §4.5).
// Rows with no expiry interval are kept.
func (s *SQLiteSessionStore) PurgeSessions(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		delete from sessions
		where connected=0
		  and disconnected_at_ms is not null
		  and session_expiry_interval is not null
		  and ? - disconnected_at_ms > session_expiry_interval * 1000
	`, now)
	if err != nil {
		return fmt.Errorf("router: sqlite PurgeSessions: %w", err)
	}
	return nil
}

// PurgeQueuedMessages deletes queued rows for clients that no longer have
// a session (spec §4.5 periodic re-purge).
func (s *SQLiteSessionStore) PurgeQueuedMessages(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		delete from queued_messages
		where client_id not in (select client_id from sessions)
	`)
	if err != nil {
		return fmt.Errorf("router: sqlite PurgeQueuedMessages: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) IsPresent(ctx context.Context, clientID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `select 1 from sessions where client_id=?`, clientID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("router: sqlite IsPresent: %w", err)
	}
	return true, nil
}
