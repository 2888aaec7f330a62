package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vogler75/monster-mq"
)

// SQLiteStore implements MessageStore, LastValueSink and PurgeableSink over
// a single SQLite table, grounded on the schema/transaction-batching shape
// of f0f349c7_N2WQ-GoCluster's archive.go ("ensureSchema" + "flush inside a
// single transaction") adapted from its append-only spot log to a
// retained/last-value upsert table keyed by topic.
type SQLiteStore struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

// OpenSQLiteStore opens (creating if absent) a SQLite database at path and
// ensures table exists with the retained-value schema.
func OpenSQLiteStore(path, table string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nil, nil))
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("archive: sqlite open: %w", err)
	}
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: sqlite pragmas: %w", err)
	}
	s := &SQLiteStore{db: db, table: table, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := fmt.Sprintf(`
	create table if not exists %s (
		topic text primary key,
		payload blob not null,
		qos integer not null,
		ts integer not null
	);
	create index if not exists idx_%s_ts on %s(ts);
	`, s.table, s.table, s.table)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("archive: sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// AddAll upserts each message keyed by topic, inside a single transaction
// (spec §4.3 retained-writer batching; grounded on archive.go's flush()).
func (s *SQLiteStore) AddAll(ctx context.Context, msgs []*monster.BrokerMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`insert into %s(topic, payload, qos, ts) values(?, ?, ?, ?)
		 on conflict(topic) do update set payload=excluded.payload, qos=excluded.qos, ts=excluded.ts`, s.table))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("archive: sqlite prepare: %w", err)
	}
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.TopicName, m.Payload, uint8(m.QosLevel), m.Time.UnixMilli()); err != nil {
			s.logger.Error("sqlite upsert failed", slog.String("topic", m.TopicName), slog.Any("err", err))
		}
	}
	stmt.Close()
	return tx.Commit()
}

// DelAll removes any retained row for each of the given topics.
func (s *SQLiteStore) DelAll(ctx context.Context, topicNames []string) error {
	if len(topicNames) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`delete from %s where topic = ?`, s.table))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("archive: sqlite prepare: %w", err)
	}
	for _, t := range topicNames {
		if _, err := stmt.ExecContext(ctx, t); err != nil {
			s.logger.Error("sqlite delete failed", slog.String("topic", t), slog.Any("err", err))
		}
	}
	stmt.Close()
	return tx.Commit()
}

// FindMatchingMessages scans every stored topic against filter. SQLite has
// no native MQTT-wildcard operator, so the filter is applied in Go via
// monster.MatchTopic; a real deployment would additionally narrow the scan
// with a prefix LIKE clause on the filter's non-wildcard head, left as a
// possible follow-up since it is a pure performance concern.
func (s *SQLiteStore) FindMatchingMessages(ctx context.Context, filter string, cb func(*monster.BrokerMessage) bool) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`select topic, payload, qos, ts from %s`, s.table))
	if err != nil {
		return fmt.Errorf("archive: sqlite query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var topic string
		var payload []byte
		var qos uint8
		var ts int64
		if err := rows.Scan(&topic, &payload, &qos, &ts); err != nil {
			return fmt.Errorf("archive: sqlite scan: %w", err)
		}
		if !monster.MatchTopic(filter, topic) {
			continue
		}
		msg := &monster.BrokerMessage{
			TopicName: topic,
			Payload:   payload,
			QosLevel:  monster.QoS(qos),
			IsRetain:  true,
		}
		if !cb(msg) {
			break
		}
	}
	return rows.Err()
}

// AddHistory satisfies ArchiveSink by delegating to AddAll; a SQLiteStore
// used as a last-value sink has no separate append-only log.
func (s *SQLiteStore) AddHistory(ctx context.Context, msgs []*monster.BrokerMessage) error {
	return s.AddAll(ctx, msgs)
}

// GetConnectionStatus pings the underlying database handle.
func (s *SQLiteStore) GetConnectionStatus() error {
	return s.db.Ping()
}

// PurgeOlderThan deletes rows whose ts is older than retentionMs relative
// to now (SPEC_FULL.md supplemented purge loop, grounded on archive.go's
// cleanupOnce()).
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, retentionMs int64) error {
	cutoff := time.Now().UnixMilli() - retentionMs
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where ts < ?`, s.table), cutoff)
	if err != nil {
		return fmt.Errorf("archive: sqlite purge: %w", err)
	}
	return nil
}
