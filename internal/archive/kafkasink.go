package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/vogler75/monster-mq"
)

// KafkaSink is an ArchiveSink (history only; it does not implement
// LastValueSink, since Kafka has no update-in-place semantics) that
// produces each archived message as a record keyed by topic name,
// grounded on the client-construction and produce-callback idiom of the
// pack's franz-go examples (kirilldd2-franz-go, rodaine-franz-go) and
// wired to Prometheus via the pack's kprom plugin (SPEC_FULL.md DOMAIN
// STACK).
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
	format string

	mu     sync.Mutex
	lastOK bool
	lastErr error
}

// wireRecord is the JSON envelope produced for each archived message when
// format is "json" (the default); "raw" produces the payload bytes as-is.
type wireRecord struct {
	Topic    string `json:"topic"`
	Payload  []byte `json:"payload"`
	Qos      uint8  `json:"qos"`
	Retain   bool   `json:"retain"`
	ClientID string `json:"clientId"`
	TimeMs   int64  `json:"timeMs"`
}

// NewKafkaSink dials brokers and returns a sink that produces to
// destinationTopic. format is "json" or "raw".
func NewKafkaSink(brokers []string, destinationTopic, format string, logger *slog.Logger) (*KafkaSink, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nil, nil))
	}
	if format == "" {
		format = "json"
	}

	metrics := kprom.NewMetrics("monster_mq_archive_kafka")
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(metrics),
		kgo.ProducerBatchMaxBytes(4*1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: kafka client: %w", err)
	}

	return &KafkaSink{client: client, topic: destinationTopic, logger: logger, format: format, lastOK: true}, nil
}

// Close flushes in-flight produces and releases the client's connections.
func (k *KafkaSink) Close(ctx context.Context) error {
	if err := k.client.Flush(ctx); err != nil {
		return fmt.Errorf("archive: kafka flush on close: %w", err)
	}
	k.client.Close()
	return nil
}

// AddHistory produces one Kafka record per message, in order, without
// waiting for individual acks; a WaitGroup blocks AddHistory's return
// until every record in the block has been acked or failed (spec §4.3
// "full block appended in order").
func (k *KafkaSink) AddHistory(ctx context.Context, msgs []*monster.BrokerMessage) error {
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	for _, msg := range msgs {
		value, err := k.encode(msg)
		if err != nil {
			k.logger.Error("kafka encode failed", slog.String("topic", msg.TopicName), slog.Any("err", err))
			continue
		}
		rec := &kgo.Record{Topic: k.topic, Key: []byte(msg.TopicName), Value: value}

		wg.Add(1)
		k.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
			defer wg.Done()
			k.recordStatus(err)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				k.logger.Error("kafka produce failed", slog.String("topic", msg.TopicName), slog.Any("err", err))
			}
		})
	}
	wg.Wait()
	return firstErr
}

func (k *KafkaSink) encode(msg *monster.BrokerMessage) ([]byte, error) {
	if k.format == "raw" {
		return msg.Payload, nil
	}
	return json.Marshal(wireRecord{
		Topic:    msg.TopicName,
		Payload:  msg.Payload,
		Qos:      uint8(msg.QosLevel),
		Retain:   msg.IsRetain,
		ClientID: msg.ClientID,
		TimeMs:   msg.Time.UnixMilli(),
	})
}

func (k *KafkaSink) recordStatus(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastOK = err == nil
	k.lastErr = err
}

// GetConnectionStatus reports the outcome of the most recent produce.
func (k *KafkaSink) GetConnectionStatus() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.lastOK {
		return nil
	}
	return k.lastErr
}
