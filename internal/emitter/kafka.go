package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yairfalse/vouch/internal/storage"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka emitter.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaEmitter publishes every compliance log entry to a topic, keyed by org.
type KafkaEmitter struct {
	writer kafkaWriter
	topic  string
}

// AuditEvent is the message body published for each log entry.
type AuditEvent struct {
	Type        string                `json:"type"`
	Remediation bool                  `json:"remediation"`
	Entry       storage.ComplianceLog `json:"entry"`
}

// NewKafkaEmitter validates cfg and creates a writer.
func NewKafkaEmitter(cfg KafkaConfig) (*KafkaEmitter, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka topic required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
	}
	return &KafkaEmitter{writer: w, topic: topic}, nil
}

// Emit publishes the result's log entries. Results without entries are skipped.
func (k *KafkaEmitter) Emit(ctx context.Context, result CheckResult) error {
	if k == nil || k.writer == nil {
		return fmt.Errorf("kafka emitter not initialized")
	}
	if len(result.Logs) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(result.Logs))
	for _, entry := range result.Logs {
		value, err := json.Marshal(AuditEvent{
			Type:        "compliance.log",
			Remediation: result.Remediation,
			Entry:       entry,
		})
		if err != nil {
			return fmt.Errorf("marshal audit event %s: %w", entry.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(entry.Org),
			Value: value,
			Time:  entry.CreatedAt,
		})
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d audit events to %s: %w", len(msgs), k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaEmitter) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
