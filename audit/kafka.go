package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rosterhq/roster/model"
)

// KafkaStreamer publishes every audit entry to a Kafka topic, keyed by
// resource id so entries for one resource land on one partition in order.
type KafkaStreamer struct {
	writer *kafka.Writer
}

// NewKafkaStreamer builds a streamer for the given brokers and topic.
func NewKafkaStreamer(brokers []string, topic string) (*KafkaStreamer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Async:        false,
	})
	return &KafkaStreamer{writer: writer}, nil
}

func (s *KafkaStreamer) Publish(ctx context.Context, entry *model.AuditEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("kafka: marshal audit entry: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.ResourceID),
		Value: value,
		Time:  entry.Timestamp,
	})
}

// Close flushes and closes the underlying writer.
func (s *KafkaStreamer) Close() error {
	return s.writer.Close()
}
