// Package ingest publishes journal entries to Kafka for the mirror consumer.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-sync/internal/storage"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaJournal struct {
	writer messageWriter
}

func NewKafkaJournal(brokers []string, topic string) *KafkaJournal {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaJournal{writer: w}
}

// Append keys each message by ride (or user) so one ride's entries stay on
// one partition, in order.
func (k *KafkaJournal) Append(ctx context.Context, e storage.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: b,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	})
}

func (k *KafkaJournal) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses a message written by Append.
func Decode(m kafka.Message) (storage.Entry, error) {
	var e storage.Entry
	if err := json.Unmarshal(m.Value, &e); err != nil {
		return storage.Entry{}, fmt.Errorf("decode journal message at offset %d: %w", m.Offset, err)
	}
	if e.Kind == "" {
		return storage.Entry{}, fmt.Errorf("journal message at offset %d has no kind", m.Offset)
	}
	return e, nil
}
