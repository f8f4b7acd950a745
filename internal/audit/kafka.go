package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the slice of kafka.Writer the publisher needs; tests
// substitute a stub.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher mirrors audit records onto a Kafka topic so downstream systems
// can consume classification outcomes without scraping files.
type Publisher struct {
	writer messageWriter
}

// NewPublisher builds a Publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}}
}

// newPublisherWithWriter wires a custom writer, used by tests.
func newPublisherWithWriter(w messageWriter) *Publisher {
	return &Publisher{writer: w}
}

// Publish sends one record, keyed by run so a run's records stay ordered
// within a partition.
func (p *Publisher) Publish(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.RunID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("motionscript." + rec.Kind)},
			{Key: "run_id", Value: []byte(rec.RunID)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
