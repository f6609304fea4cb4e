// Package ingest moves data between the engine and Kafka/Redis.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/observability"
)

const (
	publishTimeout = 2 * time.Second
	// a lone message waits at most this long for its batch to fill
	flushInterval = 10 * time.Millisecond
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes JSON messages to one topic. Dispatch events are keyed
// by order id and locations by driver id, so each entity's messages keep
// their order within a partition.
type KafkaProducer struct {
	writer messageWriter
}

// NewKafkaProducer returns a producer whose writes wait for the broker.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: newWriter(brokers, topic)}
}

// NewAsyncKafkaProducer returns a producer whose writes return as soon as the
// message is queued. Delivery failures are logged and counted.
func NewAsyncKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	w := newWriter(brokers, topic)
	w.Async = true
	w.Completion = deliveryReporter(topic, logger)
	return &KafkaProducer{writer: w}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           flushInterval,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

func deliveryReporter(topic string, logger *slog.Logger) func([]kafka.Message, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		observability.PublishFailures.WithLabelValues(topic).Add(float64(len(msgs)))
		keys := make([]string, len(msgs))
		for i, m := range msgs {
			keys[i] = string(m.Key)
		}
		logger.Warn("kafka delivery failed", "topic", topic, "messages", len(msgs), "keys", keys, "error", err)
	}
}

// Publish sends a dispatch event.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.DispatchEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return k.write(ctx, ev.OrderID, ev, kafka.Header{Key: "type", Value: []byte(ev.Type)})
}

// PublishLocation sends a driver fix for the location consumer.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	return k.write(ctx, u.DriverID, u)
}

func (k *KafkaProducer) write(ctx context.Context, key string, v any, headers ...kafka.Header) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b, Headers: headers})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
