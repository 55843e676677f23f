package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications as JSON events keyed by order id, so all
// events of one order land on the same partition.
type Kafka struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaWriter builds the writer used by NewKafka.
func NewKafkaWriter(brokers []string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		Logger:   zap.NewStdLog(logger.With(zap.String("kafka_component", "notifier"))),
	}
}

func NewKafka(writer MessageWriter, topic string, logger *zap.Logger) *Kafka {
	return &Kafka{writer: writer, topic: topic, logger: logger}
}

func (k *Kafka) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(n.OrderID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(n.Event)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Error("Failed to produce notification to Kafka topic",
			zap.String("topic", k.topic),
			zap.String("order_id", n.OrderID),
			zap.Error(err))
		return fmt.Errorf("failed to produce notification: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}
