// internal/events/kafka.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a topic, keyed by repository so one repository's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Repository),
		Value: body,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	p.logger.Debug("Published event", "type", e.Type, "id", e.ID, "repo", e.Repository)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
