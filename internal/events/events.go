// internal/events/events.go

// Package events publishes notification outcomes to a message broker so other
// services can react to delivered commit notifications.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// TypeNotificationSent is emitted after a repository's new commits were delivered.
const TypeNotificationSent = "notification.sent"

// Event is the JSON envelope published to the broker.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Repository string    `json:"repository"`
	CommitSHAs []string  `json:"commit_shas"`
	Messages   int       `json:"messages"`
	CycleID    string    `json:"cycle_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewNotificationSent builds a notification.sent event.
func NewNotificationSent(repository string, shas []string, messages int, cycleID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TypeNotificationSent,
		Repository: repository,
		CommitSHAs: shas,
		Messages:   messages,
		CycleID:    cycleID,
		Timestamp:  time.Now().UTC(),
	}
}

// Publisher sends events to a broker.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Config selects and configures the publisher.
type Config struct {
	Driver       string // none, kafka or amqp
	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string
}

// New returns the publisher for cfg.Driver.
func New(cfg Config, logger *slog.Logger) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return NopPublisher{}, nil
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger), nil
	case "amqp":
		return DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
