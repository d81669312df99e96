// internal/events/events_test.go
package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockWriter) Close() error {
	return m.Called().Error(0)
}

type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, key, msg)
	return args.Error(0)
}

func (m *MockChannel) Close() error {
	return m.Called().Error(0)
}

func TestNewNotificationSent(t *testing.T) {
	e := NewNotificationSent("o/r:main", []string{"a", "b"}, 1, "cycle-1")

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, TypeNotificationSent, e.Type)
	assert.Equal(t, "o/r:main", e.Repository)
	assert.Equal(t, []string{"a", "b"}, e.CommitSHAs)
	assert.False(t, e.Timestamp.IsZero())
	assert.NotEqual(t, e.ID, NewNotificationSent("o/r", nil, 1, "").ID)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	event := NewNotificationSent("o/r", []string{"abc"}, 1, "cycle-1")

	t.Run("keys the message by repository", func(t *testing.T) {
		writer := new(MockWriter)
		p := &KafkaPublisher{writer: writer, logger: discard}

		writer.On("WriteMessages", ctx, mock.MatchedBy(func(msgs []kafka.Message) bool {
			if len(msgs) != 1 || string(msgs[0].Key) != "o/r" {
				return false
			}
			var decoded Event
			return json.Unmarshal(msgs[0].Value, &decoded) == nil && decoded.ID == event.ID
		})).Return(nil).Once()

		require.NoError(t, p.Publish(ctx, event))
		writer.AssertExpectations(t)
	})

	t.Run("wraps writer errors", func(t *testing.T) {
		writer := new(MockWriter)
		p := &KafkaPublisher{writer: writer, logger: discard}
		writer.On("WriteMessages", ctx, mock.Anything).Return(errors.New("broker down")).Once()

		err := p.Publish(ctx, event)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker down")
	})
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	event := NewNotificationSent("o/r", []string{"abc"}, 2, "")

	ch := new(MockChannel)
	p := &AMQPPublisher{exchange: "commit-notifier", logger: discard, channel: ch}

	ch.On("PublishWithContext", ctx, "commit-notifier", TypeNotificationSent, mock.MatchedBy(func(msg amqp.Publishing) bool {
		return msg.MessageId == event.ID && msg.ContentType == "application/json" && msg.DeliveryMode == amqp.Persistent
	})).Return(nil).Once()
	ch.On("Close").Return(nil).Once()

	require.NoError(t, p.Publish(ctx, event))
	require.NoError(t, p.Close())
	ch.AssertExpectations(t)
}

func TestNew(t *testing.T) {
	p, err := New(Config{Driver: "none"}, discard)
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, p)
	assert.NoError(t, p.Publish(context.Background(), Event{}))

	p, err = New(Config{Driver: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "t"}, discard)
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, p)
	assert.NoError(t, p.Close())

	_, err = New(Config{Driver: "carrier-pigeon"}, discard)
	assert.Error(t, err)
}
