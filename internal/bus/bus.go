// Package bus carries workflow jobs and session events between the API
// and workflow workers over channels, NATS or Kafka.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// workerGroup is the default NATS queue group and Kafka consumer group.
const workerGroup = "kestrel-workers"

var errBusClosed = errors.New("bus is closed")

// New creates the event bus selected by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		b, err := NewNATSBus(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "kafka":
		b, err := NewKafkaBus(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func newMessage(topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
}

// encode wraps payload in a message envelope for network transports.
func encode(topic string, payload []byte) (*domain.Message, []byte, error) {
	msg := newMessage(topic, payload)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return msg, data, nil
}

func decode(data []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// deliver runs handler for msg and accounts for the outcome. Handler
// errors are logged; transports never redeliver.
func deliver(ctx context.Context, handler domain.MessageHandler, msg *domain.Message) {
	if err := handler(ctx, msg); err != nil {
		count(msg.Topic, "failed")
		slog.Error("handler error",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err,
		)
		return
	}
	count(msg.Topic, "handled")
}

func count(topic, outcome string) {
	metrics.BusMessagesTotal.WithLabelValues(topic, outcome).Inc()
}
