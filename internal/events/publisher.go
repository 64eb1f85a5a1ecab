// Package events publishes token-lifecycle audit events to an AMQP
// queue so downstream consumers (alerting, usage accounting) can follow
// session activity without touching the broker's store.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Event names emitted by the broker.
const (
	SessionIssued  = "session.issued"
	SessionRotated = "session.rotated"
	SessionRevoked = "session.revoked"
	ClientCreated  = "client.created"
)

// Publisher emits audit events. Publishing is best effort: a failure is
// logged, never surfaced to the request that triggered it.
type Publisher interface {
	Publish(ctx context.Context, event string, payload map[string]string)
	Close() error
}

// Noop returns a publisher that drops everything, for deployments
// without a message broker.
func Noop() Publisher {
	return noopPublisher{}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, map[string]string) {}
func (noopPublisher) Close() error                                       { return nil }

type envelope struct {
	ID      string            `json:"id"`
	Event   string            `json:"event"`
	Time    time.Time         `json:"time"`
	Payload map[string]string `json:"payload,omitempty"`
}

// AMQPPublisher sends events to a durable queue over RabbitMQ.
type AMQPPublisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
}

// NewAMQP connects to the broker and declares the audit queue.
func NewAMQP(url, queue string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event string, payload map[string]string) {
	body, err := json.Marshal(envelope{
		ID:      uuid.New().String(),
		Event:   event,
		Time:    time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		p.logger.Error("failed to encode audit event", zap.String("event", event), zap.Error(err))
		return
	}

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("failed to publish audit event", zap.String("event", event), zap.Error(err))
	}
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
