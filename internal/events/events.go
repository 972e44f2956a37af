// Package events publishes activity events to an AMQP topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/session"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Event types double as routing keys.
const (
	TypeSessionStateChanged = "session.state_changed.v1"
	TypeBundleFlushed       = "bundle.flushed.v1"
	TypeReplySent           = "reply.sent.v1"
)

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type SessionStateChanged struct {
	Channel   domain.Channel      `json:"channel"`
	SessionID string              `json:"sessionId"`
	AccountID string              `json:"accountId"`
	From      domain.SessionState `json:"from"`
	To        domain.SessionState `json:"to"`
	Reason    string              `json:"reason,omitempty"`
}

type BundleFlushed struct {
	Key       domain.ConversationKey  `json:"key"`
	SessionID string                  `json:"sessionId"`
	Counts    map[domain.Modality]int `json:"counts"`
}

type ReplySent struct {
	Key       domain.ConversationKey `json:"key"`
	SessionID string                 `json:"sessionId"`
	MessageID string                 `json:"messageId,omitempty"`
	Status    string                 `json:"status"`
	Error     string                 `json:"error,omitempty"`
}

// BundleCounts reports how many items each non-empty modality holds.
func BundleCounts(b domain.Bundle) map[domain.Modality]int {
	counts := make(map[domain.Modality]int)
	for _, m := range domain.Modalities {
		n := len(b.Media(m))
		if m == domain.ModalityText {
			n = len(b.Texts)
		}
		if n > 0 {
			counts[m] = n
		}
	}
	return counts
}

// Sink is what components publish through.
type Sink interface {
	Publish(ctx context.Context, eventType, correlationID string, data any) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }

func (Nop) SessionChanged(context.Context, session.Change) {}

// amqpChannel is the subset of *amqp091.Channel used for publishing.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type Publisher struct {
	conn        *amqp091.Connection
	openChannel func() (amqpChannel, error)
	exchange    string
	producer    string
	log         *slog.Logger
}

// NewPublisher dials url and declares exchange as a durable topic exchange.
func NewPublisher(url, exchange, producer string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := newPublisher(func() (amqpChannel, error) { return conn.Channel() }, exchange, producer, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(open func() (amqpChannel, error), exchange, producer string, logger *slog.Logger) *Publisher {
	return &Publisher{
		openChannel: open,
		exchange:    exchange,
		producer:    producer,
		log:         logger.With("component", "events"),
	}
}

// Publish wraps data in an Envelope and sends it with eventType as the
// routing key. An empty correlationID gets a fresh one.
func (p *Publisher) Publish(ctx context.Context, eventType, correlationID string, data any) error {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	producer := p.producer
	env := Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			CorrelationID: &correlationID,
			Producer:      &producer,
			Time:          time.Now().UTC(),
			Type:          eventType,
		},
		Data: data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ch, err := p.openChannel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, eventType, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlationID,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	p.log.Debug("published", "type", eventType, "exchange", p.exchange)
	return nil
}

// SessionChanged publishes every session transition.
func (p *Publisher) SessionChanged(ctx context.Context, c session.Change) {
	err := p.Publish(ctx, TypeSessionStateChanged, c.SessionID, SessionStateChanged{
		Channel:   c.Channel,
		SessionID: c.SessionID,
		AccountID: c.AccountID,
		From:      c.From,
		To:        c.To,
		Reason:    c.Reason,
	})
	if err != nil {
		p.log.Warn("failed to publish session change", "session_id", c.SessionID, "error", err)
	}
}

func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
