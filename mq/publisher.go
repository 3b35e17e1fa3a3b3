package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"go.uber.org/zap"
)

const (
	KeyProcessing = "payment.processing"
	KeyCompleted  = "payment.completed"
	KeyFailed     = "payment.failed"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewPublisher(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p := NewChannelPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

// NewChannelPublisher publishes on an already open channel.
func NewChannelPublisher(ch Channel, exchange string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{ch: ch, exchange: exchange, timeout: 5 * time.Second, logger: logger}
}

func (p *Publisher) PublishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         b,
	})
}

// PaymentEvent is the message body published for every payment transition.
type PaymentEvent struct {
	EventID       string                `json:"event_id"`
	ClientID      string                `json:"client_id"`
	PaymentStatus models.PaymentStatus  `json:"payment_status"`
	Status        models.WorkflowStatus `json:"status"`
	Amount        *int64                `json:"amount,omitempty"`
	AmountPaid    *int64                `json:"amount_paid,omitempty"`
	Receipt       *string               `json:"receipt,omitempty"`
	ResultCode    *string               `json:"result_code,omitempty"`
	ResultDesc    *string               `json:"result_desc,omitempty"`
	OccurredAt    time.Time             `json:"occurred_at"`
}

func RoutingKey(s models.PaymentStatus) (string, bool) {
	switch s {
	case models.PaymentProcessing:
		return KeyProcessing, true
	case models.PaymentCompleted:
		return KeyCompleted, true
	case models.PaymentFailed:
		return KeyFailed, true
	}
	return "", false
}

// PaymentChanged publishes the transition. Broker failures are logged; the
// payment itself is already durable.
func (p *Publisher) PaymentChanged(ctx context.Context, e models.Event) {
	key, ok := RoutingKey(e.PaymentStatus)
	if !ok {
		return
	}
	msg := PaymentEvent{
		EventID:       e.ID,
		ClientID:      e.ClientID,
		PaymentStatus: e.PaymentStatus,
		Status:        e.Status,
		Amount:        e.PaymentAmount,
		AmountPaid:    e.AmountPaid,
		Receipt:       e.PaymentReceipt,
		ResultCode:    e.PaymentResultCode,
		ResultDesc:    e.PaymentResultDesc,
		OccurredAt:    time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.PublishJSON(ctx, key, msg); err != nil {
		p.logger.Warn("failed to publish payment event",
			zap.String("routing_key", key), zap.String("event_id", e.ID), zap.Error(err))
	}
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
