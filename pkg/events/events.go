// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

// Package events publishes payment and admin lifecycle events to an AMQP
// topic exchange. The publisher is optional: without AMQP_URL the runtime
// uses the no-op publisher.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/zhaopengme/mobclaw/pkg/logger"
)

// Routing keys.
const (
	KeyPaymentReceived = "mobclaw.payment.received"
	KeyPaymentSent     = "mobclaw.payment.sent"
	KeyPaymentRefunded = "mobclaw.payment.refunded"
	KeyAdminNotice     = "mobclaw.admin.notice"
)

// Envelope is the wire shape of every event.
type Envelope struct {
	ID         string      `json:"id"`
	Node       string      `json:"node"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// PaymentEvent is the Data payload of the payment routing keys.
type PaymentEvent struct {
	Counterparty string `json:"counterparty"`
	AmountPmob   int64  `json:"amount_pmob"`
}

// NoticeEvent is the Data payload of admin notices.
type NoticeEvent struct {
	Text string `json:"text"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, data interface{}) error
	Close() error
}

type amqpPublisher struct {
	conn     *amqp091.Connection
	exchange string
	node     string
}

// New connects to the broker and declares the topic exchange.
func New(url, exchange, node string) (Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &amqpPublisher{conn: conn, exchange: exchange, node: node}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, key string, data interface{}) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	envelope := Envelope{
		ID:         uuid.NewString(),
		Node:       p.node,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    envelope.ID,
		Timestamp:    envelope.OccurredAt,
		Body:         body,
	})
	if err == nil {
		logger.DebugCF("events", "Published event", map[string]interface{}{
			"key": key, "exchange": p.exchange,
		})
	}
	return err
}

func (p *amqpPublisher) Close() error { return p.conn.Close() }

type noop struct{}

func (noop) Publish(context.Context, string, interface{}) error { return nil }
func (noop) Close() error                                       { return nil }

// Noop returns a publisher that drops everything.
func Noop() Publisher { return noop{} }
