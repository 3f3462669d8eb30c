package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"post_relay/internal/domain"
)

const ActionDelivered = "delivered"

// RabbitMQ mirrors every delivered post to an exchange so other systems can
// archive or react to relayed posts. The channel runs in confirm mode; a
// publish returns only after the broker acked it.
type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *slog.Logger
}

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	r := &RabbitMQ{
		conn:       conn,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger.With("exchange", cfg.Exchange),
	}

	if err := r.setup(cfg); err != nil {
		r.Close()
		return nil, err
	}

	r.logger.Info("connected to rabbitmq",
		"queue", cfg.QueueName,
		"routing_key", cfg.RoutingKey,
	)

	return r, nil
}

// setup declares a durable direct exchange and a durable queue bound to it.
func (r *RabbitMQ) setup(cfg Config) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	r.channel = ch

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

// PostMessage is the JSON body of a mirrored post.
type PostMessage struct {
	Action    string      `json:"action"`
	Handle    string      `json:"handle"`
	Post      domain.Post `json:"post"`
	MessageID int         `json:"message_id"`
	ChatID    string      `json:"chat_id"`
	Timestamp time.Time   `json:"timestamp"`
}

func (r *RabbitMQ) Publish(ctx context.Context, handle string, post domain.Post, receipt *domain.DeliveryReceipt) error {
	now := time.Now().UTC()
	msg := PostMessage{
		Action:    ActionDelivered,
		Handle:    handle,
		Post:      post,
		Timestamp: now,
	}
	if receipt != nil {
		msg.MessageID = receipt.MessageID
		msg.ChatID = receipt.ChatID
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		r.exchange,
		r.routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    handle + "/" + post.ID,
			Body:         body,
			Timestamp:    now,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return errors.New("publish message: nacked by broker")
	}

	r.logger.Debug("published post",
		"handle", handle,
		"post_id", post.ID,
	)

	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
