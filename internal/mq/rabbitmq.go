package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/debtdesk/apiserver/config"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const appID = "debtdesk-apiserver"

// RabbitMQClient publishes events to one topic exchange with publisher
// confirms. A channel name is the routing key; each subscriber channel gets
// a queue of the same name bound to that key.
type RabbitMQClient struct {
	conn       *amqp.Connection
	publisher  *amqp.Channel
	exchange   string
	durable    bool
	autoDelete bool
	prefetch   int
}

// NewRabbitMQClient dials the broker, declares the events exchange and puts
// the publishing channel in confirm mode.
func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		return nil, errors.New("rabbitmq exchange is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &RabbitMQClient{
		conn:       conn,
		publisher:  ch,
		exchange:   exchange,
		durable:    cfg.QueueDurable,
		autoDelete: cfg.QueueAutoDelete,
		prefetch:   cfg.PrefetchCount,
	}, nil
}

// Publish routes a message to the exchange and waits for the broker to
// confirm it or for ctx to end.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	msg := newPublishing(channel, data, attrs, r.durable)
	confirm, err := r.publisher.PublishWithDeferredConfirmWithContext(ctx, r.exchange, channel, false, false, msg)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", channel, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("confirm %s: %w", channel, err)
	}
	if !acked {
		return "", fmt.Errorf("broker rejected %s message %s", channel, msg.MessageId)
	}
	return msg.MessageId, nil
}

// Subscribe binds the channel's queue to the exchange and hands each
// delivery to handler until ctx ends. Failed deliveries are requeued.
func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return errors.New("rabbitmq channel is required")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if r.prefetch > 0 {
		if err := ch.Qos(r.prefetch, 0, false); err != nil {
			return err
		}
	}
	if _, err := ch.QueueDeclare(channel, r.durable, r.autoDelete, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", channel, err)
	}
	if err := ch.QueueBind(channel, channel, r.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", channel, err)
	}

	deliveries, err := ch.Consume(channel, "debtdesk-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handler(ctx, deliveryMessage(delivery)); err != nil {
				_ = delivery.Nack(false, true)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}

// Close closes the publishing channel and the connection.
func (r *RabbitMQClient) Close() error {
	if r.publisher != nil {
		_ = r.publisher.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// newPublishing stamps an event with its channel as type and, for batch
// events, the batch id as correlation id.
func newPublishing(channel string, data []byte, attrs map[string]string, durable bool) amqp.Publishing {
	headers := amqp.Table{}
	for key, value := range attrs {
		headers[key] = value
	}
	contentType := attrs["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	mode := amqp.Transient
	if durable {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  mode,
		MessageId:     uuid.NewString(),
		CorrelationId: attrs["batch-id"],
		Type:          channel,
		Timestamp:     time.Now().UTC(),
		AppId:         appID,
		Headers:       headers,
		Body:          data,
	}
}

func deliveryMessage(delivery amqp.Delivery) Message {
	attrs := headersToAttributes(delivery.Headers)
	if delivery.Type != "" {
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrs["type"] = delivery.Type
	}
	return Message{ID: delivery.MessageId, Data: delivery.Body, Attributes: attrs}
}

func headersToAttributes(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for key, value := range headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	return attrs
}
