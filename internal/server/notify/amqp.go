package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes messages as JSON to a durable RabbitMQ queue
// consumed by the mail service.
type AMQPNotifier struct {
	conn  *amqp.Connection
	ch    publisher
	queue string

	mu sync.Mutex
}

// NewAMQPNotifier dials url and declares queue.
func NewAMQPNotifier(url, queue string) (*AMQPNotifier, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("amqp url is required")
	}
	if strings.TrimSpace(queue) == "" {
		return nil, errors.New("amqp queue is required")
	}

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

	return &AMQPNotifier{conn: conn, ch: ch, queue: queue}, nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         string(msg.Kind),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	if c, ok := n.ch.(*amqp.Channel); ok && c != nil {
		_ = c.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
