package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// FanoutJob is the wire payload of a queued fan-out.
type FanoutJob struct {
	CommunicationID int `json:"communication_id"`
}

// AMQPQueue publishes jobs to RabbitMQ; cmd/worker consumes them.
type AMQPQueue struct {
	ch     *amqp.Channel
	logger *zap.Logger
}

func NewAMQPQueue(conn *amqp.Connection, logger *zap.Logger) (*AMQPQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &AMQPQueue{ch: ch, logger: logger}, nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	return q.publish(topic, payload, 0)
}

// PublishWithDelay schedules an in-process delayed publish. Restart
// durability comes from the periodic due-scan, not from the broker.
func (q *AMQPQueue) PublishWithDelay(topic string, payload any, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(topic, payload)
	}
	time.AfterFunc(delay, func() {
		if err := q.Publish(topic, payload); err != nil {
			q.logger.Error("delayed publish failed", zap.String("topic", topic), zap.Error(err))
		}
	})
	return nil
}

// Subscribe is not supported on the publisher side; workers consume with
// their own channel so ack/requeue stays under their control.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	return fmt.Errorf("subscribe not supported on AMQP publisher; consume from cmd/worker")
}

func (q *AMQPQueue) publish(topic string, payload any, retryCount int) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	if _, err := q.ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	return q.ch.Publish(
		"",    // exchange
		topic, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Headers:      amqp.Table{"x-retry-count": int32(retryCount)},
		},
	)
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case int:
		return json.Marshal(FanoutJob{CommunicationID: p})
	case FanoutJob:
		return json.Marshal(p)
	default:
		return json.Marshal(payload)
	}
}

var _ Queue = (*AMQPQueue)(nil)
