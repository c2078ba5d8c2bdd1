package jobs

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const amqpPollInterval = 200 * time.Millisecond

// amqpChannel is the subset of *amqp.Channel the queue uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
}

// AMQPQueue implements Queue on a RabbitMQ durable queue using basic.get so
// it shares the poll-and-ack shape of the other backends.
type AMQPQueue struct {
	mu    sync.Mutex
	ch    amqpChannel
	queue string
}

// DialAMQP connects to url and declares queue.
func DialAMQP(url, queue string) (*AMQPQueue, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("jobs: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("jobs: amqp channel: %w", err)
	}
	q, err := NewAMQPQueue(ch, queue)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return q, conn, nil
}

// NewAMQPQueue declares queue as durable on ch.
func NewAMQPQueue(ch amqpChannel, queue string) (*AMQPQueue, error) {
	if ch == nil {
		panic("jobs: amqp channel cannot be nil")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("jobs: declare queue %s: %w", queue, err)
	}
	return &AMQPQueue{ch: ch, queue: queue}, nil
}

func (q *AMQPQueue) Send(ctx context.Context, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         []byte(body),
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("jobs: amqp publish: %w", err)
	}
	return nil
}

func (q *AMQPQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		messages, err := q.drain(maxMessages)
		if err != nil || len(messages) > 0 {
			return messages, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(amqpPollInterval):
		}
	}
}

func (q *AMQPQueue) drain(max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var messages []Message
	for len(messages) < max {
		d, ok, err := q.ch.Get(q.queue, false)
		if err != nil {
			return messages, fmt.Errorf("jobs: amqp get: %w", err)
		}
		if !ok {
			break
		}
		messages = append(messages, Message{
			ID:            d.MessageId,
			Body:          string(d.Body),
			ReceiptHandle: strconv.FormatUint(d.DeliveryTag, 10),
		})
	}
	return messages, nil
}

func (q *AMQPQueue) Delete(_ context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	tag, err := strconv.ParseUint(receiptHandle, 10, 64)
	if err != nil {
		return fmt.Errorf("jobs: bad delivery tag %q: %w", receiptHandle, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("jobs: amqp ack: %w", err)
	}
	return nil
}
