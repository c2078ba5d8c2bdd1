package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue: received bodies move to a processing
// list and leave it on Delete.
type RedisQueue struct {
	client     *redis.Client
	key        string
	processing string
}

// NewRedisQueue uses list name (for example "reminders") under the
// "clinic:queue:" prefix.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	if client == nil {
		panic("jobs: redis client cannot be nil")
	}
	if name == "" {
		panic("jobs: queue name cannot be empty")
	}
	key := "clinic:queue:" + name
	return &RedisQueue{client: client, key: key, processing: key + ":processing"}
}

func (q *RedisQueue) Send(ctx context.Context, body string) error {
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("jobs: redis push: %w", err)
	}
	return nil
}

// Receive waits up to waitSeconds for the first message, then drains up to
// maxMessages without blocking. The body doubles as the receipt handle.
func (q *RedisQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var (
		first string
		err   error
	)
	if waitSeconds > 0 {
		first, err = q.client.BRPopLPush(ctx, q.key, q.processing, time.Duration(waitSeconds)*time.Second).Result()
	} else {
		first, err = q.client.RPopLPush(ctx, q.key, q.processing).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: redis receive: %w", err)
	}

	messages := []Message{{ID: first, Body: first, ReceiptHandle: first}}
	for len(messages) < maxMessages {
		body, err := q.client.RPopLPush(ctx, q.key, q.processing).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return messages, fmt.Errorf("jobs: redis receive: %w", err)
		}
		messages = append(messages, Message{ID: body, Body: body, ReceiptHandle: body})
	}
	return messages, nil
}

func (q *RedisQueue) Delete(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	if err := q.client.LRem(ctx, q.processing, 1, receiptHandle).Err(); err != nil {
		return fmt.Errorf("jobs: redis ack: %w", err)
	}
	return nil
}

// Requeue moves every unacknowledged message back onto the queue; run it at
// worker start to recover from a crash.
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processing, q.key).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("jobs: redis requeue: %w", err)
		}
		moved++
	}
}
