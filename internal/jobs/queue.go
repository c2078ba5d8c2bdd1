// Package jobs moves reminder work between the scheduler and the workers. A
// Queue carries opaque JSON bodies; Envelope is the shape every body takes.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is a visibility-timeout style work queue. Delete acknowledges a
// received message by its receipt handle.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue entry.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Kind selects the handler for a job.
type Kind string

const (
	KindChatReminder  Kind = "reminder.chat"
	KindVoiceReminder Kind = "reminder.voice"
)

// Queue names used by the Redis and AMQP backends.
const (
	QueueReminders  = "reminders"
	QueueVoiceCalls = "voice_calls"
)

// QueueName returns the default queue for kind.
func (k Kind) QueueName() string {
	if k == KindVoiceReminder {
		return QueueVoiceCalls
	}
	return QueueReminders
}

// Envelope wraps one reminder group for transport.
type Envelope struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Round       string          `json:"round"`
	LeadDays    int             `json:"lead_days"`
	Group       json.RawMessage `json:"group"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	TrackStatus bool            `json:"track_status,omitempty"`
}

// NewEnvelope marshals group into an envelope with a fresh id.
func NewEnvelope(kind Kind, round string, leadDays int, group any) (Envelope, error) {
	raw, err := json.Marshal(group)
	if err != nil {
		return Envelope{}, fmt.Errorf("jobs: encode group: %w", err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		Round:      round,
		LeadDays:   leadDays,
		Group:      raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// DecodeGroup unmarshals the envelope's group into out.
func (e Envelope) DecodeGroup(out any) error {
	if len(e.Group) == 0 {
		return fmt.Errorf("jobs: envelope %s has no group", e.ID)
	}
	if err := json.Unmarshal(e.Group, out); err != nil {
		return fmt.Errorf("jobs: decode group: %w", err)
	}
	return nil
}

func encodeEnvelope(env Envelope) (Envelope, string, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, "", fmt.Errorf("jobs: encode envelope: %w", err)
	}
	return env, string(body), nil
}
