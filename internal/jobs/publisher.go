package jobs

import (
	"context"
	"fmt"

	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// Publisher routes envelopes to the queue for their kind.
type Publisher struct {
	queues map[Kind]Queue
	status StatusStore
	logger *logging.Logger
}

// NewPublisher builds a publisher. status may be nil to skip job tracking.
func NewPublisher(queues map[Kind]Queue, status StatusStore, logger *logging.Logger) *Publisher {
	if len(queues) == 0 {
		panic("jobs: at least one queue required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queues: queues, status: status, logger: logger}
}

// Meta describes the group for the status record.
type Meta struct {
	GroupKey  string
	TicketIDs []int64
}

// Enqueue sends env and returns it with its id assigned.
func (p *Publisher) Enqueue(ctx context.Context, env Envelope, meta Meta) (Envelope, error) {
	queue, ok := p.queues[env.Kind]
	if !ok {
		return Envelope{}, fmt.Errorf("jobs: no queue for kind %q", env.Kind)
	}
	env.TrackStatus = p.status != nil
	env, body, err := encodeEnvelope(env)
	if err != nil {
		return Envelope{}, err
	}

	if p.status != nil {
		rec := &Record{
			JobID:     env.ID,
			Kind:      env.Kind,
			Round:     env.Round,
			GroupKey:  meta.GroupKey,
			TicketIDs: meta.TicketIDs,
		}
		if err := p.status.PutPending(ctx, rec); err != nil {
			// The job still runs; only its status is lost.
			p.logger.Warn("jobs: failed to record pending job", "job_id", env.ID, "error", err)
		}
	}

	if err := queue.Send(ctx, body); err != nil {
		return Envelope{}, fmt.Errorf("jobs: enqueue %s: %w", env.Kind, err)
	}
	p.logger.Debug("jobs: enqueued", "job_id", env.ID, "kind", env.Kind, "round", env.Round, "group_key", meta.GroupKey)
	return env, nil
}
