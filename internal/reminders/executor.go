package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-reminders/internal/audit"
	"github.com/wolfman30/clinic-reminders/internal/jobs"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// Executor runs reminder jobs taken off the queue.
type Executor struct {
	store       tickets.Store
	dispatchers map[Channel]Dispatcher
	sink        audit.Sink
	observer    Observer
	logger      *logging.Logger
}

var _ jobs.Handler = (*Executor)(nil)

// NewExecutor builds an executor for the given dispatchers.
func NewExecutor(store tickets.Store, sink audit.Sink, observer Observer, logger *logging.Logger, dispatchers ...Dispatcher) *Executor {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	byChannel := make(map[Channel]Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		byChannel[d.Channel()] = d
	}
	return &Executor{store: store, dispatchers: byChannel, sink: audit.OrNop(sink), observer: observer, logger: logger}
}

// Handle decodes a group and dispatches it. Members that left pending since
// the round ran are dropped first, so a redelivered job does not contact the
// recipient twice.
func (e *Executor) Handle(ctx context.Context, env jobs.Envelope) (string, error) {
	var g Group
	if err := env.DecodeGroup(&g); err != nil {
		return "", err
	}
	channel := ChannelChat
	if env.Kind == jobs.KindVoiceReminder {
		channel = ChannelVoice
	}
	d, ok := e.dispatchers[channel]
	if !ok {
		return "", fmt.Errorf("reminders: no dispatcher for %s", channel)
	}

	g.Members = e.stillPending(ctx, g)
	if len(g.Members) == 0 {
		e.logger.Info("reminders: nothing pending in group, skipping", "group_key", g.Key, "job_id", env.ID)
		e.observer.ObserveDispatch(string(channel), string(OutcomeSkipped), 0)
		return string(OutcomeSkipped), nil
	}

	started := time.Now()
	res, err := d.Dispatch(ctx, g)
	e.observer.ObserveDispatch(string(channel), string(res.Outcome), time.Since(started))

	if err != nil {
		if errors.Is(err, ErrNoPhone) || errors.Is(err, ErrNoRecipient) {
			e.logger.Warn("reminders: group skipped", "group_key", g.Key, "ticket_ids", g.TicketIDs(), "error", err)
			return string(OutcomeSkipped), nil
		}
		e.record(ctx, audit.Event{
			Type:      audit.EventDispatchFailed,
			TicketIDs: g.TicketIDs(),
			GroupKey:  g.Key,
			Channel:   string(channel),
			Outcome:   string(res.Outcome),
			Detail:    err.Error(),
		})
		return string(res.Outcome), err
	}

	e.record(ctx, audit.Event{
		Type:      audit.EventDispatched,
		TicketIDs: res.Queued,
		GroupKey:  g.Key,
		Channel:   string(channel),
		CallID:    res.Detail,
		Outcome:   string(res.Outcome),
	})
	return string(res.Outcome), nil
}

func (e *Executor) stillPending(ctx context.Context, g Group) []Member {
	kept := make([]Member, 0, len(g.Members))
	for _, m := range g.Members {
		current, err := e.store.Get(ctx, m.Ticket.ID)
		if err != nil {
			e.logger.Warn("reminders: reload ticket failed, dropping from group", "ticket_id", m.Ticket.ID, "group_key", g.Key, "error", err)
			continue
		}
		if current.State != tickets.StatePending {
			e.logger.Info("reminders: ticket already handled", "ticket_id", current.ID, "state", current.State, "group_key", g.Key)
			continue
		}
		m.Ticket = *current
		kept = append(kept, m)
	}
	return kept
}

func (e *Executor) record(ctx context.Context, ev audit.Event) {
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Warn("reminders: audit record failed", "group_key", ev.GroupKey, "event", ev.Type, "error", err)
	}
}
