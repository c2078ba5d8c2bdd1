package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/jobs"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const defaultFetchConcurrency = 4

// Observer receives scheduling and dispatch counts.
type Observer interface {
	ObserveRound(round string)
	ObserveGroupEnqueued(channel string)
	ObserveUnresolved(n int)
	ObserveDispatch(channel, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRound(string)                           {}
func (nopObserver) ObserveGroupEnqueued(string)                   {}
func (nopObserver) ObserveUnresolved(int)                         {}
func (nopObserver) ObserveDispatch(string, string, time.Duration) {}

// Enqueuer publishes a job envelope.
type Enqueuer interface {
	Enqueue(ctx context.Context, env jobs.Envelope, meta jobs.Meta) (jobs.Envelope, error)
}

// SchedulerConfig sets round lead times.
type SchedulerConfig struct {
	ChatLeadDays  int
	VoiceLeadDays int
	// FetchConcurrency bounds parallel appointment lookups.
	FetchConcurrency int
}

// Scheduler runs reminder rounds: select pending tickets due on the target
// date, group them and enqueue one job per group.
type Scheduler struct {
	store         tickets.Store
	provider      booking.Provider
	chatResolver  Resolver
	voiceResolver Resolver
	enqueuer      Enqueuer
	clock         booking.Clock
	cfg           SchedulerConfig
	observer      Observer
	now           func() time.Time
	logger        *logging.Logger
}

// NewScheduler builds a scheduler. observer may be nil.
func NewScheduler(store tickets.Store, provider booking.Provider, chatResolver, voiceResolver Resolver, enqueuer Enqueuer, clock booking.Clock, cfg SchedulerConfig, observer Observer, logger *logging.Logger) *Scheduler {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchConcurrency
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		store:         store,
		provider:      provider,
		chatResolver:  chatResolver,
		voiceResolver: voiceResolver,
		enqueuer:      enqueuer,
		clock:         clock,
		cfg:           cfg,
		observer:      observer,
		now:           time.Now,
		logger:        logger,
	}
}

// RoundFor maps a requested lead time to a round. nil is a manual run of the
// chat round. The voice lead time selects the voice channel; any other value
// runs a chat round.
func (s *Scheduler) RoundFor(days *int) Round {
	if days == nil {
		return Round{Channel: ChannelChat, LeadDays: s.cfg.ChatLeadDays, Manual: true}
	}
	if *days == s.cfg.VoiceLeadDays && *days != s.cfg.ChatLeadDays {
		return Round{Channel: ChannelVoice, LeadDays: *days}
	}
	return Round{Channel: ChannelChat, LeadDays: *days}
}

// Summary describes one round.
type Summary struct {
	Round      string   `json:"round"`
	Channel    Channel  `json:"channel"`
	TargetDate string   `json:"target_date"`
	Tickets    int      `json:"tickets"`
	Groups     int      `json:"groups"`
	Enqueued   int      `json:"enqueued"`
	Unresolved int      `json:"unresolved"`
	Missing    int      `json:"missing_appointments"`
	JobIDs     []string `json:"job_ids,omitempty"`
}

// RunRound runs one round. Running it twice is safe: tickets the first run
// already moved to queued are no longer selected, and the executor skips
// tickets that left pending before their job ran.
func (s *Scheduler) RunRound(ctx context.Context, round Round) (Summary, error) {
	target := s.clock.DateAfter(s.now(), round.LeadDays)
	summary := Summary{Round: round.Label(), Channel: round.Channel, TargetDate: target}
	logger := s.logger.With("round", round.Label(), "channel", round.Channel, "target_date", target)

	due, err := s.store.Search(ctx, tickets.Filter{State: tickets.StatePending, AppointmentDate: target})
	if err != nil {
		return summary, fmt.Errorf("reminders: select due tickets: %w", err)
	}
	s.observer.ObserveRound(round.Label())

	selected := make([]tickets.Ticket, 0, len(due))
	for _, t := range due {
		if t.Matches(tickets.Filter{State: tickets.StatePending, AppointmentDate: target}) {
			selected = append(selected, t)
		}
	}
	summary.Tickets = len(selected)
	if len(selected) == 0 {
		logger.Info("reminders: no tickets due")
		return summary, nil
	}

	members, missing := s.loadMembers(ctx, selected, logger)
	summary.Missing = missing

	resolver := s.chatResolver
	if round.Channel == ChannelVoice {
		resolver = s.voiceResolver
	}
	groups, unresolved := BuildGroups(ctx, members, resolver, round)
	summary.Groups = len(groups)
	summary.Unresolved = len(unresolved)
	for _, u := range unresolved {
		logger.Warn("reminders: no recipient for ticket, left pending",
			"ticket_id", u.Member.Ticket.ID,
			"booking_id", u.Member.Ticket.BookingID,
			"error", u.Err,
		)
	}
	if len(unresolved) > 0 {
		s.observer.ObserveUnresolved(len(unresolved))
	}

	for _, g := range groups {
		env, err := jobs.NewEnvelope(round.Channel.Kind(), round.Label(), round.LeadDays, g)
		if err != nil {
			logger.Error("reminders: encode group", "group_key", g.Key, "error", err)
			continue
		}
		env, err = s.enqueuer.Enqueue(ctx, env, jobs.Meta{GroupKey: g.Key, TicketIDs: g.TicketIDs()})
		if err != nil {
			logger.Error("reminders: enqueue group failed, tickets stay pending",
				"group_key", g.Key, "ticket_ids", g.TicketIDs(), "error", err)
			continue
		}
		summary.Enqueued++
		summary.JobIDs = append(summary.JobIDs, env.ID)
		s.observer.ObserveGroupEnqueued(string(round.Channel))
	}

	logger.Info("reminders: round complete",
		"tickets", summary.Tickets,
		"groups", summary.Groups,
		"enqueued", summary.Enqueued,
		"unresolved", summary.Unresolved,
		"missing", summary.Missing,
	)
	return summary, nil
}

// loadMembers fetches each ticket's appointment. Tickets whose appointment
// is gone or cancelled, or could not be fetched, are left out of this round.
func (s *Scheduler) loadMembers(ctx context.Context, due []tickets.Ticket, logger *logging.Logger) ([]Member, int) {
	slots := make([]*Member, len(due))
	var (
		mu      sync.Mutex
		missing int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)
	for i, t := range due {
		i, t := i, t
		g.Go(func() error {
			appt, err := s.provider.GetAppointment(gctx, t.BookingID)
			if err != nil || appt == nil || appt.Cancelled {
				if err != nil && !errors.Is(err, booking.ErrNotFound) {
					logger.Warn("reminders: appointment lookup failed", "ticket_id", t.ID, "booking_id", t.BookingID, "error", err)
				} else {
					logger.Info("reminders: appointment missing, ticket skipped", "ticket_id", t.ID, "booking_id", t.BookingID)
				}
				mu.Lock()
				missing++
				mu.Unlock()
				return nil
			}
			slots[i] = &Member{Ticket: t, Appointment: *appt}
			return nil
		})
	}
	_ = g.Wait()

	members := make([]Member, 0, len(due))
	for _, m := range slots {
		if m != nil {
			members = append(members, *m)
		}
	}
	return members, missing
}
