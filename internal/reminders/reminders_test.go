package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-reminders/internal/appointments"
	"github.com/wolfman30/clinic-reminders/internal/audit"
	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/chat"
	"github.com/wolfman30/clinic-reminders/internal/jobs"
	"github.com/wolfman30/clinic-reminders/internal/profiles"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
	"github.com/wolfman30/clinic-reminders/internal/voice"
)

// 10:00 on 2025-12-07 at the clinic.
var now = time.Date(2025, 12, 7, 2, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	byID map[int64]profiles.Profile
	err  error
}

func (d *fakeDirectory) Get(_ context.Context, id int64) (*profiles.Profile, error) {
	if d.err != nil {
		return nil, d.err
	}
	p, ok := d.byID[id]
	if !ok {
		return nil, profiles.ErrNotFound
	}
	return &p, nil
}

func (d *fakeDirectory) FindByChatUserID(_ context.Context, chatUserID string) (*profiles.Profile, error) {
	for _, p := range d.byID {
		if p.ChatUserID == chatUserID {
			return &p, nil
		}
	}
	return nil, profiles.ErrNotFound
}

func (d *fakeDirectory) Upsert(_ context.Context, p profiles.Profile) (*profiles.Profile, error) {
	d.byID[p.ID] = p
	return &p, nil
}

type fakeSender struct {
	mu    sync.Mutex
	err   error
	calls map[string][]chat.Message
}

func (s *fakeSender) Push(_ context.Context, to string, messages []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.calls == nil {
		s.calls = make(map[string][]chat.Message)
	}
	s.calls[to] = append(s.calls[to], messages...)
	return nil
}

type fakeDialer struct {
	err      error
	requests []voice.CallRequest
}

func (d *fakeDialer) PlaceCall(_ context.Context, req voice.CallRequest) (*voice.CallResult, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.requests = append(d.requests, req)
	return &voice.CallResult{CallID: fmt.Sprintf("C%d", len(d.requests))}, nil
}

type recordingSink struct {
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, e audit.Event) error {
	s.events = append(s.events, e)
	return nil
}

type fixture struct {
	clock    booking.Clock
	store    *tickets.MemoryStore
	ledger   *tickets.Ledger
	provider *booking.MemoryProvider
	dir      *fakeDirectory
	sender   *fakeSender
	dialer   *fakeDialer
	sink     *recordingSink
	queues   map[jobs.Kind]*jobs.MemoryQueue
	sched    *Scheduler
	exec     *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    booking.NewClock(8),
		store:    tickets.NewMemoryStore(),
		provider: booking.NewMemoryProvider(30 * time.Minute),
		dir:      &fakeDirectory{byID: map[int64]profiles.Profile{}},
		sender:   &fakeSender{},
		dialer:   &fakeDialer{},
		sink:     &recordingSink{},
		queues: map[jobs.Kind]*jobs.MemoryQueue{
			jobs.KindChatReminder:  jobs.NewMemoryQueue(64),
			jobs.KindVoiceReminder: jobs.NewMemoryQueue(64),
		},
	}
	f.ledger = tickets.NewLedger(f.store, nil, nil)
	pub := jobs.NewPublisher(map[jobs.Kind]jobs.Queue{
		jobs.KindChatReminder:  f.queues[jobs.KindChatReminder],
		jobs.KindVoiceReminder: f.queues[jobs.KindVoiceReminder],
	}, nil, nil)
	f.sched = NewScheduler(f.store, f.provider, ChatChain(f.dir), VoiceChain(f.dir), pub, f.clock,
		SchedulerConfig{ChatLeadDays: 3, VoiceLeadDays: 1}, nil, nil)
	f.sched.now = func() time.Time { return now }

	chatD := NewChatDispatcher(f.sender, f.ledger, f.clock, time.Second, nil)
	chatD.now = func() time.Time { return now }
	voiceD := NewVoiceDispatcher(f.dialer, f.dir, f.ledger, f.clock, time.Second, nil)
	voiceD.now = func() time.Time { return now }
	f.exec = NewExecutor(f.store, f.sink, nil, nil, chatD, voiceD)
	return f
}

type seed struct {
	ticketID    int64
	bookingID   string
	date        string
	hhmm        string
	chatUserID  string
	requesterID int64
	notes       string
	phone       string
}

func (f *fixture) add(t *testing.T, s seed) {
	t.Helper()
	start, err := f.clock.At(s.date, s.hhmm)
	require.NoError(t, err)
	f.provider.Put(booking.Appointment{
		ID:            s.bookingID,
		Start:         start,
		Duration:      30 * time.Minute,
		CustomerName:  "Lin",
		CustomerPhone: s.phone,
		ServiceName:   "General",
		ServiceNotes:  s.notes,
	})
	f.store.Put(tickets.Ticket{
		ID:              s.ticketID,
		BookingID:       s.bookingID,
		AppointmentDate: s.date,
		AppointmentTime: s.hhmm,
		State:           tickets.StatePending,
		ChatUserID:      s.chatUserID,
		RequesterID:     s.requesterID,
	})
}

// drain runs every queued job of kind through the executor.
func (f *fixture) drain(t *testing.T, kind jobs.Kind) []string {
	t.Helper()
	var outcomes []string
	q := f.queues[kind]
	for q.Len() > 0 {
		msgs, err := q.Receive(context.Background(), 10, 1)
		require.NoError(t, err)
		for _, msg := range msgs {
			var env jobs.Envelope
			require.NoError(t, json.Unmarshal([]byte(msg.Body), &env))
			outcome, _ := f.exec.Handle(context.Background(), env)
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes
}

func (f *fixture) ticket(t *testing.T, id int64) *tickets.Ticket {
	t.Helper()
	tk, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func days(n int) *int { return &n }

func TestIdentityChainOrder(t *testing.T) {
	dir := &fakeDirectory{byID: map[int64]profiles.Profile{
		7: {ID: 7, ChatUserID: "U-profile"},
		8: {ID: 8},
	}}
	chain := VoiceChain(dir)
	ctx := context.Background()

	id, ok, err := chain.Resolve(ctx, Member{Ticket: tickets.Ticket{ChatUserID: "U-direct", RequesterID: 7}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "U-direct", id.ChatUserID)
	assert.Equal(t, "ticket", id.Source)

	id, ok, _ = chain.Resolve(ctx, Member{Ticket: tickets.Ticket{RequesterID: 7}})
	require.True(t, ok)
	assert.Equal(t, "U-profile", id.ChatUserID)

	id, ok, _ = chain.Resolve(ctx, Member{
		Ticket:      tickets.Ticket{RequesterID: 8},
		Appointment: booking.Appointment{CustomerNotes: "walk-in\n[LINE_USER] U-notes"},
	})
	require.True(t, ok)
	assert.Equal(t, "U-notes", id.ChatUserID)
	assert.Equal(t, "notes", id.Source)

	id, ok, _ = chain.Resolve(ctx, Member{Ticket: tickets.Ticket{RequesterID: 8}})
	require.True(t, ok)
	assert.Empty(t, id.ChatUserID)
	assert.Equal(t, "profile:8", id.Key())

	_, ok, err = ChatChain(dir).Resolve(ctx, Member{Ticket: tickets.Ticket{RequesterID: 8}})
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestIdentityChainSurfacesLookupErrorOnlyWhenUnresolved(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("directory down")}
	chain := ChatChain(dir)

	_, ok, err := chain.Resolve(context.Background(), Member{Ticket: tickets.Ticket{RequesterID: 3}})
	assert.False(t, ok)
	assert.EqualError(t, err, "directory down")

	id, ok, err := chain.Resolve(context.Background(), Member{
		Ticket:      tickets.Ticket{RequesterID: 3},
		Appointment: booking.Appointment{ServiceNotes: "[LINE_USER] U9"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "U9", id.ChatUserID)
}

func TestRoundContextAndSelection(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, Round{Channel: ChannelChat, LeadDays: 3, Manual: true}, f.sched.RoundFor(nil))
	assert.Equal(t, ChannelVoice, f.sched.RoundFor(days(1)).Channel)
	assert.Equal(t, ChannelChat, f.sched.RoundFor(days(3)).Channel)
	assert.Equal(t, ChannelChat, f.sched.RoundFor(days(0)).Channel)

	assert.Equal(t, "manual run", Round{Manual: true}.Context())
	assert.Equal(t, "same day", Round{}.Context())
	assert.Equal(t, "3 days before", Round{LeadDays: 3}.Context())
	assert.Equal(t, "d3", Round{LeadDays: 3}.Label())
}

func TestBuildGroupsPartitionsEveryMemberOnce(t *testing.T) {
	users := []string{"U1", "U2", "U3", ""}
	dates := []string{"2025-12-10", "2025-12-11"}
	round := Round{Channel: ChannelChat, LeadDays: 3}

	for iter := 0; iter < 20; iter++ {
		n := gofakeit.Number(1, 40)
		members := make([]Member, 0, n)
		for i := 0; i < n; i++ {
			members = append(members, Member{
				Ticket: tickets.Ticket{
					ID:              int64(i + 1),
					ChatUserID:      users[gofakeit.Number(0, len(users)-1)],
					AppointmentDate: dates[gofakeit.Number(0, len(dates)-1)],
					CustomerName:    gofakeit.Name(),
				},
				Appointment: booking.Appointment{Start: now.Add(time.Duration(gofakeit.Number(0, 600)) * time.Minute)},
			})
		}

		groups, unresolved := BuildGroups(context.Background(), members, ChatChain(nil), round)

		seen := map[int64]int{}
		keys := map[string]bool{}
		for _, g := range groups {
			require.False(t, keys[g.Key], "duplicate group %s", g.Key)
			keys[g.Key] = true
			for i, m := range g.Members {
				seen[m.Ticket.ID]++
				assert.Equal(t, g.Identity.ChatUserID, m.Ticket.ChatUserID)
				assert.Equal(t, g.Date, m.Ticket.AppointmentDate)
				if i > 0 {
					assert.False(t, m.Appointment.Start.Before(g.Members[i-1].Appointment.Start))
				}
			}
		}
		for _, u := range unresolved {
			assert.Empty(t, u.Member.Ticket.ChatUserID)
			seen[u.Member.Ticket.ID]++
		}
		require.Len(t, seen, n)
		for id, count := range seen {
			assert.Equal(t, 1, count, "ticket %d", id)
		}
	}
}

func TestChatRoundQueuesGroupAndNotes(t *testing.T) {
	f := newFixture(t)
	f.add(t, seed{ticketID: 1, bookingID: "a1", date: "2025-12-10", hhmm: "10:00", chatUserID: "U1"})
	f.add(t, seed{ticketID: 2, bookingID: "a2", date: "2025-12-10", hhmm: "09:00", chatUserID: "U1"})
	f.add(t, seed{ticketID: 3, bookingID: "a3", date: "2025-12-10", hhmm: "09:30", requesterID: 50})
	f.add(t, seed{ticketID: 4, bookingID: "a4", date: "2025-12-11", hhmm: "09:30", chatUserID: "U1"})
	f.dir.byID[50] = profiles.Profile{ID: 50, ChatUserID: "U2"}

	summary, err := f.sched.RunRound(context.Background(), f.sched.RoundFor(days(3)))
	require.NoError(t, err)
	assert.Equal(t, "2025-12-10", summary.TargetDate)
	assert.Equal(t, 3, summary.Tickets)
	assert.Equal(t, 2, summary.Groups)
	assert.Equal(t, 2, summary.Enqueued)
	assert.Zero(t, summary.Unresolved)

	outcomes := f.drain(t, jobs.KindChatReminder)
	assert.Equal(t, []string{"dispatched", "dispatched"}, outcomes)

	for _, id := range []int64{1, 2, 3} {
		tk := f.ticket(t, id)
		assert.Equal(t, tickets.StateQueued, tk.State)
		assert.Equal(t, 1, tk.Attempts)
		notes := f.store.Notes(id)
		require.Len(t, notes, 1)
		assert.Equal(t, "Chat reminder sent (3 days before) at 2025/12/07 10:00 UTC+8", notes[0])
	}
	assert.Equal(t, tickets.StatePending, f.ticket(t, 4).State)

	// One text plus one carousel holding both of U1's visits, earliest first.
	msgs := f.sender.calls["U1"]
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[1].Template)
	require.Len(t, msgs[1].Template.Columns, 2)
	assert.Contains(t, msgs[1].Template.Columns[0].Text, "09:00")
	assert.Len(t, f.sender.calls["U2"], 2)

	// A second run selects nothing.
	again, err := f.sched.RunRound(context.Background(), f.sched.RoundFor(days(3)))
	require.NoError(t, err)
	assert.Zero(t, again.Tickets)
	assert.Zero(t, again.Enqueued)
}

func TestChatDispatchFailureLeavesGroupPending(t *testing.T) {
	f := newFixture(t)
	f.add(t, seed{ticketID: 1, bookingID: "a1", date: "2025-12-10", hhmm: "09:00", chatUserID: "U1"})
	f.add(t, seed{ticketID: 2, bookingID: "a2", date: "2025-12-10", hhmm: "09:30", chatUserID: "U1"})
	f.sender.err = context.DeadlineExceeded

	_, err := f.sched.RunRound(context.Background(), f.sched.RoundFor(days(3)))
	require.NoError(t, err)
	outcomes := f.drain(t, jobs.KindChatReminder)
	assert.Equal(t, []string{"failed"}, outcomes)

	for _, id := range []int64{1, 2} {
		tk := f.ticket(t, id)
		assert.Equal(t, tickets.StatePending, tk.State)
		assert.Zero(t, tk.Attempts)
		assert.Empty(t, f.store.Notes(id))
	}
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, audit.EventDispatchFailed, f.sink.events[0].Type)
	assert.ElementsMatch(t, []int64{1, 2}, f.sink.events[0].TicketIDs)

	// The next round retries both.
	f.sender.err = nil
	_, err = f.sched.RunRound(context.Background(), f.sched.RoundFor(days(3)))
	require.NoError(t, err)
	assert.Equal(t, []string{"dispatched"}, f.drain(t, jobs.KindChatReminder))
	assert.Equal(t, tickets.StateQueued, f.ticket(t, 1).State)
}

func TestUnresolvedAndMissingAppointmentsStayPending(t *testing.T) {
	f := newFixture(t)
	f.add(t, seed{ticketID: 1, bookingID: "a1", date: "2025-12-10", hhmm: "09:00"})
	f.store.Put(tickets.Ticket{ID: 2, BookingID: "gone", AppointmentDate: "2025-12-10", ChatUserID: "U1"})

	summary, err := f.sched.RunRound(context.Background(), f.sched.RoundFor(nil))
	require.NoError(t, err)
	assert.Equal(t, "manual", summary.Round)
	assert.Equal(t, 2, summary.Tickets)
	assert.Equal(t, 1, summary.Unresolved)
	assert.Equal(t, 1, summary.Missing)
	assert.Zero(t, summary.Enqueued)
	assert.Equal(t, tickets.StatePending, f.ticket(t, 1).State)
	assert.Equal(t, tickets.StatePending, f.ticket(t, 2).State)
}

func TestVoiceRoundSingleCallForSameDayVisits(t *testing.T) {
	f := newFixture(t)
	f.dir.byID[77] = profiles.Profile{ID: 77, Name: "Chen", Phone: "+886 912 000 111"}
	f.add(t, seed{ticketID: 10, bookingID: "v1", date: "2025-12-08", hhmm: "09:00", requesterID: 77})
	f.add(t, seed{ticketID: 11, bookingID: "v2", date: "2025-12-08", hhmm: "11:00", requesterID: 77})

	summary, err := f.sched.RunRound(context.Background(), f.sched.RoundFor(days(1)))
	require.NoError(t, err)
	assert.Equal(t, ChannelVoice, summary.Channel)
	assert.Equal(t, 1, summary.Groups)

	assert.Equal(t, []string{"dispatched"}, f.drain(t, jobs.KindVoiceReminder))
	require.Len(t, f.dialer.requests, 1)
	req := f.dialer.requests[0]
	assert.Equal(t, "0912000111", req.Phone)
	assert.Equal(t, []int64{10, 11}, req.Metadata.TicketIDs)
	assert.Equal(t, "2025-12-08", req.Metadata.ApptDate)

	for _, id := range []int64{10, 11} {
		tk := f.ticket(t, id)
		assert.Equal(t, tickets.StateQueued, tk.State)
		assert.Equal(t, 1, tk.Attempts)
	}
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, "C1", f.sink.events[0].CallID)
}

func TestVoiceWithoutPhoneIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.add(t, seed{ticketID: 10, bookingID: "v1", date: "2025-12-08", hhmm: "09:00", requesterID: 78})

	_, err := f.sched.RunRound(context.Background(), f.sched.RoundFor(days(1)))
	require.NoError(t, err)
	assert.Equal(t, []string{"skipped"}, f.drain(t, jobs.KindVoiceReminder))
	assert.Empty(t, f.dialer.requests)
	assert.Equal(t, tickets.StatePending, f.ticket(t, 10).State)
}

func TestRedeliveredJobDoesNotContactTwice(t *testing.T) {
	f := newFixture(t)
	f.add(t, seed{ticketID: 1, bookingID: "a1", date: "2025-12-10", hhmm: "09:00", chatUserID: "U1"})

	_, err := f.sched.RunRound(context.Background(), f.sched.RoundFor(days(3)))
	require.NoError(t, err)
	msgs, err := f.queues[jobs.KindChatReminder].Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var env jobs.Envelope
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &env))

	outcome, err := f.exec.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "dispatched", outcome)
	outcome, err = f.exec.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "skipped", outcome)

	assert.Len(t, f.sender.calls["U1"], 2)
	assert.Equal(t, 1, f.ticket(t, 1).Attempts)
}

func TestCancelledWhileQueuedIgnoresLateCallback(t *testing.T) {
	f := newFixture(t)
	f.dir.byID[77] = profiles.Profile{ID: 77, Phone: "0912000111"}
	f.add(t, seed{ticketID: 42, bookingID: "v1", date: "2025-12-08", hhmm: "09:00", requesterID: 77})

	_, err := f.sched.RunRound(context.Background(), f.sched.RoundFor(days(1)))
	require.NoError(t, err)
	f.drain(t, jobs.KindVoiceReminder)
	require.Equal(t, tickets.StateQueued, f.ticket(t, 42).State)

	svc := appointments.NewService(f.provider, f.ledger, f.sink, appointments.Config{Clock: f.clock}, nil)
	_, err = svc.ForceCancel(context.Background(), "v1", "patient called the front desk")
	require.NoError(t, err)
	require.Equal(t, tickets.StateCancelled, f.ticket(t, 42).State)

	rec := voice.NewReconciler(f.ledger, f.sink, nil, f.clock, nil)
	report, err := rec.Reconcile(context.Background(), voice.Callback{
		CallID:    "C1",
		RawStatus: "completed",
		Status:    voice.StatusSuccess,
		TicketIDs: []int64{42},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, report.Skipped)

	tk := f.ticket(t, 42)
	assert.Equal(t, tickets.StateCancelled, tk.State)
	assert.Equal(t, 1, tk.Attempts)
}
