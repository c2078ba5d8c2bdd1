package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/chat"
	"github.com/wolfman30/clinic-reminders/internal/profiles"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
	"github.com/wolfman30/clinic-reminders/internal/voice"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// Outcome is the result of dispatching a group.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

var (
	// ErrNoRecipient means the group has no chat id to push to.
	ErrNoRecipient = errors.New("reminders: group has no chat recipient")
	// ErrNoPhone means no callable number was found for the group.
	ErrNoPhone = errors.New("reminders: no callable phone")
)

// DispatchResult reports what a dispatcher did.
type DispatchResult struct {
	Outcome Outcome
	// Queued lists the tickets moved to queued.
	Queued []int64
	Detail string
}

// Dispatcher contacts the recipient of a group and, only after the contact
// was accepted, moves every ticket in the group to queued. A failed contact
// leaves every ticket pending.
type Dispatcher interface {
	Channel() Channel
	Dispatch(ctx context.Context, g Group) (DispatchResult, error)
}

// queueGroup is the transition both channels share.
func queueGroup(ctx context.Context, ledger *tickets.Ledger, g Group, note string, logger *logging.Logger) []int64 {
	queued := make([]int64, 0, len(g.Members))
	for _, m := range g.Members {
		res, err := ledger.Queue(ctx, m.Ticket.ID, note)
		if err != nil {
			logger.Error("reminders: contact made but ticket not queued",
				"ticket_id", m.Ticket.ID, "group_key", g.Key, "error", err)
			continue
		}
		if !res.Applied {
			logger.Warn("reminders: ticket no longer pending", "ticket_id", m.Ticket.ID, "group_key", g.Key, "reason", res.Reason)
			continue
		}
		queued = append(queued, m.Ticket.ID)
	}
	return queued
}

func stamp(clock booking.Clock, now time.Time) string {
	return clock.Local(now).Format("2006/01/02 15:04") + " " + clock.Label()
}

// ChatSender pushes messages to a chat user.
type ChatSender interface {
	Push(ctx context.Context, to string, messages []chat.Message) error
}

// ChatDispatcher sends one reminder per group over chat.
type ChatDispatcher struct {
	sender  ChatSender
	ledger  *tickets.Ledger
	clock   booking.Clock
	timeout time.Duration
	now     func() time.Time
	logger  *logging.Logger
}

// NewChatDispatcher builds the chat strategy. timeout bounds each push.
func NewChatDispatcher(sender ChatSender, ledger *tickets.Ledger, clock booking.Clock, timeout time.Duration, logger *logging.Logger) *ChatDispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &ChatDispatcher{sender: sender, ledger: ledger, clock: clock, timeout: timeout, now: time.Now, logger: logger}
}

func (d *ChatDispatcher) Channel() Channel { return ChannelChat }

func (d *ChatDispatcher) Dispatch(ctx context.Context, g Group) (DispatchResult, error) {
	if g.Identity.ChatUserID == "" {
		return DispatchResult{Outcome: OutcomeSkipped}, ErrNoRecipient
	}
	if len(g.Members) == 0 {
		return DispatchResult{Outcome: OutcomeSkipped}, nil
	}

	items := make([]chat.ReminderItem, 0, len(g.Members))
	for _, m := range g.Members {
		items = append(items, chat.ReminderItem{
			AppointmentID: m.Appointment.ID,
			Start:         m.Appointment.Start,
			ServiceName:   m.Appointment.ServiceName,
		})
	}
	messages := chat.BuildReminder(g.Members[0].Appointment.CustomerName, items)

	sendCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := d.sender.Push(sendCtx, g.Identity.ChatUserID, messages); err != nil {
		return DispatchResult{Outcome: OutcomeFailed}, fmt.Errorf("reminders: chat push for %s: %w", g.Key, err)
	}

	note := fmt.Sprintf("Chat reminder sent (%s) at %s", g.Round.Context(), stamp(d.clock, d.now()))
	queued := queueGroup(ctx, d.ledger, g, note, d.logger)
	d.logger.Info("reminders: chat reminder sent", "group_key", g.Key, "tickets", len(g.Members), "queued", len(queued))
	return DispatchResult{Outcome: OutcomeDispatched, Queued: queued}, nil
}

// CallPlacer requests an outbound call.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req voice.CallRequest) (*voice.CallResult, error)
}

// VoiceDispatcher places one call per group. The call outcome arrives later
// through the voice callback.
type VoiceDispatcher struct {
	dialer    CallPlacer
	directory profiles.Directory
	ledger    *tickets.Ledger
	clock     booking.Clock
	timeout   time.Duration
	now       func() time.Time
	logger    *logging.Logger
}

// NewVoiceDispatcher builds the voice strategy. directory may be nil, in
// which case only the appointment's phone is used.
func NewVoiceDispatcher(dialer CallPlacer, directory profiles.Directory, ledger *tickets.Ledger, clock booking.Clock, timeout time.Duration, logger *logging.Logger) *VoiceDispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &VoiceDispatcher{
		dialer:    dialer,
		directory: directory,
		ledger:    ledger,
		clock:     clock,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger,
	}
}

func (d *VoiceDispatcher) Channel() Channel { return ChannelVoice }

func (d *VoiceDispatcher) Dispatch(ctx context.Context, g Group) (DispatchResult, error) {
	if len(g.Members) == 0 {
		return DispatchResult{Outcome: OutcomeSkipped}, nil
	}
	phone, name := d.resolvePhone(ctx, g)
	if phone == "" {
		d.logger.Warn("reminders: no callable phone, group left pending", "group_key", g.Key, "ticket_ids", g.TicketIDs())
		return DispatchResult{Outcome: OutcomeSkipped}, ErrNoPhone
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	res, err := d.dialer.PlaceCall(callCtx, voice.CallRequest{
		Phone: phone,
		Metadata: voice.CallMetadata{
			ChatUserID:  g.Identity.ChatUserID,
			ApptDate:    g.Date,
			TicketIDs:   g.TicketIDs(),
			PatientName: name,
		},
	})
	if err != nil {
		return DispatchResult{Outcome: OutcomeFailed}, fmt.Errorf("reminders: voice call for %s: %w", g.Key, err)
	}

	note := fmt.Sprintf("Voice reminder call requested (%s) at %s", g.Round.Context(), stamp(d.clock, d.now()))
	if res.CallID != "" {
		note += ", call " + res.CallID
	}
	queued := queueGroup(ctx, d.ledger, g, note, d.logger)
	d.logger.Info("reminders: voice call requested", "group_key", g.Key, "call_id", res.CallID, "queued", len(queued))
	return DispatchResult{Outcome: OutcomeDispatched, Queued: queued, Detail: res.CallID}, nil
}

// resolvePhone walks identity to profile to phone, falling back to the
// phone captured on the appointment.
func (d *VoiceDispatcher) resolvePhone(ctx context.Context, g Group) (phone, name string) {
	first := g.Members[0]
	name = first.Appointment.CustomerName
	if d.directory != nil {
		profileID := g.Identity.ProfileID
		if profileID == 0 {
			profileID = first.Ticket.RequesterID
		}
		var p *profiles.Profile
		var err error
		if profileID != 0 {
			p, err = d.directory.Get(ctx, profileID)
		} else if g.Identity.ChatUserID != "" {
			p, err = d.directory.FindByChatUserID(ctx, g.Identity.ChatUserID)
		}
		if err != nil && !errors.Is(err, profiles.ErrNotFound) {
			d.logger.Warn("reminders: profile lookup failed", "group_key", g.Key, "error", err)
		}
		if p != nil {
			if name == "" {
				name = p.Name
			}
			if num := profiles.NormalizePhone(p.Phone); num != "" {
				return num, name
			}
		}
	}
	for _, m := range g.Members {
		if num := profiles.NormalizePhone(m.Appointment.CustomerPhone); num != "" {
			return num, name
		}
	}
	return "", name
}
