// Package reminders selects due tickets, groups them per recipient and day,
// and dispatches one contact per group over chat or voice.
package reminders

import (
	"context"
	"errors"
	"strconv"

	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/profiles"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
)

// Member is one ticket in a round together with its appointment.
type Member struct {
	Ticket      tickets.Ticket      `json:"ticket"`
	Appointment booking.Appointment `json:"appointment"`
}

// Identity is the resolved recipient. ChatUserID is empty when only the
// profile is known, which is enough for a voice call.
type Identity struct {
	ChatUserID string `json:"chat_user_id,omitempty"`
	ProfileID  int64  `json:"profile_id,omitempty"`
	Source     string `json:"source"`
}

// Key is the grouping component of the identity.
func (i Identity) Key() string {
	if i.ChatUserID != "" {
		return i.ChatUserID
	}
	return "profile:" + strconv.FormatInt(i.ProfileID, 10)
}

// Resolver finds the recipient of one member. ok is false when this
// strategy has no answer; the next one in a Chain is then tried.
type Resolver interface {
	Resolve(ctx context.Context, m Member) (id Identity, ok bool, err error)
}

// DirectResolver reads the chat user id stored on the ticket.
type DirectResolver struct{}

func (DirectResolver) Resolve(_ context.Context, m Member) (Identity, bool, error) {
	if m.Ticket.ChatUserID == "" {
		return Identity{}, false, nil
	}
	return Identity{ChatUserID: m.Ticket.ChatUserID, ProfileID: m.Ticket.RequesterID, Source: "ticket"}, true, nil
}

// ProfileResolver reads the chat user id from the ticket requester's profile.
type ProfileResolver struct {
	Directory profiles.Directory
}

func (r ProfileResolver) Resolve(ctx context.Context, m Member) (Identity, bool, error) {
	if r.Directory == nil || m.Ticket.RequesterID == 0 {
		return Identity{}, false, nil
	}
	p, err := r.Directory.Get(ctx, m.Ticket.RequesterID)
	if errors.Is(err, profiles.ErrNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	if p.ChatUserID == "" {
		return Identity{}, false, nil
	}
	return Identity{ChatUserID: p.ChatUserID, ProfileID: p.ID, Source: "profile"}, true, nil
}

// MarkerResolver parses the legacy chat-user marker from the appointment
// notes.
type MarkerResolver struct{}

func (MarkerResolver) Resolve(_ context.Context, m Member) (Identity, bool, error) {
	id, ok := m.Appointment.ChatUserID()
	if !ok {
		return Identity{}, false, nil
	}
	return Identity{ChatUserID: id, ProfileID: m.Ticket.RequesterID, Source: "notes"}, true, nil
}

// RequesterResolver falls back to the bare requester profile. Only voice
// rounds use it: a call needs a phone, not a chat id.
type RequesterResolver struct{}

func (RequesterResolver) Resolve(_ context.Context, m Member) (Identity, bool, error) {
	if m.Ticket.RequesterID == 0 {
		return Identity{}, false, nil
	}
	return Identity{ProfileID: m.Ticket.RequesterID, Source: "requester"}, true, nil
}

// Chain tries resolvers in order. An error from one strategy is remembered
// and the chain carries on; it is returned only if nothing resolves.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, m Member) (Identity, bool, error) {
	var firstErr error
	for _, r := range c {
		id, ok, err := r.Resolve(ctx, m)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return id, true, nil
		}
	}
	return Identity{}, false, firstErr
}

// ChatChain is the resolution order for chat rounds.
func ChatChain(dir profiles.Directory) Chain {
	return Chain{DirectResolver{}, ProfileResolver{Directory: dir}, MarkerResolver{}}
}

// VoiceChain is ChatChain plus the requester fallback.
func VoiceChain(dir profiles.Directory) Chain {
	return append(ChatChain(dir), RequesterResolver{})
}
