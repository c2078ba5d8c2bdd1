// Package tickets models the durable per-appointment reminder record and the
// forward-only state machine that governs it.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the reminder state stored on a ticket.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var (
	ErrNotFound          = errors.New("tickets: not found")
	ErrInvalidTransition = errors.New("tickets: invalid transition")
	ErrTerminal          = errors.New("tickets: ticket is terminal")
	ErrConflict          = errors.New("tickets: version conflict")
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateQueued, StateSuccess, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ParseState maps a stored value to a State. Unknown and empty values are
// treated as pending, which is how freshly created tickets read back.
func ParseState(raw string) State {
	s := State(raw)
	if s.Valid() {
		return s
	}
	return StatePending
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to State) bool {
	switch to {
	case StateQueued:
		return from == StatePending
	case StateSuccess, StateFailed:
		return from == StateQueued
	case StateCancelled:
		return from.Valid() && !from.Terminal()
	default:
		return false
	}
}

// Ticket is one reminder record linked to one appointment.
type Ticket struct {
	ID                   int64     `json:"id"`
	BookingID            string    `json:"booking_id"`
	AppointmentDate      string    `json:"appointment_date"`
	AppointmentTime      string    `json:"appointment_time"`
	State                State     `json:"state"`
	Attempts             int       `json:"attempts"`
	LastCallID           string    `json:"last_call_id,omitempty"`
	LastVoiceAttemptDate string    `json:"last_voice_attempt_date,omitempty"`
	RequesterID          int64     `json:"requester_id,omitempty"`
	ChatUserID           string    `json:"chat_user_id,omitempty"`
	CustomerName         string    `json:"customer_name,omitempty"`
	Version              string    `json:"version,omitempty"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

// NewTicket is the input for creating a ticket at booking time.
type NewTicket struct {
	BookingID    string
	Start        time.Time
	Duration     time.Duration
	CustomerName string
	ServiceName  string
	RequesterID  int64
	ChatUserID   string
}

// Update is a partial write. Nil fields are left unchanged. Note, when set,
// is appended to the ticket's private audit trail.
type Update struct {
	State                *State
	Attempts             *int
	LastCallID           *string
	LastVoiceAttemptDate *string
	Note                 string
	// ExpectedVersion, when set, makes the write fail with ErrConflict if the
	// stored ticket has moved on.
	ExpectedVersion string
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.State == nil && u.Attempts == nil && u.LastCallID == nil && u.LastVoiceAttemptDate == nil && u.Note == ""
}

// Filter narrows a ticket search.
type Filter struct {
	State           State
	AppointmentDate string
}

// Store is the ticketing system as seen by the reminder engine.
type Store interface {
	Create(ctx context.Context, t NewTicket) (int64, error)
	Get(ctx context.Context, id int64) (*Ticket, error)
	Update(ctx context.Context, id int64, u Update) error
	Search(ctx context.Context, f Filter) ([]Ticket, error)
	FindByBookingID(ctx context.Context, bookingID string) (*Ticket, error)
}

// Apply returns the ticket as it would look after u.
func (t Ticket) Apply(u Update) Ticket {
	if u.State != nil {
		t.State = *u.State
	}
	if u.Attempts != nil {
		t.Attempts = *u.Attempts
	}
	if u.LastCallID != nil {
		t.LastCallID = *u.LastCallID
	}
	if u.LastVoiceAttemptDate != nil {
		t.LastVoiceAttemptDate = *u.LastVoiceAttemptDate
	}
	return t
}

// Matches reports whether the ticket satisfies f.
func (t Ticket) Matches(f Filter) bool {
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.AppointmentDate != "" && t.AppointmentDate != f.AppointmentDate {
		return false
	}
	return true
}

// TransitionTo builds the update for moving t into state to. Entering
// queued increments the attempt counter.
func TransitionTo(t Ticket, to State, note string) (Update, error) {
	if t.State.Terminal() {
		return Update{}, fmt.Errorf("%w: %d is %s", ErrTerminal, t.ID, t.State)
	}
	if !CanTransition(t.State, to) {
		return Update{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	u := Update{State: statePtr(to), Note: note, ExpectedVersion: t.Version}
	if to == StateQueued {
		u.Attempts = intPtr(t.Attempts + 1)
	}
	return u, nil
}

func statePtr(s State) *State    { return &s }
func intPtr(v int) *int          { return &v }
func stringPtr(v string) *string { return &v }
