// Package booking is the booking calendar boundary. Appointment times cross
// it as UTC and leave it in the clinic's fixed local offset.
package booking

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when the appointment does not exist or was deleted.
var ErrNotFound = errors.New("booking: appointment not found")

// Appointment is one booked visit. Start is in clinic-local time.
type Appointment struct {
	ID            string
	Start         time.Time
	Duration      time.Duration
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	ServiceName   string
	ServiceNotes  string
	CustomerNotes string
	Cancelled     bool
}

// End returns the appointment end instant.
func (a Appointment) End() time.Time {
	return a.Start.Add(a.Duration)
}

// Date returns the local calendar date as YYYY-MM-DD.
func (a Appointment) Date() string {
	return a.Start.Format(time.DateOnly)
}

// Clock returns the local start time as HH:MM.
func (a Appointment) Clock() string {
	return a.Start.Format("15:04")
}

// NewAppointment describes an appointment to create.
type NewAppointment struct {
	Start         time.Time
	Duration      time.Duration
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	ServiceNotes  string
}

// Provider is the booking calendar.
type Provider interface {
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	ListAppointmentsForDate(ctx context.Context, date string) ([]Appointment, error)
	CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error)
	UpdateServiceNotes(ctx context.Context, id, notes string) error
	CancelAppointment(ctx context.Context, id string) error
}

const chatUserMarker = "[LINE_USER]"

var chatUserMarkerPattern = regexp.MustCompile(`\[LINE_USER\]\s*(\S+)`)

// ChatUserMarker is the notes line that records who booked through chat.
func ChatUserMarker(chatUserID string) string {
	return chatUserMarker + " " + strings.TrimSpace(chatUserID)
}

// ParseChatUserMarker returns the chat user id embedded in notes, if any.
func ParseChatUserMarker(notes string) (string, bool) {
	m := chatUserMarkerPattern.FindStringSubmatch(notes)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// ChatUserID looks for the marker in the service notes, then the customer notes.
func (a Appointment) ChatUserID() (string, bool) {
	if id, ok := ParseChatUserMarker(a.ServiceNotes); ok {
		return id, true
	}
	return ParseChatUserMarker(a.CustomerNotes)
}
