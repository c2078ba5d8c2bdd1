// Package appointments implements the patient-facing booking, confirmation
// and cancellation flows on top of the booking calendar and the reminder
// ticket ledger.
package appointments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/clinic-reminders/internal/audit"
	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/slots"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// ConfirmKeyword marks an appointment already confirmed through chat.
const ConfirmKeyword = "Confirmed via LINE"

var (
	// ErrConfirmNotOpen is returned when the visit is too far out to confirm.
	ErrConfirmNotOpen = errors.New("appointments: confirmation is not open yet")
	// ErrCancelClosed is returned when the visit is too close to cancel.
	ErrCancelClosed = errors.New("appointments: cancellation deadline has passed")
	// ErrSlotTaken is returned when the requested start is not an open slot.
	ErrSlotTaken = errors.New("appointments: slot is not available")
	// ErrInvalidRequest is returned for malformed booking input.
	ErrInvalidRequest = errors.New("appointments: invalid request")
	// ErrTicketNotCreated wraps a reminder ticket failure after the
	// appointment itself was booked.
	ErrTicketNotCreated = errors.New("appointments: reminder ticket not created")
)

// Config holds the scheduling rules.
type Config struct {
	Window       slots.Window
	Policy       slots.Policy
	Clock        booking.Clock
	MaxDaysAhead int
	Duration     time.Duration
	ServiceName  string
}

// Service runs the appointment flows.
type Service struct {
	provider booking.Provider
	ledger   *tickets.Ledger
	audit    audit.Sink
	cfg      Config
	logger   *logging.Logger
}

// NewService wires the flows. A nil sink disables audit records.
func NewService(provider booking.Provider, ledger *tickets.Ledger, sink audit.Sink, cfg Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Window.Interval <= 0 {
		cfg.Window = slots.DefaultWindow()
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 30 * time.Minute
	}
	if cfg.MaxDaysAhead <= 0 {
		cfg.MaxDaysAhead = 21
	}
	return &Service{
		provider: provider,
		ledger:   ledger,
		audit:    audit.OrNop(sink),
		cfg:      cfg,
		logger:   logger.WithComponent("appointments"),
	}
}

// Clock returns the clinic clock the service converts with.
func (s *Service) Clock() booking.Clock {
	return s.cfg.Clock
}

// AvailableSlots lists the open HH:MM starts on a clinic-local date.
func (s *Service) AvailableSlots(ctx context.Context, date string) ([]string, error) {
	appts, err := s.provider.ListAppointmentsForDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("appointments: list %s: %w", date, err)
	}
	return slots.Available(s.cfg.Window, bookedStarts(appts)), nil
}

func bookedStarts(appts []booking.Appointment) []string {
	out := make([]string, 0, len(appts))
	for _, a := range appts {
		if !a.Cancelled {
			out = append(out, a.Clock())
		}
	}
	return out
}

// BookRequest is a patient's booking.
type BookRequest struct {
	Date          string `json:"date"`
	Time          string `json:"time"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	CustomerEmail string `json:"customer_email,omitempty"`
	ChatUserID    string `json:"chat_user_id,omitempty"`
	ProfileID     int64  `json:"profile_id,omitempty"`
}

// BookResult is the created appointment and its ticket.
type BookResult struct {
	Appointment booking.Appointment `json:"-"`
	TicketID    int64               `json:"ticket_id,omitempty"`
}

// Book creates an appointment in an open slot and opens its pending
// reminder ticket. When the ticket cannot be created the appointment stands
// and the error wraps ErrTicketNotCreated.
func (s *Service) Book(ctx context.Context, req BookRequest, now time.Time) (*BookResult, error) {
	if strings.TrimSpace(req.CustomerName) == "" {
		return nil, fmt.Errorf("%w: customer name required", ErrInvalidRequest)
	}
	start, err := s.cfg.Clock.At(req.Date, req.Time)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := slots.ValidateBookingDate(s.cfg.Clock.Today(now), start, s.cfg.MaxDaysAhead); err != nil {
		return nil, err
	}

	existing, err := s.provider.ListAppointmentsForDate(ctx, req.Date)
	if err != nil {
		return nil, fmt.Errorf("appointments: list %s: %w", req.Date, err)
	}
	if !slots.IsOpen(s.cfg.Window, bookedStarts(existing), req.Time) {
		return nil, ErrSlotTaken
	}

	var notes []string
	if req.ChatUserID != "" {
		notes = append(notes, booking.ChatUserMarker(req.ChatUserID))
	}
	if req.ProfileID != 0 {
		notes = append(notes, "[ZD_USER] "+strconv.FormatInt(req.ProfileID, 10))
	}
	appt, err := s.provider.CreateAppointment(ctx, booking.NewAppointment{
		Start:         start,
		Duration:      s.cfg.Duration,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		ServiceNotes:  strings.Join(notes, "\n"),
	})
	if err != nil {
		return nil, fmt.Errorf("appointments: create: %w", err)
	}
	result := &BookResult{Appointment: *appt}

	ticketID, err := s.ledger.Store().Create(ctx, tickets.NewTicket{
		BookingID:    appt.ID,
		Start:        appt.Start,
		Duration:     appt.Duration,
		CustomerName: req.CustomerName,
		ServiceName:  s.cfg.ServiceName,
		RequesterID:  req.ProfileID,
		ChatUserID:   req.ChatUserID,
	})
	if err != nil {
		s.logger.Error("appointment booked without reminder ticket", "appointment_id", appt.ID, "error", err)
		return result, fmt.Errorf("%w: %v", ErrTicketNotCreated, err)
	}
	result.TicketID = ticketID
	s.logger.Info("appointment booked", "appointment_id", appt.ID, "ticket_id", ticketID, "date", req.Date, "time", req.Time)
	return result, nil
}

// ActionResult reports a confirm or cancel outcome.
type ActionResult struct {
	Appointment      booking.Appointment `json:"-"`
	AlreadyConfirmed bool                `json:"already_confirmed,omitempty"`
	TicketID         int64               `json:"ticket_id,omitempty"`
	TicketState      tickets.State       `json:"ticket_state,omitempty"`
}

// Confirm records a patient's confirmation once the window is open. The
// booking note is written once; the ticket moves from queued to success.
func (s *Service) Confirm(ctx context.Context, appointmentID string, now time.Time) (*ActionResult, error) {
	appt, err := s.provider.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Policy.CanConfirm(s.cfg.Clock.Today(now), appt.Start) {
		return nil, ErrConfirmNotOpen
	}
	result := &ActionResult{Appointment: *appt}

	if strings.Contains(appt.ServiceNotes, ConfirmKeyword) {
		result.AlreadyConfirmed = true
	} else {
		line := fmt.Sprintf("%s on %s (%s)", ConfirmKeyword, s.cfg.Clock.Local(now).Format("2006/01/02 15:04"), s.cfg.Clock.Label())
		notes := line
		if appt.ServiceNotes != "" {
			notes = appt.ServiceNotes + "\n" + line
		}
		if err := s.provider.UpdateServiceNotes(ctx, appt.ID, notes); err != nil {
			s.logger.Error("confirm note not written", "appointment_id", appt.ID, "error", err)
		} else {
			result.Appointment.ServiceNotes = notes
		}
	}

	ticket, err := s.ticketFor(ctx, appt.ID)
	if err != nil || ticket == nil {
		return result, err
	}
	res, err := s.ledger.Resolve(ctx, ticket.ID, tickets.StateSuccess, "Patient confirmed the visit via chat.")
	if err != nil {
		s.logger.Error("confirm ticket sync failed", "appointment_id", appt.ID, "ticket_id", ticket.ID, "error", err)
		return result, nil
	}
	result.TicketID = ticket.ID
	result.TicketState = res.Ticket.State
	switch {
	case res.Applied:
		s.record(ctx, audit.Event{Type: audit.EventTicketConfirmed, TicketIDs: []int64{ticket.ID}, Channel: "chat", Outcome: string(tickets.StateSuccess)})
	case res.Reason == "not_queued":
		s.logger.Info("confirmed before any reminder was sent, ticket left pending", "appointment_id", appt.ID, "ticket_id", ticket.ID)
	}
	return result, nil
}

// Cancel deletes the appointment while the deadline allows and closes its
// ticket.
func (s *Service) Cancel(ctx context.Context, appointmentID string, now time.Time) (*ActionResult, error) {
	appt, err := s.provider.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Policy.CanCancel(s.cfg.Clock.Today(now), appt.Start) {
		return nil, ErrCancelClosed
	}
	return s.cancel(ctx, *appt, "Appointment cancelled by the patient.")
}

// ForceCancel cancels regardless of the deadline; operators use it.
func (s *Service) ForceCancel(ctx context.Context, appointmentID, reason string) (*ActionResult, error) {
	appt, err := s.provider.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	note := "Appointment cancelled by clinic staff."
	if reason != "" {
		note += " Reason: " + reason
	}
	return s.cancel(ctx, *appt, note)
}

func (s *Service) cancel(ctx context.Context, appt booking.Appointment, note string) (*ActionResult, error) {
	if err := s.provider.CancelAppointment(ctx, appt.ID); err != nil {
		return nil, fmt.Errorf("appointments: cancel %s: %w", appt.ID, err)
	}
	result := &ActionResult{Appointment: appt}
	result.Appointment.Cancelled = true

	ticket, err := s.ticketFor(ctx, appt.ID)
	if err != nil || ticket == nil {
		return result, err
	}
	res, err := s.ledger.Cancel(ctx, ticket.ID, note)
	if err != nil {
		s.logger.Error("cancel ticket sync failed", "appointment_id", appt.ID, "ticket_id", ticket.ID, "error", err)
		return result, nil
	}
	result.TicketID = ticket.ID
	result.TicketState = res.Ticket.State
	if res.Applied {
		s.record(ctx, audit.Event{Type: audit.EventTicketCancelled, TicketIDs: []int64{ticket.ID}, Outcome: string(tickets.StateCancelled), Detail: note})
	}
	s.logger.Info("appointment cancelled", "appointment_id", appt.ID, "ticket_id", ticket.ID, "ticket_state", res.Ticket.State)
	return result, nil
}

// ticketFor finds the reminder ticket for a booking. A missing ticket is not
// an error; ticket lookups that fail are logged and swallowed so the patient
// action still completes.
func (s *Service) ticketFor(ctx context.Context, bookingID string) (*tickets.Ticket, error) {
	t, err := s.ledger.Store().FindByBookingID(ctx, bookingID)
	if errors.Is(err, tickets.ErrNotFound) {
		s.logger.Info("no reminder ticket for booking", "appointment_id", bookingID)
		return nil, nil
	}
	if err != nil {
		s.logger.Error("reminder ticket lookup failed", "appointment_id", bookingID, "error", err)
		return nil, nil
	}
	return t, nil
}

// Upcoming lists a chat user's appointments from today through the
// booking horizon, earliest first.
func (s *Service) Upcoming(ctx context.Context, chatUserID string, now time.Time) ([]booking.Appointment, error) {
	if chatUserID == "" {
		return nil, nil
	}
	days := s.cfg.MaxDaysAhead + 1
	perDay := make([][]booking.Appointment, days)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 0; i < days; i++ {
		i := i
		date := s.cfg.Clock.DateAfter(now, i)
		g.Go(func() error {
			appts, err := s.provider.ListAppointmentsForDate(gctx, date)
			if err != nil {
				return fmt.Errorf("appointments: list %s: %w", date, err)
			}
			for _, a := range appts {
				if id, ok := a.ChatUserID(); ok && id == chatUserID && !a.Cancelled {
					perDay[i] = append(perDay[i], a)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []booking.Appointment
	for _, day := range perDay {
		out = append(out, day...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn("audit record failed", "event_type", e.Type, "error", err)
	}
}
