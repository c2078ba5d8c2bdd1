package zendesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/clinic-reminders/internal/tickets"
)

var _ tickets.Store = (*Client)(nil)

type customField struct {
	ID    int64 `json:"id"`
	Value any   `json:"value"`
}

type comment struct {
	Body   string `json:"body"`
	Public bool   `json:"public"`
}

type apiTicket struct {
	ID           int64         `json:"id,omitempty"`
	TicketFormID int64         `json:"ticket_form_id,omitempty"`
	Subject      string        `json:"subject,omitempty"`
	Comment      *comment      `json:"comment,omitempty"`
	RequesterID  int64         `json:"requester_id,omitempty"`
	Status       string        `json:"status,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	CustomFields []customField `json:"custom_fields,omitempty"`
	UpdatedAt    string        `json:"updated_at,omitempty"`
	SafeUpdate   bool          `json:"safe_update,omitempty"`
	UpdatedStamp string        `json:"updated_stamp,omitempty"`
}

type ticketEnvelope struct {
	Ticket apiTicket `json:"ticket"`
}

type searchResponse struct {
	Results  []json.RawMessage `json:"results"`
	Count    int               `json:"count"`
	NextPage string            `json:"next_page"`
}

// Create opens a pending reminder ticket for an appointment.
func (c *Client) Create(ctx context.Context, in tickets.NewTicket) (int64, error) {
	duration := in.Duration
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	service := in.ServiceName
	if service == "" {
		service = "General consultation"
	}
	start := in.Start.Format("2006/01/02 15:04")
	body := fmt.Sprintf(
		"Reminder ticket created by the booking flow.\n\n"+
			"Booking ID: %s\nPatient profile: %d\nAppointment: %s - %s\nService: %s\n",
		in.BookingID, in.RequesterID, start, in.Start.Add(duration).Format("15:04"), service,
	)

	fields := []customField{
		{ID: c.fields.BookingID, Value: in.BookingID},
		{ID: c.fields.AppointmentDate, Value: in.Start.Format("2006-01-02")},
		{ID: c.fields.AppointmentTime, Value: in.Start.Format("15:04")},
		{ID: c.fields.ReminderState, Value: string(tickets.StatePending)},
		{ID: c.fields.ReminderAttempts, Value: 0},
		{ID: c.fields.LastCallID, Value: ""},
	}
	if c.fields.ChatUserID != 0 && in.ChatUserID != "" {
		fields = append(fields, customField{ID: c.fields.ChatUserID, Value: in.ChatUserID})
	}

	req := ticketEnvelope{Ticket: apiTicket{
		TicketFormID: c.formID,
		Subject:      fmt.Sprintf("Appointment reminder: %s on %s", in.CustomerName, start),
		Comment:      &comment{Body: body, Public: false},
		RequesterID:  in.RequesterID,
		Status:       "pending",
		Tags:         []string{"line_bot_appointment", "pending_confirmation", "booking_sync"},
		CustomFields: fields,
	}}
	var resp ticketEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/api/v2/tickets.json", nil, req, &resp); err != nil {
		return 0, fmt.Errorf("zendesk: create ticket: %w", err)
	}
	c.logger.Info("reminder ticket created", "ticket_id", resp.Ticket.ID, "booking_id", in.BookingID)
	return resp.Ticket.ID, nil
}

// Get loads one ticket.
func (c *Client) Get(ctx context.Context, id int64) (*tickets.Ticket, error) {
	var resp ticketEnvelope
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/v2/tickets/%d.json", id), nil, nil, &resp)
	if errors.Is(err, errNotFound) {
		return nil, tickets.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("zendesk: get ticket %d: %w", id, err)
	}
	t := c.toTicket(resp.Ticket)
	return &t, nil
}

// Update writes changed reminder fields and an optional private note.
// Terminal success and cancellation also solve the ticket.
func (c *Client) Update(ctx context.Context, id int64, u tickets.Update) error {
	body := apiTicket{}
	if u.State != nil {
		body.CustomFields = append(body.CustomFields, customField{ID: c.fields.ReminderState, Value: string(*u.State)})
		if *u.State == tickets.StateSuccess || *u.State == tickets.StateCancelled {
			body.Status = "solved"
		}
	}
	if u.Attempts != nil {
		body.CustomFields = append(body.CustomFields, customField{ID: c.fields.ReminderAttempts, Value: *u.Attempts})
	}
	if u.LastCallID != nil {
		body.CustomFields = append(body.CustomFields, customField{ID: c.fields.LastCallID, Value: *u.LastCallID})
	}
	if u.LastVoiceAttemptDate != nil {
		body.CustomFields = append(body.CustomFields, customField{ID: c.fields.LastVoiceAttemptDate, Value: *u.LastVoiceAttemptDate})
	}
	if u.Note != "" {
		body.Comment = &comment{Body: u.Note, Public: false}
	}
	if u.ExpectedVersion != "" {
		body.SafeUpdate = true
		body.UpdatedStamp = u.ExpectedVersion
	}

	err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/v2/tickets/%d.json", id), nil, ticketEnvelope{Ticket: body}, nil)
	switch {
	case errors.Is(err, errConflict):
		return tickets.ErrConflict
	case errors.Is(err, errNotFound):
		return tickets.ErrNotFound
	case err != nil:
		return fmt.Errorf("zendesk: update ticket %d: %w", id, err)
	}
	return nil
}

// Search runs the reminder form query. The appointment date filter is
// applied to the decoded tickets.
func (c *Client) Search(ctx context.Context, f tickets.Filter) ([]tickets.Ticket, error) {
	terms := []string{"type:ticket"}
	if c.formID != 0 {
		terms = append(terms, fmt.Sprintf("ticket_form_id:%d", c.formID))
	}
	terms = append(terms, "-status:solved")
	if f.State != "" {
		terms = append(terms, fmt.Sprintf("custom_field_%d:%s", c.fields.ReminderState, f.State))
	}
	if f.AppointmentDate != "" {
		terms = append(terms, fmt.Sprintf("custom_field_%d:%s", c.fields.AppointmentDate, f.AppointmentDate))
	}

	found, err := c.search(ctx, strings.Join(terms, " "))
	if err != nil {
		return nil, err
	}
	out := make([]tickets.Ticket, 0, len(found))
	for _, t := range found {
		if t.Matches(f) {
			out = append(out, t)
		}
	}
	c.logger.Info("reminder ticket search", "state", f.State, "appointment_date", f.AppointmentDate, "hits", len(out))
	return out, nil
}

// FindByBookingID returns the first ticket carrying bookingID.
func (c *Client) FindByBookingID(ctx context.Context, bookingID string) (*tickets.Ticket, error) {
	if strings.TrimSpace(bookingID) == "" {
		return nil, tickets.ErrNotFound
	}
	query := fmt.Sprintf(`type:ticket custom_field_%d:"%s"`, c.fields.BookingID, bookingID)
	found, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, tickets.ErrNotFound
	}
	if len(found) > 1 {
		c.logger.Warn("multiple tickets for booking, using first", "booking_id", bookingID, "ticket_id", found[0].ID)
	}
	return &found[0], nil
}

func (c *Client) search(ctx context.Context, query string) ([]tickets.Ticket, error) {
	var out []tickets.Ticket
	params := url.Values{"query": {query}}
	path := "/api/v2/search.json"
	for page := 0; page < 20; page++ {
		var resp searchResponse
		if err := c.doJSON(ctx, http.MethodGet, path, params, nil, &resp); err != nil {
			return nil, fmt.Errorf("zendesk: search: %w", err)
		}
		for _, raw := range resp.Results {
			var t apiTicket
			if err := json.Unmarshal(raw, &t); err != nil {
				c.logger.Warn("skipping undecodable search result", "error", err)
				continue
			}
			out = append(out, c.toTicket(t))
		}
		if resp.NextPage == "" {
			break
		}
		next, err := url.Parse(resp.NextPage)
		if err != nil {
			break
		}
		path = next.Path
		params = next.Query()
	}
	return out, nil
}

func (c *Client) toTicket(t apiTicket) tickets.Ticket {
	values := make(map[int64]any, len(t.CustomFields))
	for _, f := range t.CustomFields {
		values[f.ID] = f.Value
	}
	out := tickets.Ticket{
		ID:                   t.ID,
		BookingID:            fieldString(values[c.fields.BookingID]),
		AppointmentDate:      fieldString(values[c.fields.AppointmentDate]),
		AppointmentTime:      fieldString(values[c.fields.AppointmentTime]),
		State:                tickets.ParseState(fieldString(values[c.fields.ReminderState])),
		Attempts:             fieldInt(values[c.fields.ReminderAttempts]),
		LastCallID:           fieldString(values[c.fields.LastCallID]),
		LastVoiceAttemptDate: fieldString(values[c.fields.LastVoiceAttemptDate]),
		RequesterID:          t.RequesterID,
		Version:              t.UpdatedAt,
	}
	if c.fields.ChatUserID != 0 {
		out.ChatUserID = fieldString(values[c.fields.ChatUserID])
	}
	if ts, err := time.Parse(time.RFC3339, t.UpdatedAt); err == nil {
		out.UpdatedAt = ts
	}
	return out
}

func fieldString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func fieldInt(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
