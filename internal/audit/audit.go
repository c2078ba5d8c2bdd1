// Package audit keeps the append-only trail of reminder activity.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventType names an audited reminder event.
type EventType string

const (
	// EventDispatched is logged when a group's reminder was sent or dialled.
	EventDispatched EventType = "reminder.dispatched"
	// EventDispatchFailed is logged when a group's dispatch failed and its tickets stayed pending.
	EventDispatchFailed EventType = "reminder.dispatch_failed"
	// EventCallbackApplied is logged when a voice outcome was recorded on a ticket.
	EventCallbackApplied EventType = "voice.callback_applied"
	// EventCallbackDuplicate is logged when a redelivered voice outcome was absorbed.
	EventCallbackDuplicate EventType = "voice.callback_duplicate"
	// EventTicketCancelled is logged when an appointment cancellation closed its ticket.
	EventTicketCancelled EventType = "ticket.cancelled"
	// EventTicketConfirmed is logged when a patient confirmed a visit.
	EventTicketConfirmed EventType = "ticket.confirmed"
)

// Event is one immutable audit record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"event_type"`
	TicketIDs []int64   `json:"ticket_ids"`
	GroupKey  string    `json:"group_key,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink accepts audit events.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// OrNop returns s, or a discarding sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Recorder writes events to reminder_audit_events.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder over a lib/pq handle.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record inserts one event.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	ids := e.TicketIDs
	if ids == nil {
		ids = []int64{}
	}

	query := `
		INSERT INTO reminder_audit_events (
			id, event_type, ticket_ids, group_key, channel,
			call_id, outcome, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		string(e.Type),
		pq.Array(ids),
		nullString(e.GroupKey),
		nullString(e.Channel),
		nullString(e.CallID),
		nullString(e.Outcome),
		nullString(e.Detail),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record event: %w", err)
	}
	return nil
}

// ForTicket returns the newest events touching ticketID.
func (r *Recorder) ForTicket(ctx context.Context, ticketID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, event_type, ticket_ids, group_key, channel, call_id, outcome, detail, created_at
		FROM reminder_audit_events
		WHERE $1 = ANY(ticket_ids)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                                          Event
			eventType                                  string
			ids                                        pq.Int64Array
			groupKey, channel, callID, outcome, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &eventType, &ids, &groupKey, &channel, &callID, &outcome, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Type = EventType(eventType)
		e.TicketIDs = []int64(ids)
		e.GroupKey = groupKey.String
		e.Channel = channel.String
		e.CallID = callID.String
		e.Outcome = outcome.String
		e.Detail = detail.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
