package tickets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps reminder tickets in the reminder_tickets table. The
// integer version column backs optimistic concurrency.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		panic("tickets: db required")
	}
	return &PostgresStore{db: db}
}

const ticketColumns = `id, booking_id, appointment_date, appointment_time, state, attempts, ` +
	`last_call_id, last_voice_attempt_date, requester_id, chat_user_id, customer_name, version, updated_at`

func (s *PostgresStore) Create(ctx context.Context, in NewTicket) (int64, error) {
	query := `
		INSERT INTO reminder_tickets (booking_id, appointment_date, appointment_time, state, attempts,
			requester_id, chat_user_id, customer_name)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6)
		RETURNING id
	`
	var id int64
	err := s.db.QueryRow(ctx, query,
		in.BookingID,
		in.Start.Format("2006-01-02"),
		in.Start.Format("15:04"),
		in.RequesterID,
		in.ChatUserID,
		in.CustomerName,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("tickets: create: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Ticket, error) {
	row := s.db.QueryRow(ctx, `SELECT `+ticketColumns+` FROM reminder_tickets WHERE id = $1`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tickets: get %d: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) FindByBookingID(ctx context.Context, bookingID string) (*Ticket, error) {
	row := s.db.QueryRow(ctx, `SELECT `+ticketColumns+` FROM reminder_tickets WHERE booking_id = $1 ORDER BY id LIMIT 1`, bookingID)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tickets: find by booking: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Search(ctx context.Context, f Filter) ([]Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM reminder_tickets WHERE 1=1`
	args := []any{}
	if f.State != "" {
		args = append(args, string(f.State))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if f.AppointmentDate != "" {
		args = append(args, f.AppointmentDate)
		query += fmt.Sprintf(" AND appointment_date = $%d", len(args))
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tickets: search: %w", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("tickets: scan: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tickets: search rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, id int64, u Update) error {
	sets := []string{}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if u.State != nil {
		add("state", string(*u.State))
	}
	if u.Attempts != nil {
		add("attempts", *u.Attempts)
	}
	if u.LastCallID != nil {
		add("last_call_id", *u.LastCallID)
	}
	if u.LastVoiceAttemptDate != nil {
		add("last_voice_attempt_date", *u.LastVoiceAttemptDate)
	}
	sets = append(sets, "version = version + 1", "updated_at = now()")

	query := "UPDATE reminder_tickets SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if u.ExpectedVersion != "" {
		version, err := strconv.Atoi(u.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("tickets: invalid version %q: %w", u.ExpectedVersion, err)
		}
		args = append(args, version)
		query += fmt.Sprintf(" AND version = $%d", len(args))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tickets: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("tickets: update %d: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		if u.ExpectedVersion != "" {
			return ErrConflict
		}
		return ErrNotFound
	}
	if u.Note != "" {
		if _, err := tx.Exec(ctx, `INSERT INTO reminder_ticket_notes (ticket_id, body) VALUES ($1, $2)`, id, u.Note); err != nil {
			return fmt.Errorf("tickets: add note %d: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tickets: commit: %w", err)
	}
	return nil
}

func scanTicket(row pgx.Row) (*Ticket, error) {
	var (
		t         Ticket
		state     string
		version   int
		updatedAt time.Time
	)
	if err := row.Scan(
		&t.ID,
		&t.BookingID,
		&t.AppointmentDate,
		&t.AppointmentTime,
		&state,
		&t.Attempts,
		&t.LastCallID,
		&t.LastVoiceAttemptDate,
		&t.RequesterID,
		&t.ChatUserID,
		&t.CustomerName,
		&version,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	t.State = ParseState(state)
	t.Version = strconv.Itoa(version)
	t.UpdatedAt = updatedAt
	return &t, nil
}
