package tickets

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Note is an audit note kept by MemoryStore.
type Note struct {
	TicketID  int64
	Body      string
	CreatedAt time.Time
}

// MemoryStore is a process-local Store used in development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	tickets map[int64]*memoryTicket
	notes   []Note
}

type memoryTicket struct {
	ticket  Ticket
	version int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, tickets: make(map[int64]*memoryTicket)}
}

// Put inserts or replaces a ticket as-is; used to seed fixtures.
func (s *MemoryStore) Put(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.nextID
	}
	if t.ID >= s.nextID {
		s.nextID = t.ID + 1
	}
	if t.State == "" {
		t.State = StatePending
	}
	s.tickets[t.ID] = &memoryTicket{ticket: t, version: 1}
}

func (s *MemoryStore) Create(_ context.Context, in NewTicket) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.tickets[id] = &memoryTicket{
		ticket: Ticket{
			ID:              id,
			BookingID:       in.BookingID,
			AppointmentDate: in.Start.Format("2006-01-02"),
			AppointmentTime: in.Start.Format("15:04"),
			State:           StatePending,
			RequesterID:     in.RequesterID,
			ChatUserID:      in.ChatUserID,
			CustomerName:    in.CustomerName,
			UpdatedAt:       time.Now().UTC(),
		},
		version: 1,
	}
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	t := rec.ticket
	t.Version = strconv.Itoa(rec.version)
	return &t, nil
}

func (s *MemoryStore) Update(_ context.Context, id int64, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tickets[id]
	if !ok {
		return ErrNotFound
	}
	if u.ExpectedVersion != "" && u.ExpectedVersion != strconv.Itoa(rec.version) {
		return ErrConflict
	}
	rec.ticket = rec.ticket.Apply(u)
	rec.ticket.UpdatedAt = time.Now().UTC()
	rec.version++
	if u.Note != "" {
		s.notes = append(s.notes, Note{TicketID: id, Body: u.Note, CreatedAt: rec.ticket.UpdatedAt})
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, f Filter) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ticket, 0)
	for _, rec := range s.tickets {
		if rec.ticket.Matches(f) {
			t := rec.ticket
			t.Version = strconv.Itoa(rec.version)
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindByBookingID(_ context.Context, bookingID string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Ticket
	for _, rec := range s.tickets {
		if rec.ticket.BookingID != bookingID {
			continue
		}
		if found == nil || rec.ticket.ID < found.ID {
			t := rec.ticket
			t.Version = strconv.Itoa(rec.version)
			found = &t
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Notes returns the audit notes recorded for id, oldest first.
func (s *MemoryStore) Notes(id int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.notes {
		if n.TicketID == id {
			out = append(out, n.Body)
		}
	}
	return out
}
