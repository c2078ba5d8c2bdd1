package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProvider is an in-process calendar for local runs and tests.
type MemoryProvider struct {
	mu       sync.Mutex
	appts    map[string]Appointment
	duration time.Duration
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty calendar.
func NewMemoryProvider(defaultDuration time.Duration) *MemoryProvider {
	if defaultDuration <= 0 {
		defaultDuration = 30 * time.Minute
	}
	return &MemoryProvider{appts: make(map[string]Appointment), duration: defaultDuration}
}

// Put stores a fully formed appointment.
func (p *MemoryProvider) Put(a Appointment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appts[a.ID] = a
}

func (p *MemoryProvider) GetAppointment(_ context.Context, id string) (*Appointment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.appts[id]
	if !ok || a.Cancelled {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (p *MemoryProvider) ListAppointmentsForDate(_ context.Context, date string) ([]Appointment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Appointment
	for _, a := range p.appts {
		if !a.Cancelled && a.Date() == date {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (p *MemoryProvider) CreateAppointment(_ context.Context, in NewAppointment) (*Appointment, error) {
	duration := in.Duration
	if duration <= 0 {
		duration = p.duration
	}
	a := Appointment{
		ID:            uuid.NewString(),
		Start:         in.Start,
		Duration:      duration,
		CustomerName:  in.CustomerName,
		CustomerPhone: in.CustomerPhone,
		CustomerEmail: in.CustomerEmail,
		ServiceNotes:  in.ServiceNotes,
	}
	p.mu.Lock()
	p.appts[a.ID] = a
	p.mu.Unlock()
	return &a, nil
}

func (p *MemoryProvider) UpdateServiceNotes(_ context.Context, id, notes string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.appts[id]
	if !ok || a.Cancelled {
		return ErrNotFound
	}
	a.ServiceNotes = notes
	p.appts[id] = a
	return nil
}

// CancelAppointment marks the appointment cancelled; it then reads as missing.
func (p *MemoryProvider) CancelAppointment(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.appts[id]
	if !ok || a.Cancelled {
		return ErrNotFound
	}
	a.Cancelled = true
	p.appts[id] = a
	return nil
}
