package tickets

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const defaultConflictRetries = 3

// TransitionObserver receives every applied state change.
type TransitionObserver interface {
	ObserveTransition(from, to string)
}

// Result describes what a ledger operation did to one ticket.
type Result struct {
	Ticket  Ticket
	Applied bool
	// Reason explains a skipped write: "terminal", "duplicate", "not_pending".
	Reason string
}

// Mutation inspects the current ticket and decides the write. Returning a
// nil update with an empty reason means nothing to do.
type Mutation func(t Ticket) (*Update, string, error)

// Ledger performs read-check-write transitions against a Store, re-reading
// and retrying when the store reports a version conflict.
type Ledger struct {
	store    Store
	logger   *logging.Logger
	observer TransitionObserver
	retries  int
}

// NewLedger wraps store. A nil observer disables transition metrics.
func NewLedger(store Store, observer TransitionObserver, logger *logging.Logger) *Ledger {
	if store == nil {
		panic("tickets: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{store: store, logger: logger, observer: observer, retries: defaultConflictRetries}
}

// Store exposes the underlying store for reads.
func (l *Ledger) Store() Store {
	return l.store
}

// Apply reads ticket id, runs m against it and writes the result.
func (l *Ledger) Apply(ctx context.Context, id int64, m Mutation) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= l.retries; attempt++ {
		current, err := l.store.Get(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("tickets: load %d: %w", id, err)
		}
		update, reason, err := m(*current)
		if err != nil {
			return Result{Ticket: *current}, err
		}
		if update == nil || update.Empty() {
			return Result{Ticket: *current, Reason: reason}, nil
		}
		if update.ExpectedVersion == "" {
			update.ExpectedVersion = current.Version
		}
		err = l.store.Update(ctx, id, *update)
		if errors.Is(err, ErrConflict) {
			lastErr = err
			l.logger.Warn("ticket update conflict, retrying", "ticket_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return Result{Ticket: *current}, fmt.Errorf("tickets: update %d: %w", id, err)
		}
		next := current.Apply(*update)
		if update.State != nil && l.observer != nil {
			l.observer.ObserveTransition(string(current.State), string(next.State))
		}
		return Result{Ticket: next, Applied: true}, nil
	}
	return Result{}, fmt.Errorf("tickets: update %d: %w", id, lastErr)
}

// Queue moves a pending ticket to queued and increments its attempts. A
// ticket that is no longer pending is left alone.
func (l *Ledger) Queue(ctx context.Context, id int64, note string) (Result, error) {
	return l.Apply(ctx, id, func(t Ticket) (*Update, string, error) {
		if t.State.Terminal() {
			return nil, "terminal", nil
		}
		if t.State != StatePending {
			return nil, "not_pending", nil
		}
		u, err := TransitionTo(t, StateQueued, note)
		if err != nil {
			return nil, "", err
		}
		return &u, "", nil
	})
}

// Resolve moves a queued ticket to success or failed. Pending and terminal
// tickets are left alone.
func (l *Ledger) Resolve(ctx context.Context, id int64, to State, note string) (Result, error) {
	if to != StateSuccess && to != StateFailed {
		return Result{}, fmt.Errorf("%w: resolve to %s", ErrInvalidTransition, to)
	}
	return l.Apply(ctx, id, func(t Ticket) (*Update, string, error) {
		if t.State.Terminal() {
			return nil, "terminal", nil
		}
		if t.State != StateQueued {
			return nil, "not_queued", nil
		}
		u, err := TransitionTo(t, to, note)
		if err != nil {
			return nil, "", err
		}
		return &u, "", nil
	})
}

// Cancel moves any non-terminal ticket to cancelled.
func (l *Ledger) Cancel(ctx context.Context, id int64, note string) (Result, error) {
	return l.Apply(ctx, id, func(t Ticket) (*Update, string, error) {
		if t.State.Terminal() {
			return nil, "terminal", nil
		}
		u, err := TransitionTo(t, StateCancelled, note)
		if err != nil {
			return nil, "", err
		}
		return &u, "", nil
	})
}

// CallRecord is one voice call outcome to record on a ticket.
type CallRecord struct {
	CallID string
	Date   string
	// Target is success or failed; empty records the attempt without a
	// state change.
	Target State
	Note   string
}

// RecordCall stores a call outcome once per call id. A repeat of the last
// call id is absorbed unless it carries the final outcome of a call whose
// attempt was recorded earlier; that one moves the state without counting a
// second attempt. A final outcome that reaches a ticket still pending, because
// the callback beat the dispatcher's queue write, moves it to the target in
// the same write so the later Queue finds it terminal.
func (l *Ledger) RecordCall(ctx context.Context, id int64, rec CallRecord) (Result, error) {
	if rec.CallID == "" {
		return Result{}, errors.New("tickets: call id required")
	}
	if rec.Target != "" && rec.Target != StateSuccess && rec.Target != StateFailed {
		return Result{}, fmt.Errorf("%w: call outcome %s", ErrInvalidTransition, rec.Target)
	}
	return l.Apply(ctx, id, func(t Ticket) (*Update, string, error) {
		sameCall := t.LastCallID == rec.CallID
		if sameCall && (rec.Target == "" || t.State.Terminal()) {
			return nil, "duplicate", nil
		}
		if t.State.Terminal() {
			return nil, "terminal", nil
		}
		u := Update{
			LastVoiceAttemptDate: stringPtr(rec.Date),
			Note:                 rec.Note,
			ExpectedVersion:      t.Version,
		}
		if !sameCall {
			u.Attempts = intPtr(t.Attempts + 1)
			u.LastCallID = stringPtr(rec.CallID)
		}
		if rec.Target != "" {
			u.State = statePtr(rec.Target)
		}
		return &u, "", nil
	})
}
