package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-reminders/internal/audit"
	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// Callback results reported to the observer.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultSkipped   = "skipped"
	ResultError     = "error"
)

// CallbackObserver counts reconciled callbacks per ticket.
type CallbackObserver interface {
	ObserveCallback(status, result string)
}

// Report summarises one reconciled callback.
type Report struct {
	CallID     string  `json:"call_id"`
	Status     Status  `json:"status"`
	Applied    []int64 `json:"applied"`
	Duplicates []int64 `json:"duplicates"`
	// Skipped holds tickets that were terminal or missing.
	Skipped []int64  `json:"skipped"`
	Failed  []int64  `json:"failed"`
	Invalid []string `json:"invalid,omitempty"`
}

// Reconciler records voice outcomes on the tickets a call covered.
type Reconciler struct {
	ledger   *tickets.Ledger
	sink     audit.Sink
	observer CallbackObserver
	clock    booking.Clock
	now      func() time.Time
	logger   *logging.Logger
}

// NewReconciler builds a Reconciler. sink and observer may be nil.
func NewReconciler(ledger *tickets.Ledger, sink audit.Sink, observer CallbackObserver, clock booking.Clock, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		ledger:   ledger,
		sink:     audit.OrNop(sink),
		observer: observer,
		clock:    clock,
		now:      time.Now,
		logger:   logger,
	}
}

// Reconcile applies cb to every ticket it names. Each ticket is handled
// independently; a failure on one does not stop the rest. Redelivery of the
// same call id is absorbed per ticket.
func (r *Reconciler) Reconcile(ctx context.Context, cb Callback) (Report, error) {
	if cb.CallID == "" {
		return Report{}, ErrNoCallID
	}
	report := Report{CallID: cb.CallID, Status: cb.Status, Invalid: cb.InvalidTicketIDs}
	for _, raw := range cb.InvalidTicketIDs {
		r.logger.Warn("voice: skipping malformed ticket id", "call_id", cb.CallID, "ticket_id", raw)
	}
	if len(cb.TicketIDs) == 0 {
		return report, ErrNoTicketIDs
	}

	now := r.now()
	rec := tickets.CallRecord{
		CallID: cb.CallID,
		Date:   r.clock.Today(now).Format(time.DateOnly),
		Target: targetState(cb.Status),
		Note: fmt.Sprintf("Voice call %s reported %q (%s) at %s %s",
			cb.CallID, cb.RawStatus, cb.Status, r.clock.Local(now).Format("2006/01/02 15:04"), r.clock.Label()),
	}

	for _, id := range cb.TicketIDs {
		res, err := r.ledger.RecordCall(ctx, id, rec)
		switch {
		case errors.Is(err, tickets.ErrNotFound):
			r.logger.Warn("voice: callback names unknown ticket", "call_id", cb.CallID, "ticket_id", id)
			report.Skipped = append(report.Skipped, id)
			r.observe(cb.Status, ResultSkipped)
		case err != nil:
			r.logger.Error("voice: record call failed", "call_id", cb.CallID, "ticket_id", id, "error", err)
			report.Failed = append(report.Failed, id)
			r.observe(cb.Status, ResultError)
		case res.Applied:
			report.Applied = append(report.Applied, id)
			r.observe(cb.Status, ResultApplied)
		case res.Reason == "duplicate":
			report.Duplicates = append(report.Duplicates, id)
			r.observe(cb.Status, ResultDuplicate)
		default:
			r.logger.Info("voice: callback left ticket unchanged", "call_id", cb.CallID, "ticket_id", id, "reason", res.Reason)
			report.Skipped = append(report.Skipped, id)
			r.observe(cb.Status, ResultSkipped)
		}
	}

	r.record(ctx, audit.EventCallbackApplied, cb, report.Applied)
	r.record(ctx, audit.EventCallbackDuplicate, cb, report.Duplicates)

	r.logger.Info("voice: callback reconciled",
		"call_id", cb.CallID,
		"status", cb.Status,
		"applied", len(report.Applied),
		"duplicates", len(report.Duplicates),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	return report, nil
}

func (r *Reconciler) record(ctx context.Context, t audit.EventType, cb Callback, ids []int64) {
	if len(ids) == 0 {
		return
	}
	err := r.sink.Record(ctx, audit.Event{
		Type:      t,
		TicketIDs: ids,
		Channel:   "voice",
		CallID:    cb.CallID,
		Outcome:   string(cb.Status),
		Detail:    cb.RawStatus,
	})
	if err != nil {
		r.logger.Warn("voice: audit record failed", "call_id", cb.CallID, "event", t, "error", err)
	}
}

func (r *Reconciler) observe(status Status, result string) {
	if r.observer != nil {
		r.observer.ObserveCallback(string(status), result)
	}
}

func targetState(s Status) tickets.State {
	switch s {
	case StatusSuccess:
		return tickets.StateSuccess
	case StatusFailed:
		return tickets.StateFailed
	default:
		return ""
	}
}
