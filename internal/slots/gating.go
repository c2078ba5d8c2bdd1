package slots

import (
	"errors"
	"time"
)

var (
	// ErrDateInPast is returned when a booking targets a day before today.
	ErrDateInPast = errors.New("slots: date is in the past")
	// ErrDateTooFar is returned when a booking is beyond the booking horizon.
	ErrDateTooFar = errors.New("slots: date is beyond the booking horizon")
)

// Policy holds the two independent day thresholds for patient actions.
type Policy struct {
	// ConfirmOpenDaysBefore opens confirmation this many days before the visit.
	ConfirmOpenDaysBefore int
	// CancelDeadlineDaysBefore is the last day, counted before the visit, on
	// which cancellation is still allowed.
	CancelDeadlineDaysBefore int
}

// DefaultPolicy opens confirmation and closes cancellation three days out.
func DefaultPolicy() Policy {
	return Policy{ConfirmOpenDaysBefore: 3, CancelDeadlineDaysBefore: 3}
}

// CanConfirm is true when today >= apptDate - ConfirmOpenDaysBefore.
func (p Policy) CanConfirm(today, apptDate time.Time) bool {
	opens := civil(apptDate).AddDate(0, 0, -p.ConfirmOpenDaysBefore)
	return !civil(today).Before(opens)
}

// CanCancel is true when today <= apptDate - CancelDeadlineDaysBefore.
func (p Policy) CanCancel(today, apptDate time.Time) bool {
	deadline := civil(apptDate).AddDate(0, 0, -p.CancelDeadlineDaysBefore)
	return !civil(today).After(deadline)
}

// ValidateBookingDate rejects past days and days more than maxDaysAhead out.
func ValidateBookingDate(today, date time.Time, maxDaysAhead int) error {
	d := civil(date)
	t := civil(today)
	if d.Before(t) {
		return ErrDateInPast
	}
	if maxDaysAhead >= 0 && d.After(t.AddDate(0, 0, maxDaysAhead)) {
		return ErrDateTooFar
	}
	return nil
}

// civil drops the clock and location, keeping the calendar date as read in
// the value's own location.
func civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
