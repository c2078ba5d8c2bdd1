package booking

import (
	"fmt"
	"strings"
	"time"
)

const graphDateTimeLayout = "2006-01-02T15:04:05"

// Clock converts between provider UTC instants and the clinic's fixed offset.
type Clock struct {
	loc   *time.Location
	label string
}

// NewClock builds a clock for a whole-hour UTC offset.
func NewClock(offsetHours int) Clock {
	label := fmt.Sprintf("UTC%+d", offsetHours)
	return Clock{loc: time.FixedZone(label, offsetHours*3600), label: label}
}

// Location is the clinic-local zone.
func (c Clock) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Label names the offset, e.g. "UTC+8".
func (c Clock) Label() string {
	if c.label == "" {
		return "UTC"
	}
	return c.label
}

// Local converts t into clinic-local time.
func (c Clock) Local(t time.Time) time.Time {
	return t.In(c.Location())
}

// ParseUTC reads a provider dateTime such as "2025-11-20T06:00:00.0000000Z"
// and returns it in clinic-local time.
func (c Clock) ParseUTC(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "Z")
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	t, err := time.ParseInLocation(graphDateTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("booking: parse dateTime %q: %w", raw, err)
	}
	return t.In(c.Location()), nil
}

// FormatUTC renders t as a provider UTC dateTime.
func (c Clock) FormatUTC(t time.Time) string {
	return t.UTC().Format(graphDateTimeLayout) + "Z"
}

// DayRange returns the UTC bounds [start, end) of a clinic-local date.
func (c Clock) DayRange(date string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(time.DateOnly, date, c.Location())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("booking: invalid date %q: %w", date, err)
	}
	return day.UTC(), day.AddDate(0, 0, 1).UTC(), nil
}

// At builds a clinic-local instant from a date and an HH:MM time.
func (c Clock) At(date, hhmm string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+hhmm, c.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("booking: invalid date/time %q %q: %w", date, hhmm, err)
	}
	return t, nil
}

// Today returns midnight of now's clinic-local date.
func (c Clock) Today(now time.Time) time.Time {
	l := now.In(c.Location())
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.Location())
}

// DateAfter returns the clinic-local date days after now as YYYY-MM-DD.
func (c Clock) DateAfter(now time.Time, days int) string {
	return c.Today(now).AddDate(0, 0, days).Format(time.DateOnly)
}
