// Package slots computes bookable appointment slots and the day-threshold
// rules that decide when an appointment may be confirmed or cancelled.
package slots

import (
	"fmt"
	"strings"
	"time"
)

const clockLayout = "15:04"

// Window is a clinic's daily operating window. End is inclusive: a slot may
// start exactly at End.
type Window struct {
	Start    string
	End      string
	Interval time.Duration
}

// DefaultWindow is 09:00 to 21:00 in 30 minute steps.
func DefaultWindow() Window {
	return Window{Start: "09:00", End: "21:00", Interval: 30 * time.Minute}
}

// NewWindow builds a window from configuration values.
func NewWindow(start, end string, intervalMinutes int) Window {
	return Window{Start: start, End: end, Interval: time.Duration(intervalMinutes) * time.Minute}
}

// Validate reports whether the window can produce slots at all.
func (w Window) Validate() error {
	start, err := ParseClock(w.Start)
	if err != nil {
		return err
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return err
	}
	if w.Interval <= 0 {
		return fmt.Errorf("slots: interval must be positive, got %s", w.Interval)
	}
	if start > end {
		return fmt.Errorf("slots: window start %s after end %s", w.Start, w.End)
	}
	return nil
}

// Available returns the open HH:MM slots of the window, in order, excluding
// any slot whose start equals a booked time. Booked values that are not on
// the interval grid are ignored. A misconfigured window yields no slots.
func Available(w Window, booked []string) []string {
	start, err := ParseClock(w.Start)
	if err != nil {
		return []string{}
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return []string{}
	}
	if w.Interval <= 0 || start > end {
		return []string{}
	}

	taken := make(map[time.Duration]struct{}, len(booked))
	for _, b := range booked {
		if offset, err := ParseClock(b); err == nil {
			taken[offset] = struct{}{}
		}
	}

	out := make([]string, 0, int((end-start)/w.Interval)+1)
	for cur := start; cur <= end; cur += w.Interval {
		if _, ok := taken[cur]; ok {
			continue
		}
		out = append(out, FormatClock(cur))
	}
	return out
}

// IsOpen reports whether the HH:MM value is one of the open slots.
func IsOpen(w Window, booked []string, hhmm string) bool {
	want, err := ParseClock(hhmm)
	if err != nil {
		return false
	}
	for _, label := range Available(w, booked) {
		if got, _ := ParseClock(label); got == want {
			return true
		}
	}
	return false
}

// ParseClock parses HH:MM into an offset from midnight.
func ParseClock(value string) (time.Duration, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("slots: invalid time of day %q: %w", value, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// FormatClock renders an offset from midnight as HH:MM.
func FormatClock(offset time.Duration) string {
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}
