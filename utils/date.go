package utils

import "time"

// DateOnly truncates t to its calendar day in UTC.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// WithinDays reports whether t falls on a calendar day in [from, to].
func WithinDays(t, from, to time.Time) bool {
	d := DateOnly(t)
	return !d.Before(DateOnly(from)) && !d.After(DateOnly(to))
}

// OnOrBeforeDay reports whether t falls on or before the calendar day of limit.
func OnOrBeforeDay(t, limit time.Time) bool {
	return !DateOnly(t).After(DateOnly(limit))
}

// MonthsTouched counts the calendar months a [from, to] window spans.
// A window inside a single month counts as 1.
func MonthsTouched(from, to time.Time) int {
	f, t := DateOnly(from), DateOnly(to)
	if t.Before(f) {
		return 0
	}
	return (t.Year()-f.Year())*12 + int(t.Month()) - int(f.Month()) + 1
}

// ParseDay accepts YYYY-MM-DD or RFC3339.
func ParseDay(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
