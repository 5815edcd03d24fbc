package domain

import (
	"fmt"
	"time"
)

// Date layouts used across drivers. Archive filenames always carry the
// julian form (YYYYDDD); the ISO form is used in the catalog and on the CLI.
const (
	LayoutISO    = "2006-01-02"
	LayoutJulian = "2006002"
)

// Date is a calendar date with day precision, always UTC.
type Date struct {
	t time.Time
}

// NewDate creates a Date from year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a time to day precision in UTC.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// ParseDate parses an ISO date (2021-01-01) or a julian date (2021001).
func ParseDate(s string) (Date, error) {
	for _, layout := range []string{LayoutISO, LayoutJulian} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, &ParseError{Kind: "date", Input: s}
}

// ParseDateLayout parses a date using an explicit Go time layout.
func ParseDateLayout(layout, s string) (Date, error) {
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return Date{}, &ParseError{Kind: "date", Input: s, Err: err}
	}
	return DateOf(t), nil
}

// IsZero reports whether the date is the zero value.
func (d Date) IsZero() bool { return d.t.IsZero() }

// Time returns the underlying time at midnight UTC.
func (d Date) Time() time.Time { return d.t }

// Year returns the calendar year.
func (d Date) Year() int { return d.t.Year() }

// Julian returns the YYYYDDD form.
func (d Date) Julian() string { return d.t.Format(LayoutJulian) }

// String returns the ISO form.
func (d Date) String() string { return d.t.Format(LayoutISO) }

// Format formats the date using a Go time layout.
func (d Date) Format(layout string) string { return d.t.Format(layout) }

// Equal reports whether two dates are the same day.
func (d Date) Equal(o Date) bool { return d.t.Equal(o.t) }

// Before reports whether d is before o.
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }

// After reports whether d is after o.
func (d Date) After(o Date) bool { return d.t.After(o.t) }

// AddDays returns the date n days later (or earlier for negative n).
func (d Date) AddDays(n int) Date { return DateOf(d.t.AddDate(0, 0, n)) }

// MarshalText implements encoding.TextMarshaler using the ISO form.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateRange is an inclusive range of days.
type DateRange struct {
	From Date
	To   Date
}

// NewDateRange validates and builds a range.
func NewDateRange(from, to Date) (DateRange, error) {
	if from.IsZero() || to.IsZero() {
		return DateRange{}, fmt.Errorf("date range: %w", ErrInvalidInput)
	}
	if to.Before(from) {
		return DateRange{}, fmt.Errorf("date range %s..%s: %w", from, to, ErrInvalidInput)
	}
	return DateRange{From: from, To: to}, nil
}

// Contains reports whether the range includes d.
func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.From) && !d.After(r.To)
}

// Days returns every date in the range in ascending order.
func (r DateRange) Days() []Date {
	var days []Date
	for d := r.From; !d.After(r.To); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// Len returns the number of days in the range.
func (r DateRange) Len() int {
	return int(r.To.t.Sub(r.From.t).Hours()/24) + 1
}
