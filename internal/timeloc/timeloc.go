package timeloc

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTime is returned when a clinic-local civil time does not exist,
// which happens inside a daylight-saving spring-forward gap.
var ErrInvalidTime = errors.New("timeloc: civil time does not exist in timezone")

// ErrInvalidDate is returned for date expressions outside the supported grammar.
var ErrInvalidDate = errors.New("timeloc: unrecognized date expression")

// DefaultTimezone is the fallback timezone for clinics with a missing or
// invalid timezone value.
const DefaultTimezone = "Australia/Sydney"

// Date is a civil calendar date with no time-of-day and no timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate returns the Date for the given components, normalized the way
// time.Date normalizes out-of-range values.
func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DateOf returns the civil date of an instant as observed in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	local := t.In(loc)
	return Date{Year: local.Year(), Month: local.Month(), Day: local.Day()}
}

// Today returns the current civil date in loc.
func Today(loc *time.Location) Date {
	return DateOf(time.Now(), loc)
}

// ParseDate parses a literal YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return Date{}, fmt.Errorf("timeloc: %q: %w", s, ErrInvalidDate)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return NewDate(d.Year, d.Month, d.Day+n)
}

// Weekday returns the day of the week for d.
func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Weekday()
}

// Time returns midnight at the start of d in loc.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) Before(o Date) bool { return d.compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.compare(o) > 0 }
func (d Date) Equal(o Date) bool  { return d.compare(o) == 0 }
func (d Date) IsZero() bool       { return d == Date{} }

// DaysUntil returns the number of calendar days from d to o.
func (d Date) DaysUntil(o Date) int {
	return int(o.Time(time.UTC).Sub(d.Time(time.UTC)) / (24 * time.Hour))
}

func (d Date) compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return d.Year - o.Year
	case d.Month != o.Month:
		return int(d.Month) - int(o.Month)
	default:
		return d.Day - o.Day
	}
}

// Location resolves an IANA timezone name.
func Location(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("timeloc: empty timezone name")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timeloc: load timezone %q: %w", name, err)
	}
	return loc, nil
}

// LocationOrDefault resolves name, falling back to def when name is empty or
// unknown. Callers that care about the fallback should log it.
func LocationOrDefault(name string, def *time.Location) *time.Location {
	if loc, err := Location(name); err == nil {
		return loc
	}
	if def != nil {
		return def
	}
	return time.UTC
}

// ParseTimestamp parses a timestamp from an upstream API or webhook payload
// into UTC. Handles:
//   - RFC3339 with offset: "2006-01-02T15:04:05+10:00"
//   - RFC3339 UTC: "2006-01-02T15:04:05Z"
//   - Naive datetime (no timezone): "2006-01-02T15:04:05" — interpreted in loc
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}

	if t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, loc); err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("timeloc: cannot parse timestamp %q", raw)
}

// CombineDateTimeLocal builds the UTC instant for a clinic-local civil time.
// A civil time inside a daylight-saving gap fails with ErrInvalidTime; a
// civil time repeated by a daylight-saving fold resolves to its first
// occurrence.
func CombineDateTimeLocal(d Date, hour, minute int, loc *time.Location) (time.Time, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("timeloc: %02d:%02d: %w", hour, minute, ErrInvalidTime)
	}

	t := time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
	if !sameCivil(t, d, hour, minute) {
		return time.Time{}, fmt.Errorf("timeloc: %s %02d:%02d in %s: %w", d, hour, minute, loc, ErrInvalidTime)
	}

	// During a fold the same wall clock reads at two instants. Probe the
	// common transition shifts and keep the first occurrence.
	for _, shift := range []time.Duration{-time.Hour, -30 * time.Minute} {
		if alt := t.Add(shift); sameCivil(alt, d, hour, minute) {
			t = alt
			break
		}
	}

	return t.UTC(), nil
}

func sameCivil(t time.Time, d Date, hour, minute int) bool {
	return t.Year() == d.Year && t.Month() == d.Month && t.Day() == d.Day &&
		t.Hour() == hour && t.Minute() == minute
}

// FormatTimeForVoice renders an instant as a spoken clinic-local time,
// e.g. "9:30 AM".
func FormatTimeForVoice(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("3:04 PM")
}

// FormatDateForVoice renders a spoken clinic-local date, e.g. "Monday, July 7".
func FormatDateForVoice(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Monday, January 2")
}

// FormatSlotForVoice renders a full spoken slot phrase,
// e.g. "Monday, July 7 at 9:30 AM".
func FormatSlotForVoice(t time.Time, loc *time.Location) string {
	local := t.In(loc)
	return local.Format("Monday, January 2") + " at " + local.Format("3:04 PM")
}
