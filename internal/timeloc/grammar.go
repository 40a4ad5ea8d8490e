package timeloc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseDateExpression resolves a caller-supplied date expression against a
// reference date. The supported grammar is fixed:
//   - literal YYYY-MM-DD
//   - "today", "tomorrow"
//   - a weekday name, resolving to the next occurrence (today counts)
//   - "next <weekday>", resolving to the occurrence at least 7 days away
//
// Anything else fails with ErrInvalidDate.
func ParseDateExpression(expr string, today Date) (Date, error) {
	s := strings.ToLower(strings.TrimSpace(expr))

	switch s {
	case "":
		return Date{}, fmt.Errorf("timeloc: empty date expression: %w", ErrInvalidDate)
	case "today":
		return today, nil
	case "tomorrow":
		return today.AddDays(1), nil
	}

	if rest, ok := strings.CutPrefix(s, "next "); ok {
		wd, ok := weekdayNames[strings.TrimSpace(rest)]
		if !ok {
			return Date{}, fmt.Errorf("timeloc: %q: %w", expr, ErrInvalidDate)
		}
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		} else if ahead < 7 {
			ahead += 7
		}
		return today.AddDays(ahead), nil
	}

	if wd, ok := weekdayNames[s]; ok {
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		return today.AddDays(ahead), nil
	}

	if d, err := ParseDate(s); err == nil {
		return d, nil
	}

	return Date{}, fmt.Errorf("timeloc: %q: %w", expr, ErrInvalidDate)
}

var (
	clockPattern    = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*(am|pm)?$`)
	hourPattern     = regexp.MustCompile(`^(\d{1,2})\s*(am|pm)$`)
	militaryPattern = regexp.MustCompile(`^(\d{1,2})(\d{2})$`)
)

// ParseTimeExpression extracts an (hour, minute) pair from a caller-supplied
// time expression such as "10:30am", "2pm" or "1400". Unrecognized or empty
// expressions fall back to 10:00 AM, the default suggestion hour.
func ParseTimeExpression(expr string) (hour, minute int) {
	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return 10, 0
	}

	if m := clockPattern.FindStringSubmatch(s); m != nil {
		if h, min, ok := clockComponents(m[1], m[2], m[3]); ok {
			return h, min
		}
	}
	if m := hourPattern.FindStringSubmatch(s); m != nil {
		if h, min, ok := clockComponents(m[1], "0", m[2]); ok {
			return h, min
		}
	}
	if m := militaryPattern.FindStringSubmatch(s); m != nil {
		if h, min, ok := clockComponents(m[1], m[2], ""); ok {
			return h, min
		}
	}

	return 10, 0
}

func clockComponents(hourStr, minuteStr, period string) (int, int, bool) {
	h, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0, 0, false
	}
	m, err := strconv.Atoi(minuteStr)
	if err != nil {
		return 0, 0, false
	}

	switch period {
	case "pm":
		if h < 12 {
			h += 12
		}
	case "am":
		if h == 12 {
			h = 0
		}
	}

	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
