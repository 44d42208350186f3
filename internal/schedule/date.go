package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Date is a civil calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// midnightUTC anchors the date in UTC, where every day is exactly 24h long.
func (d Date) midnightUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Before(o Date) bool { return d.midnightUTC().Before(o.midnightUTC()) }
func (d Date) After(o Date) bool  { return d.midnightUTC().After(o.midnightUTC()) }

// DaysUntil returns the number of whole days from d to o (negative if o is earlier).
func (d Date) DaysUntil(o Date) int {
	return int(o.midnightUTC().Sub(d.midnightUTC()) / (24 * time.Hour))
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.midnightUTC().AddDate(0, 0, n))
}

func (d Date) Weekday() time.Weekday { return d.midnightUTC().Weekday() }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	v, ok := NormalizeDate(string(b))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnparseableDate, string(b))
	}
	*d = v
	return nil
}

// ParseDate parses canonical YYYY-MM-DD only.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrUnparseableDate, s)
	}
	return DateOf(t), nil
}

// Layouts tolerated for historical last_sent_date values, tried in order.
// Timestamps keep the calendar date as written, without converting zones.
var legacyDateLayouts = []string{
	time.DateOnly,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	time.DateTime,
	"2006/01/02",
	"Mon Jan 02 2006",
	"Mon Jan 2 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"01/02/2006",
	"1/2/2006",
}

// NormalizeDate canonicalizes a stored date string. ok is false for empty or
// unparseable input; callers treat that as "never sent".
func NormalizeDate(raw string) (Date, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Date{}, false
	}
	for _, layout := range legacyDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), true
		}
	}
	// Date.prototype.toString output: "Tue Mar 12 2024 07:03:00 GMT-0400 (...)".
	if len(s) > 15 {
		if t, err := time.Parse("Mon Jan 02 2006", s[:15]); err == nil {
			return DateOf(t), true
		}
	}
	return Date{}, false
}
