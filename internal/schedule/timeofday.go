package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

// TimeOfDay is a local wall-clock reading without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// minuteOfDay drops seconds; comparisons happen at minute granularity.
func (t TimeOfDay) minuteOfDay() int { return t.Hour*60 + t.Minute }

// ParseTimeOfDay accepts H:M, HH:MM and HH:MM:SS. Leading zeros are optional,
// so "9:5" is 09:05:00.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
	}

	limits := [3]int{23, 59, 59}
	var vals [3]int
	for i, p := range parts {
		if len(p) == 0 || len(p) > 2 {
			return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
			}
		}
		n, _ := strconv.Atoi(p)
		if n > limits[i] {
			return TimeOfDay{}, fmt.Errorf("%w: %q out of range", ErrInvalidTimeFormat, raw)
		}
		vals[i] = n
	}
	return TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

// HasTimeOfDayPassed reports observed >= preferred, ignoring seconds.
// It is a same-day comparison; date rollover is the caller's concern.
func HasTimeOfDayPassed(preferred, observed TimeOfDay) bool {
	return observed.minuteOfDay() >= preferred.minuteOfDay()
}
