package schedule

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Resolver maps IANA names to locations and reads local wall clocks.
// Loaded zones are cached; it is safe for concurrent use.
type Resolver struct {
	fallback *time.Location

	mu    sync.RWMutex
	cache map[string]*time.Location
}

// NewResolver returns a resolver that substitutes fallback for bad zones.
// A nil fallback means UTC.
func NewResolver(fallback *time.Location) *Resolver {
	if fallback == nil {
		fallback = time.UTC
	}
	return &Resolver{fallback: fallback, cache: map[string]*time.Location{}}
}

// ResolveLocation loads tz from the IANA database.
// Empty names and "Local" are rejected: they are not user zones.
func (r *Resolver) ResolveLocation(tz string) (*time.Location, error) {
	name := strings.TrimSpace(tz)
	if name == "" || strings.EqualFold(name, "local") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}

	r.mu.RLock()
	loc, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, tz, err)
	}
	r.mu.Lock()
	r.cache[name] = loc
	r.mu.Unlock()
	return loc, nil
}

// LocationOrFallback never fails; fellBack reports whether tz was rejected.
func (r *Resolver) LocationOrFallback(tz string) (loc *time.Location, fellBack bool, err error) {
	loc, err = r.ResolveLocation(tz)
	if err != nil {
		return r.fallback, true, err
	}
	return loc, false, nil
}

// LocalClock is the wall clock read in one zone at one instant.
type LocalClock struct {
	Location *time.Location
	// Fallback is set when the requested zone was rejected.
	Fallback bool
	Time     TimeOfDay
	Date     Date
	Weekday  time.Weekday
}

func (c LocalClock) IsWeekend() bool { return isWeekend(c.Weekday) }

// ClockNow reads the wall clock in tz at now. A rejected tz is replaced by the
// fallback zone and the rejection is returned with a usable clock.
func (r *Resolver) ClockNow(tz string, now time.Time) (LocalClock, error) {
	loc, fellBack, err := r.LocationOrFallback(tz)
	c := readClock(loc, now)
	c.Fallback = fellBack
	return c, err
}

// LocalTimeNow is the wall-clock time shown in tz at now.
func (r *Resolver) LocalTimeNow(tz string, now time.Time) (TimeOfDay, error) {
	loc, err := r.ResolveLocation(tz)
	if err != nil {
		return TimeOfDay{}, err
	}
	return readClock(loc, now).Time, nil
}

// LocalDateNow is the calendar date in tz at now.
func (r *Resolver) LocalDateNow(tz string, now time.Time) (Date, error) {
	loc, err := r.ResolveLocation(tz)
	if err != nil {
		return Date{}, err
	}
	return readClock(loc, now).Date, nil
}

// IsWeekend reports whether the local weekday in tz is Saturday or Sunday.
func (r *Resolver) IsWeekend(tz string, now time.Time) (bool, error) {
	loc, err := r.ResolveLocation(tz)
	if err != nil {
		return false, err
	}
	return readClock(loc, now).IsWeekend(), nil
}

func readClock(loc *time.Location, now time.Time) LocalClock {
	local := now.In(loc)
	return LocalClock{Location: loc, Time: localTime(local), Date: DateOf(local), Weekday: local.Weekday()}
}

func localTime(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay{Hour: h, Minute: m, Second: s}
}

func isWeekend(d time.Weekday) bool { return d == time.Saturday || d == time.Sunday }
