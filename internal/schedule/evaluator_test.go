package schedule

import (
	"errors"
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

// at returns the instant that shows the given wall clock in loc.
func at(loc *time.Location, y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestEvaluateNewYorkMorning(t *testing.T) {
	t.Parallel()

	ny := mustLoad(t, "America/New_York")
	ev := NewEvaluator(NewResolver(time.UTC))
	u := UserSchedule{
		UserID:            "u-ny",
		Timezone:          "America/New_York",
		PreferredSendTime: "07:00:00",
		SendFrequency:     "daily",
		WeekendDelivery:   false,
	}

	// Tuesday 2024-03-12, 07:03 local.
	tue := at(ny, 2024, time.March, 12, 7, 3)
	d := ev.Evaluate(u, tue)
	if d.Verdict != Due {
		t.Fatalf("Tuesday 07:03: verdict=%v reason=%s", d.Verdict, d.Reason)
	}
	if d.Today.String() != "2024-03-12" {
		t.Fatalf("today=%s", d.Today)
	}

	// Five minutes later, after the marker is written.
	u.LastSentDate = d.Today.String()
	d = ev.Evaluate(u, tue.Add(5*time.Minute))
	if d.Verdict != NotDue || d.Reason != ReasonAlreadySentToday {
		t.Fatalf("after send: verdict=%v reason=%s", d.Verdict, d.Reason)
	}

	// Following Saturday, 07:03 local.
	d = ev.Evaluate(u, at(ny, 2024, time.March, 16, 7, 3))
	if d.Verdict != NotDue || d.Reason != ReasonWeekendSkipped {
		t.Fatalf("Saturday: verdict=%v reason=%s", d.Verdict, d.Reason)
	}
}

func TestEvaluateAcrossDSTTransition(t *testing.T) {
	t.Parallel()

	la := mustLoad(t, "America/Los_Angeles")
	ev := NewEvaluator(nil)
	u := UserSchedule{
		UserID:            "u-la",
		Timezone:          "America/Los_Angeles",
		PreferredSendTime: "09:00",
		SendFrequency:     "daily",
		WeekendDelivery:   true,
	}

	tests := []struct {
		name    string
		instant time.Time
		want    Verdict
	}{
		// Spring forward on 2024-03-10: PST (-8) before, PDT (-7) after.
		{name: "day before spring forward 09:00 PST", instant: time.Date(2024, time.March, 9, 17, 0, 0, 0, time.UTC), want: Due},
		{name: "day after spring forward 09:00 PDT", instant: time.Date(2024, time.March, 11, 16, 0, 0, 0, time.UTC), want: Due},
		// A fixed -8 offset would read 08:59 here as 07:59 and 09:00 as 08:00.
		{name: "day after spring forward 08:59 PDT", instant: time.Date(2024, time.March, 11, 15, 59, 0, 0, time.UTC), want: NotDue},
		// Fall back on 2024-11-03: PDT before, PST after.
		{name: "day before fall back 09:00 PDT", instant: time.Date(2024, time.November, 2, 16, 0, 0, 0, time.UTC), want: Due},
		{name: "day after fall back 09:00 PST", instant: time.Date(2024, time.November, 4, 17, 0, 0, 0, time.UTC), want: Due},
		{name: "day after fall back 08:00 PST", instant: time.Date(2024, time.November, 4, 16, 0, 0, 0, time.UTC), want: NotDue},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := ev.Evaluate(u, tt.instant)
			if d.Verdict != tt.want {
				t.Fatalf("verdict=%v reason=%s local=%s", d.Verdict, d.Reason, d.LocalTime)
			}
			if tt.want == Due && d.LocalTime != localTime(tt.instant.In(la)) {
				t.Fatalf("local time %s does not match wall clock", d.LocalTime)
			}
		})
	}
}

func TestEvaluateGates(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(NewResolver(time.UTC))
	// Wednesday 2024-05-15 12:30 UTC.
	wed := time.Date(2024, time.May, 15, 12, 30, 0, 0, time.UTC)
	// Saturday 2024-05-18 12:30 UTC.
	sat := time.Date(2024, time.May, 18, 12, 30, 0, 0, time.UTC)

	base := UserSchedule{UserID: "u", Timezone: "UTC", PreferredSendTime: "12:00", SendFrequency: "daily"}
	with := func(mut func(*UserSchedule)) UserSchedule {
		u := base
		mut(&u)
		return u
	}

	tests := []struct {
		name    string
		user    UserSchedule
		now     time.Time
		verdict Verdict
		reason  Reason
	}{
		{name: "never sent, time passed", user: base, now: wed, verdict: Due},
		{name: "exact minute", user: with(func(u *UserSchedule) { u.PreferredSendTime = "12:30" }), now: wed, verdict: Due},
		{name: "seconds ignored", user: with(func(u *UserSchedule) { u.PreferredSendTime = "12:30:59" }), now: wed, verdict: Due},
		{name: "one minute early", user: with(func(u *UserSchedule) { u.PreferredSendTime = "12:31" }), now: wed, verdict: NotDue, reason: ReasonTimeNotReached},
		{name: "daily sent today", user: with(func(u *UserSchedule) { u.LastSentDate = "2024-05-15" }), now: wed, verdict: NotDue, reason: ReasonAlreadySentToday},
		{name: "daily sent today, early", user: with(func(u *UserSchedule) { u.LastSentDate = "2024-05-15"; u.PreferredSendTime = "23:00" }), now: wed, verdict: NotDue, reason: ReasonTimeNotReached},
		{name: "daily sent yesterday", user: with(func(u *UserSchedule) { u.LastSentDate = "2024-05-14" }), now: wed, verdict: Due},
		{name: "daily future marker", user: with(func(u *UserSchedule) { u.LastSentDate = "2024-05-16" }), now: wed, verdict: NotDue, reason: ReasonAlreadySentToday},
		{name: "weekly 6 days", user: with(func(u *UserSchedule) { u.SendFrequency = "weekly"; u.LastSentDate = "2024-05-09" }), now: wed, verdict: NotDue, reason: ReasonSentWithinWeek},
		{name: "weekly exactly 7 days", user: with(func(u *UserSchedule) { u.SendFrequency = "weekly"; u.LastSentDate = "2024-05-08" }), now: wed, verdict: Due},
		{name: "weekly never sent", user: with(func(u *UserSchedule) { u.SendFrequency = "weekly" }), now: wed, verdict: Due},
		{name: "weekend skipped", user: base, now: sat, verdict: NotDue, reason: ReasonWeekendSkipped},
		{name: "weekend delivery on", user: with(func(u *UserSchedule) { u.WeekendDelivery = true }), now: sat, verdict: Due},
		{name: "weekend beats frequency", user: with(func(u *UserSchedule) { u.LastSentDate = "2024-05-18" }), now: sat, verdict: NotDue, reason: ReasonWeekendSkipped},
		{name: "legacy last sent today", user: with(func(u *UserSchedule) { u.LastSentDate = "Wed May 15 2024" }), now: wed, verdict: NotDue, reason: ReasonAlreadySentToday},
		{name: "garbage last sent", user: with(func(u *UserSchedule) { u.LastSentDate = "yesterday-ish" }), now: wed, verdict: Due},
		{name: "bad time format", user: with(func(u *UserSchedule) { u.PreferredSendTime = "noon" }), now: wed, verdict: Invalid, reason: ReasonInvalidTimeFormat},
		{name: "unknown frequency", user: with(func(u *UserSchedule) { u.SendFrequency = "hourly" }), now: wed, verdict: Invalid, reason: ReasonUnknownFrequency},
		{name: "empty frequency is daily", user: with(func(u *UserSchedule) { u.SendFrequency = ""; u.LastSentDate = "2024-05-15" }), now: wed, verdict: NotDue, reason: ReasonAlreadySentToday},
		{name: "lenient 9:5", user: with(func(u *UserSchedule) { u.PreferredSendTime = "9:5" }), now: wed, verdict: Due},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := ev.Evaluate(tt.user, tt.now)
			if d.Verdict != tt.verdict || d.Reason != tt.reason {
				t.Fatalf("got %v/%q, want %v/%q (trace=%+v)", d.Verdict, d.Reason, tt.verdict, tt.reason, d.Trace)
			}
			if len(d.Trace) != 4 {
				t.Fatalf("trace has %d gates, want 4", len(d.Trace))
			}
		})
	}
}

func TestEvaluateInvalidTimezoneFallsBack(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(NewResolver(time.UTC))
	now := time.Date(2024, time.May, 15, 12, 30, 0, 0, time.UTC)

	for _, tz := range []string{"", "Not/AZone", "Local", "PST"} {
		d := ev.Evaluate(UserSchedule{UserID: "u", Timezone: tz, PreferredSendTime: "12:00"}, now)
		if d.Verdict != Due {
			t.Fatalf("tz %q: verdict=%v reason=%s", tz, d.Verdict, d.Reason)
		}
		if !d.TimezoneFallback || d.Location != "UTC" {
			t.Fatalf("tz %q: fallback=%v location=%s", tz, d.TimezoneFallback, d.Location)
		}
		if !errors.Is(d.Err, ErrInvalidTimezone) {
			t.Fatalf("tz %q: err=%v", tz, d.Err)
		}
		if d.Trace[0].Status != GateWarn {
			t.Fatalf("tz %q: timezone gate=%s", tz, d.Trace[0].Status)
		}
	}
}

func TestEvaluateTraceKeepsLaterGates(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(nil)
	sat := time.Date(2024, time.May, 18, 8, 0, 0, 0, time.UTC)
	d := ev.Evaluate(UserSchedule{UserID: "u", Timezone: "UTC", PreferredSendTime: "09:00", LastSentDate: "2024-05-18"}, sat)

	if d.Reason != ReasonTimeNotReached {
		t.Fatalf("first failing gate should win, got %s", d.Reason)
	}
	want := []GateStatus{GatePass, GateFail, GateFail, GateFail}
	for i, g := range d.Trace {
		if g.Status != want[i] {
			t.Fatalf("gate %s status=%s, want %s", g.Gate, g.Status, want[i])
		}
	}
}

// A settings change after today's send does not re-trigger delivery today.
func TestPreferredTimeChangeDoesNotResend(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(nil)
	now := time.Date(2024, time.May, 15, 18, 0, 0, 0, time.UTC)
	u := UserSchedule{UserID: "u", Timezone: "UTC", PreferredSendTime: "07:00", LastSentDate: "2024-05-15"}
	u.PreferredSendTime = "17:00"
	if d := ev.Evaluate(u, now); d.Verdict != NotDue {
		t.Fatalf("verdict=%v reason=%s", d.Verdict, d.Reason)
	}
}
