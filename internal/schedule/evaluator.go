package schedule

import (
	"fmt"
	"time"
)

type Verdict int

const (
	NotDue Verdict = iota
	Due
	Invalid
)

func (v Verdict) String() string {
	switch v {
	case Due:
		return "due"
	case NotDue:
		return "not_due"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// Reason explains a NotDue or Invalid verdict.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonTimeNotReached    Reason = "time-not-reached"
	ReasonWeekendSkipped    Reason = "weekend-skipped"
	ReasonAlreadySentToday  Reason = "already-sent-today"
	ReasonSentWithinWeek    Reason = "sent-within-week"
	ReasonInvalidTimeFormat Reason = "invalid-time-format"
	ReasonUnknownFrequency  Reason = "unknown-frequency"
)

// Gate names, in evaluation order.
const (
	GateTimezone  = "timezone"
	GateTimeOfDay = "time_of_day"
	GateWeekend   = "weekend"
	GateFrequency = "frequency"
)

type GateStatus string

const (
	GatePass  GateStatus = "pass"
	GateFail  GateStatus = "fail"
	GateWarn  GateStatus = "warn"  // passed with a degraded input
	GateError GateStatus = "error" // input invalid
)

// GateResult is one line of the evaluation trace.
type GateResult struct {
	Gate   string     `json:"gate"`
	Status GateStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// Decision is the evaluator's verdict plus everything it observed.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  Reason  `json:"reason,omitempty"`
	// Err is set for Invalid verdicts and for degraded inputs.
	Err error `json:"-"`

	Location         string       `json:"location"`
	TimezoneFallback bool         `json:"timezone_fallback,omitempty"`
	LocalTime        TimeOfDay    `json:"local_time"`
	Today            Date         `json:"today"`
	Weekday          time.Weekday `json:"weekday"`
	Preferred        TimeOfDay    `json:"preferred"`
	Frequency        Frequency    `json:"frequency"`
	LastSent         Date         `json:"last_sent,omitzero"`
	LastSentIgnored  bool         `json:"last_sent_ignored,omitempty"`

	Trace []GateResult `json:"trace"`
}

// Evaluator decides whether a digest is due. It holds no per-user state.
type Evaluator struct {
	resolver *Resolver
}

func NewEvaluator(r *Resolver) *Evaluator {
	if r == nil {
		r = NewResolver(time.UTC)
	}
	return &Evaluator{resolver: r}
}

// Evaluate runs the gates in order. The verdict comes from the first gate that
// fails; later gates are still traced so diagnostics can show the full picture.
func (e *Evaluator) Evaluate(u UserSchedule, now time.Time) Decision {
	var d Decision
	fail := func(v Verdict, r Reason, err error) {
		if d.Verdict == Due {
			d.Verdict, d.Reason = v, r
			if err != nil {
				d.Err = err
			}
		}
	}
	d.Verdict = Due

	// 1-2. Timezone and local wall clock, degrading to the fallback zone.
	clk, tzErr := e.resolver.ClockNow(u.Timezone, now)
	d.Location = clk.Location.String()
	d.TimezoneFallback = clk.Fallback
	if clk.Fallback {
		d.Err = tzErr
		d.Trace = append(d.Trace, GateResult{Gate: GateTimezone, Status: GateWarn, Detail: fmt.Sprintf("%v; using %s", tzErr, clk.Location)})
	} else {
		d.Trace = append(d.Trace, GateResult{Gate: GateTimezone, Status: GatePass, Detail: d.Location})
	}
	d.LocalTime = clk.Time
	d.Today = clk.Date
	d.Weekday = clk.Weekday

	// 3. Time of day.
	pref, err := ParseTimeOfDay(u.PreferredSendTime)
	switch {
	case err != nil:
		d.Trace = append(d.Trace, GateResult{Gate: GateTimeOfDay, Status: GateError, Detail: err.Error()})
		fail(Invalid, ReasonInvalidTimeFormat, err)
	case HasTimeOfDayPassed(pref, d.LocalTime):
		d.Preferred = pref
		d.Trace = append(d.Trace, GateResult{Gate: GateTimeOfDay, Status: GatePass, Detail: fmt.Sprintf("%s >= %s", d.LocalTime, pref)})
	default:
		d.Preferred = pref
		d.Trace = append(d.Trace, GateResult{Gate: GateTimeOfDay, Status: GateFail, Detail: fmt.Sprintf("%s < %s", d.LocalTime, pref)})
		fail(NotDue, ReasonTimeNotReached, nil)
	}

	// 4. Weekend.
	switch {
	case !clk.IsWeekend():
		d.Trace = append(d.Trace, GateResult{Gate: GateWeekend, Status: GatePass, Detail: d.Weekday.String()})
	case u.WeekendDelivery:
		d.Trace = append(d.Trace, GateResult{Gate: GateWeekend, Status: GatePass, Detail: d.Weekday.String() + " (weekend delivery on)"})
	default:
		d.Trace = append(d.Trace, GateResult{Gate: GateWeekend, Status: GateFail, Detail: d.Weekday.String()})
		fail(NotDue, ReasonWeekendSkipped, nil)
	}

	// 5. Frequency / duplicate guard.
	freq, ok := ParseFrequency(u.SendFrequency)
	d.Frequency = freq
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownFrequency, u.SendFrequency)
		d.Trace = append(d.Trace, GateResult{Gate: GateFrequency, Status: GateError, Detail: err.Error()})
		fail(Invalid, ReasonUnknownFrequency, err)
		return d
	}

	last, haveLast := NormalizeDate(u.LastSentDate)
	if !haveLast && u.LastSentDate != "" {
		d.LastSentIgnored = true
	}
	d.LastSent = last

	status, detail, reason := frequencyGate(freq, last, haveLast, d.Today)
	if d.LastSentIgnored {
		detail = fmt.Sprintf("%s (stored %q unparseable, treated as never sent)", detail, u.LastSentDate)
	}
	d.Trace = append(d.Trace, GateResult{Gate: GateFrequency, Status: status, Detail: detail})
	if status == GateFail {
		fail(NotDue, reason, nil)
	}
	if d.Verdict == Due {
		d.Reason = ReasonNone
	}
	return d
}

func frequencyGate(freq Frequency, last Date, haveLast bool, today Date) (GateStatus, string, Reason) {
	if !haveLast {
		return GatePass, "never sent", ReasonNone
	}
	switch freq {
	case FrequencyWeekly:
		days := last.DaysUntil(today)
		if days >= 7 {
			return GatePass, fmt.Sprintf("last sent %s, %d days ago", last, days), ReasonNone
		}
		return GateFail, fmt.Sprintf("last sent %s, %d days ago (< 7)", last, days), ReasonSentWithinWeek
	default:
		if last.Before(today) {
			return GatePass, fmt.Sprintf("last sent %s", last), ReasonNone
		}
		return GateFail, fmt.Sprintf("last sent %s, today %s", last, today), ReasonAlreadySentToday
	}
}
