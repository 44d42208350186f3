// Package schedule decides whether a user's digest is due.
//
// Everything here is a pure function of a UserSchedule and an instant. Local
// wall-clock readings always come from the IANA database through time.Location,
// so daylight-saving transitions are handled by the calendar, not by offsets.
//
// The evaluator runs its gates in a fixed order (timezone, time of day, weekend,
// frequency) and reports the first failing one. It also records every gate in a
// Trace so diagnostics and production share a single implementation.
package schedule
