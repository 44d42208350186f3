package schedule

import "errors"

var (
	// ErrInvalidTimezone is returned for empty or unrecognized IANA names.
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrInvalidTimeFormat is returned when preferred_send_time does not parse.
	ErrInvalidTimeFormat = errors.New("invalid time format")
	// ErrUnparseableDate marks a stored last_sent_date that could not be read.
	// The evaluator treats it as "never sent".
	ErrUnparseableDate = errors.New("unparseable last sent date")
	// ErrUnknownFrequency is returned for a send_frequency other than daily or weekly.
	ErrUnknownFrequency = errors.New("unknown send frequency")
)
