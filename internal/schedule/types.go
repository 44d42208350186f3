package schedule

import "strings"

type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// ParseFrequency normalizes a stored frequency. Empty means daily.
func ParseFrequency(s string) (Frequency, bool) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case "", FrequencyDaily:
		return FrequencyDaily, true
	case FrequencyWeekly:
		return FrequencyWeekly, true
	default:
		return Frequency(s), false
	}
}

// UserSchedule is the scheduling view of a user record.
// Fields hold raw stored values; the evaluator validates them.
type UserSchedule struct {
	UserID            string `json:"user_id"`
	Email             string `json:"email"`
	Timezone          string `json:"timezone"`
	PreferredSendTime string `json:"preferred_send_time"`
	SendFrequency     string `json:"send_frequency"`
	WeekendDelivery   bool   `json:"weekend_delivery"`
	LastSentDate      string `json:"last_sent_date,omitempty"`
}
