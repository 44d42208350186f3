package storage

import (
	"context"
	"errors"
	"time"

	"digestbot/internal/schedule"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a pgx connection string
//   - "file": Path prefixes the snapshot and run log files
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// User is a digest recipient and their delivery settings.
// LastSentDate holds the stored value verbatim, which may be a legacy format.
type User struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name,omitempty"`
	Timezone          string    `json:"timezone"`
	PreferredSendTime string    `json:"preferred_send_time"`
	SendFrequency     string    `json:"send_frequency"`
	WeekendDelivery   bool      `json:"weekend_delivery"`
	LastSentDate      string    `json:"last_sent_date,omitempty"`
	Sources           []string  `json:"sources,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (u User) Schedule() schedule.UserSchedule {
	return schedule.UserSchedule{
		UserID:            u.ID,
		Email:             u.Email,
		Timezone:          u.Timezone,
		PreferredSendTime: u.PreferredSendTime,
		SendFrequency:     u.SendFrequency,
		WeekendDelivery:   u.WeekendDelivery,
		LastSentDate:      u.LastSentDate,
	}
}

// IsCandidate mirrors the directory filter: email, timezone and send time present.
func (u User) IsCandidate() bool {
	return u.Email != "" && u.Timezone != "" && u.PreferredSendTime != ""
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunRecord is one scheduling run: created at start, finalized at the end.
type RunRecord struct {
	ID                string       `json:"id"`
	Trigger           string       `json:"trigger,omitempty"`
	Status            string       `json:"status"`
	StartedAt         time.Time    `json:"started_at"`
	FinishedAt        time.Time    `json:"finished_at,omitzero"`
	CandidatesChecked int          `json:"candidates_checked"`
	MatchedCount      int          `json:"matched_count"`
	SentCount         int          `json:"sent_count"`
	ErrorCount        int          `json:"error_count"`
	Results           []UserResult `json:"per_user_results"`
	Error             string       `json:"error,omitempty"`
}

// UserResult is one user's outcome within a run.
type UserResult struct {
	UserID    string `json:"user_id"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	LocalDate string `json:"local_date,omitempty"`
	SendID    string `json:"send_id,omitempty"`
	Error     string `json:"error,omitempty"`
	TookMS    int64  `json:"took_ms,omitempty"`
	// TimezoneFallback marks a user evaluated in the fallback zone because
	// their stored timezone was rejected.
	TimezoneFallback bool `json:"timezone_fallback,omitempty"`
}

// Store is the persistence API used by the dispatcher and the HTTP surface.
type Store interface {
	// ListCandidates returns users with email, timezone and preferred_send_time set.
	ListCandidates(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id string) (User, error)
	// UpsertUser writes settings. It never changes an existing last_sent_date.
	UpsertUser(ctx context.Context, u User) error

	// MarkSent raises last_sent_date to date. It reports false when the stored
	// date is already >= date.
	MarkSent(ctx context.Context, userID string, date schedule.Date) (bool, error)

	CreateRun(ctx context.Context, r RunRecord) error
	FinishRun(ctx context.Context, r RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}

// canonicalLastSent normalizes a marker at the write boundary.
// Unparseable input is dropped rather than stored.
func canonicalLastSent(raw string) string {
	d, ok := schedule.NormalizeDate(raw)
	if !ok {
		return ""
	}
	return d.String()
}

// markerAdvances reports whether date should replace stored.
func markerAdvances(stored string, date schedule.Date) bool {
	cur, ok := schedule.NormalizeDate(stored)
	if !ok {
		return true
	}
	return cur.Before(date)
}
