package dispatch

import (
	"context"
	"errors"
	"time"

	"digestbot/internal/schedule"
	"digestbot/internal/storage"
)

var (
	// ErrPipelineFailure wraps any error from the generate-and-send pipeline,
	// including a per-user timeout.
	ErrPipelineFailure = errors.New("pipeline failure")
	// ErrStorageUnavailable fails the whole run when it happens before the
	// worklist is built. After a send it only affects that user.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrRunInProgress      = errors.New("run already in progress")
)

// Per-user outcomes.
const (
	OutcomeSent           = "sent"
	OutcomeNotDue         = "not-due"
	OutcomeInvalid        = "invalid"
	OutcomeError          = "error"
	OutcomeSentUnrecorded = "sent-unrecorded"
	OutcomeSkippedBudget  = "skipped-budget"
	// OutcomeSkippedCanceled is a due user not started because the caller
	// canceled the run.
	OutcomeSkippedCanceled = "skipped-canceled"
)

type Config struct {
	// RunBudget bounds when users may start. Users not started in time are
	// skipped; sends already started run to PerUserTimeout.
	RunBudget      time.Duration
	PerUserTimeout time.Duration
	MaxInFlight    int

	MarkerRetryMax  int
	MarkerRetryBase time.Duration
	// MarkerTimeout bounds one marker write attempt.
	MarkerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunBudget <= 0 {
		c.RunBudget = 4 * time.Minute
	}
	if c.PerUserTimeout <= 0 {
		c.PerUserTimeout = 60 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.MarkerRetryMax <= 0 {
		c.MarkerRetryMax = 5
	}
	if c.MarkerRetryBase <= 0 {
		c.MarkerRetryBase = 200 * time.Millisecond
	}
	if c.MarkerTimeout <= 0 {
		c.MarkerTimeout = 10 * time.Second
	}
	return c
}

// Directory loads the users eligible for evaluation.
type Directory interface {
	ListCandidates(ctx context.Context) ([]storage.User, error)
}

// Recipient is what the pipeline needs to build and deliver one digest.
type Recipient struct {
	UserID    string
	Email     string
	Name      string
	Sources   []string
	Frequency schedule.Frequency
	LocalDate schedule.Date
	Location  string
}

type SendResult struct {
	SendID     string
	AcceptedAt time.Time
}

// Pipeline generates and delivers a digest. A nil error means the message was
// accepted; the dispatcher never retries a failed send.
type Pipeline interface {
	Send(ctx context.Context, r Recipient) (SendResult, error)
}

// MarkerStore holds last_sent_date. MarkSent never lowers the stored date.
type MarkerStore interface {
	MarkSent(ctx context.Context, userID string, date schedule.Date) (bool, error)
}

type AuditStore interface {
	CreateRun(ctx context.Context, r storage.RunRecord) error
	FinishRun(ctx context.Context, r storage.RunRecord) error
}

// Deps are the invoker's collaborators. storage.Store satisfies the three
// storage ports.
type Deps struct {
	Directory Directory
	Pipeline  Pipeline
	Markers   MarkerStore
	Audit     AuditStore
}

// Result is one user's outcome.
type Result = storage.UserResult

// Summary is returned to the trigger and stored as the run record.
type Summary struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger,omitempty"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Checked    int       `json:"checked"`
	Matched    int       `json:"matched"`
	Sent       int       `json:"sent"`
	Errored    int       `json:"errored"`
	Results    []Result  `json:"results"`
	Error      string    `json:"error,omitempty"`
}

func (s Summary) record() storage.RunRecord {
	return storage.RunRecord{
		ID:                s.RunID,
		Trigger:           s.Trigger,
		Status:            s.Status,
		StartedAt:         s.StartedAt,
		FinishedAt:        s.FinishedAt,
		CandidatesChecked: s.Checked,
		MatchedCount:      s.Matched,
		SentCount:         s.Sent,
		ErrorCount:        s.Errored,
		Results:           s.Results,
		Error:             s.Error,
	}
}

// Diagnostic is the read-only per-user view of an evaluation.
type Diagnostic struct {
	UserID         string `json:"user_id"`
	Timezone       string `json:"timezone"`
	PreferredRaw   string `json:"preferred_send_time"`
	LastSentStored string `json:"last_sent_stored,omitempty"`
	Error          string `json:"error,omitempty"`
	schedule.Decision
}
