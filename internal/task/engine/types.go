package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

// runState counts queued plus running instances of one task name.
// SkipIfRunning refuses a new instance while the count is non-zero.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Overlap OverlapPolicy
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the bus for task lifecycle changes.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Event types.
const (
	EventTaskFinished = "task.finished"
	EventTaskSkipped  = "task.skipped"
	EventTaskDropped  = "task.dropped"
)

type Snapshot struct {
	Workers        int           `json:"workers"`
	QueueLen       int           `json:"queue_len"`
	QueueCap       int           `json:"queue_cap"`
	InFlight       int           `json:"in_flight"`
	Dropped        uint64        `json:"dropped"`
	Skipped        uint64        `json:"skipped"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	History        []HistoryItem `json:"history"`
}
