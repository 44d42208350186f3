package scheduler

import (
	"context"
	"time"

	"digestbot/internal/task/engine"
)

// TaskName is the engine task every tick enqueues.
const TaskName = "dispatch.run"

// DefaultCadence checks for due users every five minutes.
const DefaultCadence = "*/5 * * * *"

type Config struct {
	Enabled bool
	// Cadence is a cron spec (5 or 6 fields) or a descriptor like "@every 5m".
	Cadence string
	// Timezone of the cron trigger. Empty means UTC.
	Timezone string
	// Timeout bounds one enqueued run in the engine. Zero uses the engine default.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cadence == "" {
		c.Cadence = DefaultCadence
	}
	return c
}

// Enqueuer is the part of engine.Service the trigger needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// RunFunc executes one batch. trigger names what fired it.
type RunFunc func(ctx context.Context, trigger string) error

// SkipEvent is published with eventbus.TriggerSkipped.
type SkipEvent struct {
	Task   string
	Reason string
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Cadence  string
	Timezone string
	Next     time.Time
	Prev     time.Time
	Fired    uint64
	Skipped  uint64
	Failed   uint64
}
