package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"digestbot/internal/eventbus"
	"digestbot/internal/task/engine"
	logx "digestbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	engine Enqueuer
	run    RunFunc
	parser cron.Parser

	started bool
	c       *cron.Cron
	entryID cron.EntryID
	loc     *time.Location

	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	warnMu   sync.Mutex
	lastWarn time.Time
}

func New(cfg Config, eng Enqueuer, run RunFunc, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "scheduler")),
		bus:    bus,
		engine: eng,
		run:    run,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the cadence and starts ticking. A disabled trigger is a no-op.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	if !s.cfg.Enabled {
		s.log.Info("trigger disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cur := s.cfg
	sched, err := s.parser.Parse(strings.TrimSpace(cur.Cadence))
	if err != nil {
		return fmt.Errorf("scheduler: cadence %q: %w", cur.Cadence, err)
	}
	loc := loadLocation(cur.Timezone, s.log)

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.entryID = c.Schedule(sched, cron.FuncJob(func() { _ = s.fire("cron") }))
	s.c, s.loc = c, loc
	c.Start()
	s.log.Info("trigger started", logx.String("cadence", cur.Cadence), logx.String("tz", loc.String()), logx.Time("next", c.Entry(s.entryID).Next))
	return nil
}

// Stop halts ticking. Runs already handed to the engine are not affected.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.entryID, s.started = nil, 0, false
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped")
}

// Apply swaps the config, restarting the cron when cadence, timezone or the
// enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if _, err := s.parser.Parse(strings.TrimSpace(cfg.Cadence)); err != nil {
		return fmt.Errorf("scheduler: cadence %q: %w", cfg.Cadence, err)
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	c := s.c
	restart := s.started && (prev.Cadence != cfg.Cadence ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		prev.Enabled != cfg.Enabled)
	if !restart {
		s.mu.Unlock()
		return nil
	}
	s.c, s.entryID = nil, 0
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.started || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

// Fire enqueues a run right away, outside the cadence.
func (s *Service) Fire(trigger string) error {
	return s.fire(trigger)
}

func (s *Service) fire(trigger string) error {
	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	run := s.run
	err := s.engine.Enqueue(engine.Task{
		Name:    TaskName,
		Timeout: timeout,
		Overlap: engine.OverlapSkipIfRunning,
		Run: func(ctx context.Context) error {
			return run(ctx, trigger)
		},
	})
	switch {
	case err == nil:
		s.fired.Add(1)
	case errors.Is(err, engine.ErrOverlapSkip):
		s.skipped.Add(1)
		s.log.Debug("trigger skipped, previous run still active", logx.String("trigger", trigger))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TriggerSkipped, Data: SkipEvent{Task: TaskName, Reason: "overlap"}})
		}
	default:
		s.failed.Add(1)
		s.reportEnqueueError(trigger, err)
	}
	return err
}

func (s *Service) reportEnqueueError(trigger string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	if !s.lastWarn.IsZero() && now.Sub(s.lastWarn) < enqueueWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn = now
	s.warnMu.Unlock()

	// Queue full / stopping can be bursty.
	s.log.Warn("trigger failed to enqueue run", logx.String("trigger", trigger), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, c, id, loc := s.cfg, s.c, s.entryID, s.loc
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  cfg.Enabled,
		Running:  c != nil,
		Cadence:  cfg.Cadence,
		Timezone: cfg.Timezone,
		Fired:    s.fired.Load(),
		Skipped:  s.skipped.Load(),
		Failed:   s.failed.Load(),
	}
	if loc != nil {
		snap.Timezone = loc.String()
	}
	if c != nil && id != 0 {
		e := c.Entry(id)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	return snap
}

func loadLocation(name string, log logx.Logger) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("invalid trigger timezone; using UTC", logx.String("tz", name), logx.Err(err))
		return time.UTC
	}
	return loc
}
