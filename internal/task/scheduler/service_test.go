package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"digestbot/internal/eventbus"
	"digestbot/internal/task/engine"
	logx "digestbot/pkg/logx"
)

type fakeEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (f *fakeEngine) Enqueue(t engine.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func TestFireEnqueuesDispatchRun(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	var gotTrigger string
	s := New(Config{Timeout: time.Minute}, eng, func(ctx context.Context, trigger string) error {
		gotTrigger = trigger
		return nil
	}, logx.Nop(), nil)

	if err := s.Fire("manual"); err != nil {
		t.Fatal(err)
	}
	if len(eng.tasks) != 1 {
		t.Fatalf("tasks=%d", len(eng.tasks))
	}
	task := eng.tasks[0]
	if task.Name != TaskName || task.Overlap != engine.OverlapSkipIfRunning || task.Timeout != time.Minute {
		t.Fatalf("task=%+v", task)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotTrigger != "manual" {
		t.Fatalf("trigger=%q", gotTrigger)
	}
	if s.Snapshot().Fired != 1 {
		t.Fatal("fired not counted")
	}
}

func TestFireOverlapPublishesSkip(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(eventbus.TriggerSkipped, 1)
	defer unsub()

	s := New(Config{}, &fakeEngine{err: engine.ErrOverlapSkip}, func(context.Context, string) error { return nil }, logx.Nop(), bus)
	if err := s.Fire("cron"); !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("err=%v", err)
	}
	select {
	case ev := <-events:
		if ev.Data.(SkipEvent).Task != TaskName {
			t.Fatalf("event=%+v", ev)
		}
	default:
		t.Fatal("no skip event")
	}
	snap := s.Snapshot()
	if snap.Skipped != 1 || snap.Failed != 0 {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestFireQueueFullCountsFailure(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeEngine{err: engine.ErrQueueFull}, func(context.Context, string) error { return nil }, logx.Nop(), nil)
	if err := s.Fire("cron"); !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("err=%v", err)
	}
	if s.Snapshot().Failed != 1 {
		t.Fatal("failure not counted")
	}
}

func TestStartComputesNextInTimezone(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Cadence: "0 7 * * *", Timezone: "America/New_York"}, &fakeEngine{}, func(context.Context, string) error { return nil }, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "America/New_York" {
		t.Fatalf("snap=%+v", snap)
	}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	next := snap.Next.In(ny)
	if next.IsZero() || next.Hour() != 7 || next.Minute() != 0 {
		t.Fatalf("next=%v", snap.Next)
	}
	if !next.After(time.Now()) {
		t.Fatalf("next=%v is not in the future", next)
	}
}

func TestStartDisabledAndApply(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeEngine{}, func(context.Context, string) error { return nil }, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())
	if s.Snapshot().Running {
		t.Fatal("disabled trigger is running")
	}

	if err := s.Apply(Config{Enabled: true, Cadence: "@every 1h"}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if !snap.Running || snap.Cadence != "@every 1h" || snap.Next.IsZero() {
		t.Fatalf("snap=%+v", snap)
	}

	if err := s.Apply(Config{Enabled: true, Cadence: "not a cron"}); err == nil {
		t.Fatal("expected cadence error")
	}
	if s.Snapshot().Cadence != "@every 1h" {
		t.Fatal("invalid cadence was applied")
	}
}

func TestStartRejectsBadCadence(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Cadence: "61 * * * *"}, &fakeEngine{}, func(context.Context, string) error { return nil }, logx.Nop(), nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
