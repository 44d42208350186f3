package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "digestbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitHistory(t *testing.T, s *Service, n int) []HistoryItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h := s.Snapshot().History
		if len(h) >= n {
			return h
		}
		if time.Now().After(deadline) {
			t.Fatalf("history=%d, want %d", len(h), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{})
	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "dispatch.run", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	h := waitHistory(t, s, 1)
	if h[0].Name != "dispatch.run" || h[0].Error != "" || h[0].ID == "" {
		t.Fatalf("history=%+v", h)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{Name: "dispatch.run", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err=%v", err)
	}
	close(release)
	waitHistory(t, s, 1)

	// Released once finished.
	ran := make(chan struct{})
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := s.Enqueue(Task{Name: "dispatch.run", Run: func(ctx context.Context) error { close(ran); return nil }})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("still skipped: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	<-ran
	if s.Snapshot().Skipped < 1 {
		t.Fatalf("skipped=%d", s.Snapshot().Skipped)
	}
}

func TestTimeoutAndPanicRecorded(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{DefaultTimeout: 20 * time.Millisecond})
	_ = s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error { panic("bad") }})

	h := waitHistory(t, s, 2)
	byName := map[string]HistoryItem{}
	for _, it := range h {
		byName[it.Name] = it
	}
	if byName["slow"].Error != context.DeadlineExceeded.Error() {
		t.Fatalf("slow=%+v", byName["slow"])
	}
	if byName["boom"].Error != "panic: bad" {
		t.Fatalf("boom=%+v", byName["boom"])
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "a", Overlap: OverlapAllow, Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	noop := func(context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "b", Overlap: OverlapAllow, Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Task{Name: "c", Overlap: OverlapAllow, Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v", err)
	}
	if s.Snapshot().Dropped != 1 {
		t.Fatal("drop not counted")
	}
}
