package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"digestbot/internal/eventbus"
	rtsup "digestbot/internal/runtime/supervisor"
	logx "digestbot/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	stateMu sync.Mutex
	states  map[string]*runState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32
	dropped  atomic.Uint64
	skipped  atomic.Uint64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	state      *runState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "taskengine")),
		bus:    bus,
		states: map[string]*runState{},
	}
}

// Apply restarts the workers when the pool shape changes.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup, q, stopCh := s.sup, s.q, s.stopCh
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, q)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels running tasks and waits for the workers until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	err := sup.Stop(ctx)

	s.mu.Lock()
	s.q, s.stopCh, s.sup, s.stopping = nil, nil, nil, false
	s.mu.Unlock()
	s.stateMu.Lock()
	s.states = map[string]*runState{}
	s.stateMu.Unlock()

	if err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue adds a task without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopping := s.cfg, s.q, s.stopping
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	var st *runState
	if t.Overlap == OverlapSkipIfRunning {
		st = s.stateFor(t.Name)
		if !st.tryAcquire() {
			s.skipped.Add(1)
			s.publish(EventTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Error: "overlap"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
	}

	select {
	case q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout, state: st}:
		return nil
	default:
		if st != nil {
			st.release()
		}
		s.dropped.Add(1)
		s.publish(EventTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Error: "queue_full"})
		s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Dropped:        s.dropped.Load(),
		Skipped:        s.skipped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		History:        h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) stateFor(name string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &runState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
