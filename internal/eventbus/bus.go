package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by digestbot components.
const (
	RunStarted     = "dispatch.run.started"
	RunFinished    = "dispatch.run.finished"
	ConfigReloaded = "config.reloaded"
	TriggerSkipped = "trigger.skipped"
)

// Event is an in-memory signal. Data should be a small value type.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers without ever blocking the publisher.
// A subscriber that falls behind loses events; Dropped counts them.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered channel. prefix filters on Event.Type;
	// "" receives everything.
	Subscribe(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	prefix string
	ch     chan Event
	closed atomic.Bool
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed.Load() || !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{prefix: prefix, ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race with a send.
			b.mu.Lock()
			s.closed.Store(true)
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
