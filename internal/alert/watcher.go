package alert

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

const defaultDedupWindow = 30 * time.Minute

// Watcher alerts on dispatch runs that failed or had per-user errors.
type Watcher struct {
	sender logx.AlertSender
	bus    eventbus.Bus
	log    logx.Logger
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	dedup map[uint64]time.Time
}

func NewWatcher(sender logx.AlertSender, bus eventbus.Bus, window time.Duration, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &Watcher{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "alert")),
		window: window,
		now:    time.Now,
		dedup:  map[uint64]time.Time{},
	}
}

// Run consumes RunFinished events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	events, unsub := w.bus.Subscribe(eventbus.RunFinished, 16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			sum, ok := ev.Data.(dispatch.Summary)
			if !ok {
				continue
			}
			w.handle(ctx, sum)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, sum dispatch.Summary) {
	text, key := formatRun(sum)
	if text == "" || w.suppressed(key) {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := w.sender.SendAlert(sctx, text); err != nil {
		// Not Error: that level is itself forwarded to alerts.
		w.log.Warn("alert delivery failed", logx.String("run_id", sum.RunID), logx.Err(err))
	}
}

func (w *Watcher) suppressed(key uint64) bool {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, until := range w.dedup {
		if now.After(until) {
			delete(w.dedup, k)
		}
	}
	if until, ok := w.dedup[key]; ok && now.Before(until) {
		return true
	}
	w.dedup[key] = now.Add(w.window)
	return false
}

// formatRun returns "" for clean runs. The dedup key ignores the run ID and
// counts so a storage outage repeating every tick alerts once per window.
func formatRun(sum dispatch.Summary) (string, uint64) {
	h := fnv.New64a()
	var b strings.Builder
	switch {
	case sum.Status == storage.RunFailed:
		fmt.Fprintf(&b, "digest run %s failed", sum.RunID)
		if sum.Error != "" {
			fmt.Fprintf(&b, ": %s", sum.Error)
		}
		_, _ = h.Write([]byte("failed|" + sum.Error))
	case sum.Errored > 0:
		fmt.Fprintf(&b, "digest run %s finished with %d error(s)", sum.RunID, sum.Errored)
		_, _ = h.Write([]byte("errored"))
	default:
		return "", 0
	}
	fmt.Fprintf(&b, "\nchecked=%d matched=%d sent=%d errored=%d", sum.Checked, sum.Matched, sum.Sent, sum.Errored)
	if sum.Trigger != "" {
		fmt.Fprintf(&b, "\ntrigger=%s", sum.Trigger)
	}
	return b.String(), h.Sum64()
}
