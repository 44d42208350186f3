package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"digestbot/internal/schedule"
	"digestbot/internal/storage"
)

// markSent writes the marker after a confirmed send, retrying up to
// MarkerRetryMax attempts. Cancellation of ctx is ignored; each attempt has
// its own timeout.
func (inv *Invoker) markSent(ctx context.Context, cfg Config, userID string, date schedule.Date) (int, error) {
	mctx := context.WithoutCancel(ctx)
	b := &backoff.Backoff{
		Min:    cfg.MarkerRetryBase,
		Max:    cfg.MarkerRetryBase * 16,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(mctx, cfg.MarkerTimeout)
		_, err = inv.deps.Markers.MarkSent(actx, userID, date)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if errors.Is(err, storage.ErrNotFound) || attempt >= cfg.MarkerRetryMax {
			return attempt, err
		}
		t := time.NewTimer(b.Duration())
		<-t.C
	}
}
