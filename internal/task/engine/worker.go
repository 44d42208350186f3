package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "digestbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	if qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	dur := time.Since(start)

	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Duration("took", dur), logx.Err(err))
	} else {
		s.log.Debug("task finished", logx.String("task", qt.task.Name), logx.Duration("took", dur), logx.Duration("queue_delay", queueDelay))
	}
	s.record(item)
	s.publish(EventTaskFinished, ev)
}
