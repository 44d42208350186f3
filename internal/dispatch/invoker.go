package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"digestbot/internal/eventbus"
	"digestbot/internal/schedule"
	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

// finalizeTimeout bounds the closing audit write, which runs detached from
// the caller's context.
const finalizeTimeout = 15 * time.Second

// Invoker runs one stateless scheduling pass per call. Everything that must
// survive between runs lives in the stores.
type Invoker struct {
	mu  sync.Mutex
	cfg Config

	eval  *schedule.Evaluator
	deps  Deps
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	newID func() string

	running atomic.Bool
}

func New(cfg Config, eval *schedule.Evaluator, deps Deps, log logx.Logger, bus eventbus.Bus) *Invoker {
	return NewForTesting(cfg, eval, deps, clock.New(), log, bus)
}

// NewForTesting is New with an injected clock.
func NewForTesting(cfg Config, eval *schedule.Evaluator, deps Deps, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Invoker {
	if eval == nil {
		eval = schedule.NewEvaluator(nil)
	}
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Invoker{
		cfg:   cfg.withDefaults(),
		eval:  eval,
		deps:  deps,
		clk:   clk,
		log:   log.With(logx.String("comp", "dispatch")),
		bus:   bus,
		newID: uuid.NewString,
	}
}

// Apply swaps tuning knobs; a run in progress keeps the values it started with.
func (inv *Invoker) Apply(cfg Config) {
	inv.mu.Lock()
	inv.cfg = cfg.withDefaults()
	inv.mu.Unlock()
}

func (inv *Invoker) config() Config {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.cfg
}

// Running reports whether a run is in flight in this process.
func (inv *Invoker) Running() bool { return inv.running.Load() }

// aggregator is the single write point for per-user results.
type aggregator struct {
	mu sync.Mutex
	s  *Summary
}

func (a *aggregator) add(r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.Results = append(a.s.Results, r)
	switch r.Outcome {
	case OutcomeSent:
		a.s.Sent++
	case OutcomeSentUnrecorded:
		a.s.Sent++
		a.s.Errored++
	case OutcomeInvalid, OutcomeError, OutcomeSkippedBudget, OutcomeSkippedCanceled:
		a.s.Errored++
	}
}

// Run evaluates every candidate and sends the digests that are due.
// Only failures before the worklist exists are returned as errors; per-user
// failures are in the summary.
func (inv *Invoker) Run(ctx context.Context, trigger string) (sum Summary, err error) {
	if !inv.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunInProgress
	}
	defer inv.running.Store(false)

	cfg := inv.config()
	now := inv.clk.Now()
	sum = Summary{
		RunID:     inv.newID(),
		Trigger:   trigger,
		Status:    storage.RunRunning,
		StartedAt: now.UTC(),
		Results:   []Result{},
	}
	log := inv.log.With(logx.String("run_id", sum.RunID), logx.String("trigger", trigger))

	if err := inv.deps.Audit.CreateRun(ctx, sum.record()); err != nil {
		log.Error("create run record failed", logx.Err(err))
		return sum, fmt.Errorf("%w: create run: %v", ErrStorageUnavailable, err)
	}
	inv.publish(eventbus.RunStarted, sum)

	agg := &aggregator{s: &sum}
	defer func() {
		agg.mu.Lock()
		sum.FinishedAt = inv.clk.Now().UTC()
		if sum.Status == storage.RunRunning {
			sum.Status = storage.RunCompleted
		}
		rec := sum.record()
		agg.mu.Unlock()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		if ferr := inv.deps.Audit.FinishRun(fctx, rec); ferr != nil {
			log.Error("finalize run record failed", logx.Err(ferr))
		}
		log.Info("run finished",
			logx.String("status", sum.Status),
			logx.Int("checked", sum.Checked),
			logx.Int("matched", sum.Matched),
			logx.Int("sent", sum.Sent),
			logx.Int("errored", sum.Errored),
			logx.Duration("took", sum.FinishedAt.Sub(sum.StartedAt)),
		)
		inv.publish(eventbus.RunFinished, sum)
	}()

	budgetCtx, cancel := context.WithTimeout(ctx, cfg.RunBudget)
	defer cancel()

	users, lerr := inv.deps.Directory.ListCandidates(budgetCtx)
	if lerr != nil {
		err = fmt.Errorf("%w: list candidates: %v", ErrStorageUnavailable, lerr)
		sum.Status = storage.RunFailed
		sum.Error = err.Error()
		return sum, err
	}
	sum.Checked = len(users)

	type job struct {
		user storage.User
		dec  schedule.Decision
	}
	var due []job
	for _, u := range users {
		d := inv.eval.Evaluate(u.Schedule(), now)
		if d.TimezoneFallback {
			log.Warn("user timezone invalid; evaluated in fallback zone",
				logx.String("user_id", u.ID),
				logx.String("timezone", u.Timezone),
				logx.String("fallback", d.Location),
			)
		}
		switch d.Verdict {
		case schedule.Due:
			due = append(due, job{user: u, dec: d})
		case schedule.Invalid:
			log.Warn("user schedule invalid", logx.String("user_id", u.ID), logx.Err(d.Err))
			r := newResult(u, d)
			r.Outcome, r.Reason, r.Error = OutcomeInvalid, string(d.Reason), errString(d.Err)
			agg.add(r)
		default:
			r := newResult(u, d)
			r.Outcome, r.Reason = OutcomeNotDue, string(d.Reason)
			agg.add(r)
		}
	}
	sum.Matched = len(due)

	// budgetCtx only gates starting a user; started sends are detached from it.
	var g errgroup.Group
	g.SetLimit(cfg.MaxInFlight)
	for _, j := range due {
		if budgetCtx.Err() != nil {
			agg.add(skipped(ctx, j.user, j.dec))
			continue
		}
		g.Go(func() error {
			if budgetCtx.Err() != nil {
				agg.add(skipped(ctx, j.user, j.dec))
				return nil
			}
			agg.add(inv.deliver(ctx, cfg, log, j.user, j.dec))
			return nil
		})
	}
	_ = g.Wait()

	if errors.Is(budgetCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		sum.Error = "run budget exhausted"
	} else if ctx.Err() != nil {
		sum.Error = ctx.Err().Error()
	}
	return sum, nil
}

// newResult carries the fields every outcome shares, including a rejected
// timezone so the run record shows which zone the user was evaluated in.
func newResult(u storage.User, d schedule.Decision) Result {
	r := Result{UserID: u.ID, LocalDate: d.Today.String()}
	if d.TimezoneFallback {
		r.TimezoneFallback = true
		r.Error = fmt.Sprintf("%v: %q; evaluated in %s", schedule.ErrInvalidTimezone, u.Timezone, d.Location)
	}
	return r
}

// skipped records a due user that was never started. ctx is the caller's run
// context; its cancellation is told apart from budget expiry.
func skipped(ctx context.Context, u storage.User, d schedule.Decision) Result {
	r := newResult(u, d)
	if ctx.Err() != nil {
		r.Outcome, r.Error = OutcomeSkippedCanceled, "run canceled before dispatch"
		return r
	}
	r.Outcome, r.Error = OutcomeSkippedBudget, "run budget exhausted before dispatch"
	return r
}

type sendOutcome struct {
	res SendResult
	err error
}

// deliver sends one digest and records the marker. The marker is written only
// after the pipeline reports success. The send is bounded by PerUserTimeout
// alone; canceling ctx does not abort it.
func (inv *Invoker) deliver(ctx context.Context, cfg Config, log logx.Logger, u storage.User, d schedule.Decision) Result {
	started := inv.clk.Now()
	r := newResult(u, d)
	log = log.With(logx.String("user_id", u.ID))

	rcpt := Recipient{
		UserID:    u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Sources:   u.Sources,
		Frequency: d.Frequency,
		LocalDate: d.Today,
		Location:  d.Location,
	}

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.PerUserTimeout)
	defer cancel()

	ch := make(chan sendOutcome, 1)
	go func() {
		res, err := inv.deps.Pipeline.Send(uctx, rcpt)
		ch <- sendOutcome{res: res, err: err}
	}()

	var out sendOutcome
	select {
	case out = <-ch:
	case <-uctx.Done():
		select {
		case out = <-ch:
		default:
			go inv.lateSend(ch, cfg, log, u.ID, d.Today)
			r.Outcome = OutcomeError
			r.Error = fmt.Errorf("%w: %v", ErrPipelineFailure, uctx.Err()).Error()
			r.TookMS = inv.clk.Since(started).Milliseconds()
			log.Warn("send timed out", logx.Duration("timeout", cfg.PerUserTimeout))
			return r
		}
	}
	r.TookMS = inv.clk.Since(started).Milliseconds()

	if out.err != nil {
		r.Outcome = OutcomeError
		r.Error = fmt.Errorf("%w: %v", ErrPipelineFailure, out.err).Error()
		log.Warn("send failed", logx.Err(out.err))
		return r
	}
	r.SendID = out.res.SendID

	attempts, err := inv.markSent(ctx, cfg, u.ID, d.Today)
	if err != nil {
		r.Outcome = OutcomeSentUnrecorded
		r.Error = fmt.Errorf("%w: mark sent: %v", ErrStorageUnavailable, err).Error()
		// Next run may send this digest again.
		log.Error("digest sent but marker write failed",
			logx.String("send_id", r.SendID),
			logx.String("local_date", d.Today.String()),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
		return r
	}
	r.Outcome = OutcomeSent
	log.Debug("digest sent", logx.String("send_id", r.SendID), logx.Int("marker_attempts", attempts))
	return r
}

// lateSend waits for an abandoned send. If it eventually succeeds the marker
// is still written so the next run does not repeat it.
func (inv *Invoker) lateSend(ch <-chan sendOutcome, cfg Config, log logx.Logger, userID string, date schedule.Date) {
	out := <-ch
	if out.err != nil {
		return
	}
	if _, err := inv.markSent(context.Background(), cfg, userID, date); err != nil {
		log.Error("late send accepted but marker write failed", logx.String("send_id", out.res.SendID), logx.Err(err))
		return
	}
	log.Warn("late send accepted after timeout; marker recorded", logx.String("send_id", out.res.SendID))
}

func (inv *Invoker) publish(typ string, s Summary) {
	if inv.bus == nil {
		return
	}
	s.Results = nil
	inv.bus.Publish(eventbus.Event{Type: typ, Time: inv.clk.Now(), Data: s})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
