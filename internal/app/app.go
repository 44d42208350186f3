package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"digestbot/internal/alert"
	"digestbot/internal/config"
	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/httpapi"
	"digestbot/internal/pipeline"
	rtsup "digestbot/internal/runtime/supervisor"
	"digestbot/internal/schedule"
	"digestbot/internal/storage"
	"digestbot/internal/task/engine"
	"digestbot/internal/task/scheduler"
	logx "digestbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	invoker *dispatch.Invoker
	engine  *engine.Service
	sched   *scheduler.Service
	http    *httpapi.Service

	alerts      *alert.Telegram
	alertWindow time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	fail := func(err error) (*App, error) {
		a.Close()
		return nil, err
	}

	ac, err := mapAlertConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if ac.Enabled {
		tg, err := alert.NewTelegram(ac)
		if err != nil {
			return fail(err)
		}
		a.alerts, a.alertWindow = tg, ac.DedupWindow
		logSvc.SetSender(tg)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	pc, err := mapPipelineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	pipe, err := pipeline.New(pc, log, a.bus)
	if err != nil {
		return fail(err)
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return fail(err)
	}
	eval := schedule.NewEvaluator(schedule.NewResolver(fallbackLocation(cfg)))
	a.invoker = dispatch.New(dc, eval, dispatch.Deps{
		Directory: store,
		Pipeline:  pipe,
		Markers:   store,
		Audit:     store,
	}, log, a.bus)

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.engine = engine.New(ec, log, a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg, dc), a.engine, a.runScheduled, log, a.bus)

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.http = httpapi.New(hc, httpapi.Deps{Runner: a.invoker, Runs: store, Status: a.Status}, log)

	return a, nil
}

// runScheduled adapts Invoker.Run to the engine task signature.
func (a *App) runScheduled(ctx context.Context, trigger string) error {
	_, err := a.invoker.Run(ctx, trigger)
	if errors.Is(err, dispatch.ErrRunInProgress) {
		a.log.Info("scheduled run skipped; a manual run is in progress", logx.String("trigger", trigger))
		return nil
	}
	return err
}

// RunOnce executes a single batch in the foreground.
func (a *App) RunOnce(ctx context.Context) (dispatch.Summary, error) {
	return a.invoker.Run(ctx, "cli")
}

func (a *App) Diagnose(ctx context.Context) ([]dispatch.Diagnostic, error) {
	return a.invoker.Diagnose(ctx)
}

// Status is served at /v1/status.
func (a *App) Status() any {
	st := map[string]any{
		"run_in_progress": a.invoker.Running(),
		"scheduler":       a.sched.Snapshot(),
		"task_engine":     a.engine.Snapshot(),
		"events_dropped":  a.bus.Dropped(),
	}
	if a.sup != nil {
		st["supervisor"] = a.sup.Snapshot()
	}
	return st
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		_, err := mapPipelineConfig(cfg)
		return err
	})

	a.engine.Start(c)
	if err := a.sched.Start(c); err != nil {
		return err
	}
	a.http.Start(c)

	if a.alerts != nil {
		w := alert.NewWatcher(a.alerts, a.bus, a.alertWindow, a.log)
		a.sup.GoRestart("alert.watch", w.Run)
	}

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startSystemd()
	a.log.Info("app started")
	return nil
}

// startSystemd reports readiness and, when WatchdogSec is set, keeps pinging.
// Outside systemd both calls are no-ops.
func (a *App) startSystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts; only the newest config matters.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
		if restart := config.RestartRequired(sections); len(restart) > 0 {
			a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
		}
		if lastApplied != nil && strings.TrimSpace(lastApplied.Scheduler.FallbackTimezone) != strings.TrimSpace(newCfg.Scheduler.FallbackTimezone) {
			a.log.Warn("scheduler.fallback_timezone changed; restart required for changes to take effect")
		}
		lastApplied = newCfg

		a.apply(c, newCfg)

		if len(sections) > 0 {
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		} else {
			a.log.Info("config reloaded (no changes)")
		}
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	}
}

// apply pushes the hot-reloadable parts of cfg into running services.
func (a *App) apply(c context.Context, cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.invoker.Apply(dc)
		if err := a.sched.Apply(mapSchedulerConfig(cfg, dc)); err != nil {
			a.log.Warn("invalid scheduler cadence; keeping previous", logx.Err(err))
		}
	}

	if ec, err := mapTaskEngineConfig(cfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, ec)
	}

	if hc, err := mapHTTPConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// In-flight runs finalize their audit record on their own context.
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.Close()
	return nil
}

// Close releases storage and logging. Stop calls it; one-shot commands call
// it directly.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
