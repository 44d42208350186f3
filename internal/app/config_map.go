package app

import (
	"fmt"
	"strings"
	"time"

	"digestbot/internal/alert"
	"digestbot/internal/config"
	"digestbot/internal/dispatch"
	"digestbot/internal/httpapi"
	"digestbot/internal/pipeline"
	"digestbot/internal/storage"
	"digestbot/internal/task/engine"
	"digestbot/internal/task/scheduler"
	logx "digestbot/pkg/logx"
)

const defaultSQLitePath = "./digestbot.db"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Alerts.Enabled,
			MinLevel:   cfg.Logging.MinAlertLevel,
			RatePerSec: cfg.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "pgx":
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sc := cfg.Scheduler
	budget, err := config.ParseDurationField("scheduler.run_budget", sc.RunBudget)
	if err != nil {
		return dispatch.Config{}, err
	}
	perUser, err := config.ParseDurationOrDefault("scheduler.per_user_timeout", sc.PerUserTimeout, 90*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationField("scheduler.marker_retry_base", sc.MarkerRetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RunBudget:       budget,
		PerUserTimeout:  perUser,
		MaxInFlight:     sc.MaxInFlight,
		MarkerRetryMax:  sc.MarkerRetryMax,
		MarkerRetryBase: retryBase,
	}, nil
}

// fallbackLocation is the zone used for users whose timezone is missing or
// unknown. Validate already rejected unknown names.
func fallbackLocation(cfg *config.Config) *time.Location {
	name := strings.TrimSpace(cfg.Scheduler.FallbackTimezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
	}, nil
}

// mapSchedulerConfig gives the engine task a little more room than the run
// budget so the invoker, not the engine, decides what gets skipped.
func mapSchedulerConfig(cfg *config.Config, dc dispatch.Config) scheduler.Config {
	budget := dc.RunBudget
	if budget <= 0 {
		budget = 4 * time.Minute
	}
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Cadence:  strings.TrimSpace(cfg.Scheduler.Cadence),
		Timezone: cfg.Scheduler.Timezone,
		// Sends started just inside the budget may run their full per-user timeout.
		Timeout: budget + dc.PerUserTimeout + 30*time.Second,
	}
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	p := cfg.Pipeline
	fetchTimeout, err := config.ParseDurationField("pipeline.fetch.timeout", p.Fetch.Timeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	retryBase, err := config.ParseDurationField("pipeline.mail.retry_base", p.Mail.RetryBase)
	if err != nil {
		return pipeline.Config{}, err
	}
	mailTimeout, err := config.ParseDurationField("pipeline.mail.timeout", p.Mail.Timeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Fetch: pipeline.FetchConfig{
			Timeout:   fetchTimeout,
			MaxBytes:  p.Fetch.MaxBytes,
			UserAgent: p.Fetch.UserAgent,
			MaxChars:  p.Fetch.MaxChars,
			Parallel:  p.Fetch.Parallel,
		},
		Synthesis: pipeline.SynthesisConfig{
			Model:       p.Synthesis.Model,
			Token:       p.Synthesis.Token,
			BaseURL:     p.Synthesis.BaseURL,
			Temperature: p.Synthesis.Temperature,
			MaxTokens:   p.Synthesis.MaxTokens,
		},
		Mail: pipeline.MailConfig{
			Host:       p.Mail.Host,
			Port:       p.Mail.Port,
			Username:   p.Mail.Username,
			Password:   p.Mail.Password,
			From:       p.Mail.From,
			RatePerSec: p.Mail.RatePerSec,
			RetryMax:   p.Mail.RetryMax,
			RetryBase:  retryBase,
			Timeout:    mailTimeout,
		},
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// Manual runs block for up to the run budget.
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 5*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		CORSOrigins:   h.CORSOrigins,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	a := cfg.Alerts
	window, err := config.ParseDurationField("alerts.dedup_window", a.DedupWindow)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:     a.Enabled,
		Token:       strings.TrimSpace(a.Token),
		ChatID:      a.ChatID,
		ThreadID:    a.ThreadID,
		APIURL:      strings.TrimSpace(a.APIURL),
		DedupWindow: window,
	}, nil
}
