package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseDurationField parses a Go duration string. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

var cadenceParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks everything that can be checked without opening connections.
// It is used both at startup and before committing a hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	sc := cfg.Scheduler
	if c := strings.TrimSpace(sc.Cadence); c != "" {
		if _, err := cadenceParser.Parse(c); err != nil {
			add(fmt.Errorf("scheduler.cadence: %w", err))
		}
	}
	for key, tz := range map[string]string{
		"scheduler.timezone":          sc.Timezone,
		"scheduler.fallback_timezone": sc.FallbackTimezone,
	} {
		if tz = strings.TrimSpace(tz); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add(fmt.Errorf("%s: invalid %q: %w", key, tz, err))
			}
		}
	}
	for key, raw := range map[string]string{
		"scheduler.run_budget":        sc.RunBudget,
		"scheduler.per_user_timeout":  sc.PerUserTimeout,
		"scheduler.marker_retry_base": sc.MarkerRetryBase,
	} {
		_, err := ParseDurationField(key, raw)
		add(err)
	}
	if sc.MaxInFlight < 0 {
		add(errors.New("scheduler.max_in_flight must be >= 0"))
	}
	if sc.MarkerRetryMax < 0 {
		add(errors.New("scheduler.marker_retry_max must be >= 0"))
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			add(errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
		}
		_, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" && d != "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", d))
		}
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	p := cfg.Pipeline
	_, err = ParseDurationField("pipeline.fetch.timeout", p.Fetch.Timeout)
	add(err)
	_, err = ParseDurationField("pipeline.mail.retry_base", p.Mail.RetryBase)
	add(err)
	_, err = ParseDurationField("pipeline.mail.timeout", p.Mail.Timeout)
	add(err)
	if from := strings.TrimSpace(p.Mail.From); from != "" {
		if _, err := mail.ParseAddress(from); err != nil {
			add(fmt.Errorf("pipeline.mail.from: %w", err))
		}
	}
	if p.Mail.Port < 0 || p.Mail.Port > 65535 {
		add(errors.New("pipeline.mail.port out of range"))
	}

	for key, raw := range map[string]string{
		"http.read_timeout":  cfg.HTTP.ReadTimeout,
		"http.write_timeout": cfg.HTTP.WriteTimeout,
		"http.idle_timeout":  cfg.HTTP.IdleTimeout,
	} {
		_, err := ParseDurationField(key, raw)
		add(err)
	}

	if cfg.Alerts.Enabled {
		if strings.TrimSpace(cfg.Alerts.Token) == "" {
			add(errors.New("alerts.token is required when alerts.enabled=true"))
		}
		if cfg.Alerts.ChatID == 0 {
			add(errors.New("alerts.chat_id is required when alerts.enabled=true"))
		}
	}
	_, err = ParseDurationField("alerts.dedup_window", cfg.Alerts.DedupWindow)
	add(err)

	return errors.Join(errs...)
}
