package config

import (
	"reflect"
	"sort"
	"strings"

	logx "digestbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, passwords, DSNs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.cadence", strings.TrimSpace(s.Cadence)),
			logx.String("scheduler.run_budget", strings.TrimSpace(s.RunBudget)),
			logx.Int("scheduler.max_in_flight", s.MaxInFlight),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		p := newCfg.Pipeline
		attrs = append(attrs,
			logx.String("pipeline.synthesis.model", p.Synthesis.Model),
			logx.Bool("pipeline.synthesis.token_set", strings.TrimSpace(p.Synthesis.Token) != ""),
			logx.String("pipeline.mail.host", p.Mail.Host),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	if oldCfg.Alerts.Enabled != newCfg.Alerts.Enabled ||
		oldCfg.Alerts.ChatID != newCfg.Alerts.ChatID ||
		oldCfg.Alerts.ThreadID != newCfg.Alerts.ThreadID ||
		oldCfg.Alerts.RatePerSec != newCfg.Alerts.RatePerSec ||
		(oldCfg.Alerts.Token != "") != (newCfg.Alerts.Token != "") {
		changed = append(changed, "alerts")
		attrs = append(attrs, logx.Bool("alerts.enabled", newCfg.Alerts.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "alerts", "pipeline":
			out = append(out, s)
		}
	}
	return out
}
