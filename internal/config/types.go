package config

// Config is the root of digestbot's config file (YAML or JSON).
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Storage    StorageConfig     `json:"storage"`
	Pipeline   PipelineConfig    `json:"pipeline"`
	HTTP       HTTPConfig        `json:"http"`
	Alerts     AlertsConfig      `json:"alerts"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
	// MinAlertLevel forwards records at or above this level to alerts (when enabled).
	MinAlertLevel string `json:"min_alert_level,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the batch trigger and the dispatch run.
//
// All durations are Go duration strings (e.g. "30s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - cadence: "*/5 * * * *"
//   - fallback_timezone: "UTC"
//   - run_budget: "4m"
//   - per_user_timeout: "90s"
//   - max_in_flight: 4
//   - marker_retry_max: 5
//   - marker_retry_base: "200ms"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Cadence is a cron spec (5 or 6 fields) or "@every <duration>".
	Cadence string `json:"cadence,omitempty"`
	// Timezone of the cron trigger itself, not of users.
	Timezone string `json:"timezone,omitempty"`

	FallbackTimezone string `json:"fallback_timezone,omitempty"`

	RunBudget       string `json:"run_budget,omitempty"`
	PerUserTimeout  string `json:"per_user_timeout,omitempty"`
	MaxInFlight     int    `json:"max_in_flight,omitempty"`
	MarkerRetryMax  int    `json:"marker_retry_max,omitempty"`
	MarkerRetryBase string `json:"marker_retry_base,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1
//   - queue_size: 16
//   - default_timeout: "0s" (disabled)
//   - history_size: 100
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./digestbot.db" }
//	"storage": { "driver": "postgres", "dsn": "${DIGESTBOT_DSN}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type PipelineConfig struct {
	Fetch     FetchConfig     `json:"fetch"`
	Synthesis SynthesisConfig `json:"synthesis"`
	Mail      MailConfig      `json:"mail"`
}

type FetchConfig struct {
	Timeout   string `json:"timeout,omitempty"`   // default "15s"
	MaxBytes  int64  `json:"max_bytes,omitempty"` // default 2 MiB
	UserAgent string `json:"user_agent,omitempty"`
	MaxChars  int    `json:"max_chars,omitempty"` // per-source text cap, default 6000
	Parallel  int    `json:"parallel,omitempty"`  // concurrent fetches per digest, default 4
}

// SynthesisConfig configures the LLM. Empty token means extractive fallback.
type SynthesisConfig struct {
	Model       string  `json:"model,omitempty"`
	Token       string  `json:"token,omitempty"` // do not log
	BaseURL     string  `json:"base_url,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type MailConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"` // default 587
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"` // do not log
	From       string `json:"from"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// HTTPConfig controls the trigger/diagnostics server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback address requires a token unless allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"`
	Token         string   `json:"token,omitempty"` // do not log
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// AlertsConfig routes operator alerts to a Telegram chat.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// DedupWindow suppresses repeated run-failure alerts. Default "30m".
	DedupWindow string `json:"dedup_window,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
}
