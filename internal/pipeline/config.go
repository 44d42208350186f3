package pipeline

import "time"

type Config struct {
	Fetch     FetchConfig
	Synthesis SynthesisConfig
	Mail      MailConfig
}

type FetchConfig struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	MaxChars  int
	// Parallel bounds concurrent source fetches for one digest.
	Parallel int
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 2 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "digestbot/1.0"
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 6000
	}
	if c.Parallel <= 0 {
		c.Parallel = 4
	}
	return c
}

type SynthesisConfig struct {
	Model       string
	Token       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

type MailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
	Timeout    time.Duration
}

func (c MailConfig) withDefaults() MailConfig {
	if c.Port <= 0 {
		c.Port = 587
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}
