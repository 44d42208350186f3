package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"digestbot/internal/config"
	"digestbot/internal/dispatch"
	"digestbot/internal/schedule"
	"digestbot/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunOnceWithFileStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: error
storage:
  driver: file
  path: `+filepath.Join(dir, "digestbot")+`
pipeline:
  mail:
    host: 127.0.0.1
    from: digest@example.com
`)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	// Midnight UTC with weekend delivery is due at any time of day.
	if err := a.store.UpsertUser(ctx, storage.User{
		ID:                "u1",
		Email:             "ada@example.com",
		Timezone:          "UTC",
		PreferredSendTime: "00:00",
		SendFrequency:     "daily",
		WeekendDelivery:   true,
	}); err != nil {
		t.Fatal(err)
	}

	diags, err := a.Diagnose(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(diags) != 1 || diags[0].Verdict != schedule.Due {
		t.Fatalf("diags=%+v", diags)
	}

	sum, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// No sources configured, so the send fails and nothing is marked.
	if sum.Checked != 1 || sum.Matched != 1 || sum.Sent != 0 || sum.Errored != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	if sum.Results[0].Outcome != dispatch.OutcomeError || sum.Trigger != "cli" {
		t.Fatalf("summary=%+v", sum)
	}
	u, err := a.store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.LastSentDate != "" {
		t.Fatalf("marker written after failed send: %q", u.LastSentDate)
	}

	runs, err := a.store.ListRuns(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != sum.RunID || runs[0].Status != storage.RunCompleted {
		t.Fatalf("runs=%+v", runs)
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "scheduler:\n  cadence: \"every tuesday\"\n")
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      config.StorageConfig
		want    storage.Config
		wantErr bool
	}{
		{name: "default sqlite", in: config.StorageConfig{}, want: storage.Config{Driver: "sqlite", Path: defaultSQLitePath, BusyTimeout: 5 * time.Second}},
		{name: "sqlite busy", in: config.StorageConfig{Driver: "SQLite3", Path: "x.db", BusyTimeout: "2s"}, want: storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 2 * time.Second}},
		{name: "postgres", in: config.StorageConfig{Driver: "pgx", DSN: " postgres://u@h/db "}, want: storage.Config{Driver: "postgres", DSN: "postgres://u@h/db"}},
		{name: "file", in: config.StorageConfig{Driver: "file", Path: "/var/lib/digestbot/data"}, want: storage.Config{Driver: "file", Path: "/var/lib/digestbot/data"}},
		{name: "file without path", in: config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "mongo"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v", err)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMapDispatchAndScheduler(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		Enabled:         true,
		Cadence:         " */10 * * * * ",
		RunBudget:       "2m",
		MaxInFlight:     8,
		MarkerRetryBase: "50ms",
	}}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if dc.RunBudget != 2*time.Minute || dc.PerUserTimeout != 90*time.Second || dc.MaxInFlight != 8 || dc.MarkerRetryBase != 50*time.Millisecond {
		t.Fatalf("dispatch=%+v", dc)
	}
	sc := mapSchedulerConfig(cfg, dc)
	if !sc.Enabled || sc.Cadence != "*/10 * * * *" || sc.Timeout != 2*time.Minute+90*time.Second+30*time.Second {
		t.Fatalf("scheduler=%+v", sc)
	}

	cfg.Scheduler.FallbackTimezone = "America/Los_Angeles"
	if loc := fallbackLocation(cfg); loc.String() != "America/Los_Angeles" {
		t.Fatalf("loc=%v", loc)
	}
	if loc := fallbackLocation(&config.Config{}); loc != time.UTC {
		t.Fatalf("loc=%v", loc)
	}
}

func TestMapHTTPConfigDefaults(t *testing.T) {
	t.Parallel()

	hc, err := mapHTTPConfig(&config.Config{HTTP: config.HTTPConfig{Enabled: true, Addr: " 127.0.0.1:9090 "}})
	if err != nil {
		t.Fatal(err)
	}
	if hc.Addr != "127.0.0.1:9090" || hc.WriteTimeout != 5*time.Minute || hc.ReadTimeout != 10*time.Second {
		t.Fatalf("http=%+v", hc)
	}
}
