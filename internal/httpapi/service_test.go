package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"digestbot/internal/dispatch"
	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

type fakeRunner struct {
	sum   dispatch.Summary
	err   error
	diags []dispatch.Diagnostic
	calls []string
}

func (f *fakeRunner) Run(ctx context.Context, trigger string) (dispatch.Summary, error) {
	f.calls = append(f.calls, trigger)
	return f.sum, f.err
}

func (f *fakeRunner) Diagnose(ctx context.Context) ([]dispatch.Diagnostic, error) {
	return f.diags, nil
}

type fakeRuns struct {
	gotLimit int
	runs     []storage.RunRecord
}

func (f *fakeRuns) ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	f.gotLimit = limit
	return f.runs, nil
}

func newHandler(t *testing.T, cfg Config, deps Deps) http.Handler {
	t.Helper()
	return New(cfg, deps, logx.Nop()).Handler(cfg)
}

func do(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		sum    dispatch.Summary
		status int
	}{
		{name: "ok", sum: dispatch.Summary{RunID: "r1", Status: storage.RunCompleted, Sent: 2}, status: http.StatusOK},
		{name: "in progress", err: dispatch.ErrRunInProgress, status: http.StatusConflict},
		{name: "storage down", err: fmt.Errorf("%w: list", dispatch.ErrStorageUnavailable), sum: dispatch.Summary{RunID: "r2", Status: storage.RunFailed}, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{sum: tt.sum, err: tt.err}
			h := newHandler(t, Config{}, Deps{Runner: runner})
			rec := do(h, http.MethodPost, "/v1/runs", nil)
			if rec.Code != tt.status {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
			}
			if len(runner.calls) != 1 || runner.calls[0] != "http" {
				t.Fatalf("calls=%v", runner.calls)
			}
			if tt.sum.RunID != "" {
				var got dispatch.Summary
				if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
					t.Fatal(err)
				}
				if got.RunID != tt.sum.RunID || got.Status != tt.sum.Status {
					t.Fatalf("summary=%+v", got)
				}
			}
		})
	}
}

func TestListRunsLimit(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{runs: []storage.RunRecord{{ID: "r1", Status: storage.RunCompleted}}}
	h := newHandler(t, Config{}, Deps{Runs: runs})

	rec := do(h, http.MethodGet, "/v1/runs", nil)
	if rec.Code != http.StatusOK || runs.gotLimit != 20 {
		t.Fatalf("status=%d limit=%d", rec.Code, runs.gotLimit)
	}
	rec = do(h, http.MethodGet, "/v1/runs?limit=5000", nil)
	if rec.Code != http.StatusOK || runs.gotLimit != maxRunsLimit {
		t.Fatalf("status=%d limit=%d", rec.Code, runs.gotLimit)
	}
	if rec := do(h, http.MethodGet, "/v1/runs?limit=-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{diags: []dispatch.Diagnostic{{UserID: "u1", Timezone: "America/New_York"}}}
	h := newHandler(t, Config{}, Deps{Runner: runner})
	rec := do(h, http.MethodGet, "/v1/diagnostics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0]["user_id"] != "u1" {
		t.Fatalf("body=%s", rec.Body)
	}
	if len(runner.calls) != 0 {
		t.Fatal("diagnostics triggered a run")
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	h := newHandler(t, Config{Token: "s3cret"}, Deps{Runner: &fakeRunner{}})
	tests := []struct {
		name   string
		target string
		hdr    map[string]string
		status int
	}{
		{name: "missing", target: "/v1/diagnostics", status: http.StatusUnauthorized},
		{name: "wrong bearer", target: "/v1/diagnostics", hdr: map[string]string{"Authorization": "Bearer nope"}, status: http.StatusUnauthorized},
		{name: "bearer", target: "/v1/diagnostics", hdr: map[string]string{"Authorization": "Bearer s3cret"}, status: http.StatusOK},
		{name: "query", target: "/v1/diagnostics?token=s3cret", status: http.StatusOK},
		{name: "healthz open", target: "/healthz", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(h, http.MethodGet, tt.target, tt.hdr); rec.Code != tt.status {
				t.Fatalf("status=%d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	h := newHandler(t, Config{CORSOrigins: []string{"https://ops.example"}}, Deps{Runner: &fakeRunner{}})
	rec := do(h, http.MethodGet, "/v1/diagnostics", map[string]string{"Origin": "https://ops.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example" {
		t.Fatalf("allow-origin=%q", got)
	}
	rec = do(h, http.MethodGet, "/v1/diagnostics", map[string]string{"Origin": "https://evil.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	if rec := do(newHandler(t, Config{}, Deps{}), http.MethodGet, "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec := do(newHandler(t, Config{Pprof: true}, Deps{}), http.MethodGet, "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		cfg  Config
		ok   bool
	}{
		{addr: "127.0.0.1:8080", ok: true},
		{addr: "localhost:8080", ok: true},
		{addr: "[::1]:8080", ok: true},
		{addr: ":8080", ok: false},
		{addr: "0.0.0.0:8080", ok: false},
		{addr: "0.0.0.0:8080", cfg: Config{Token: "t"}, ok: true},
		{addr: "0.0.0.0:8080", cfg: Config{AllowInsecure: true}, ok: true},
	}
	for _, tt := range tests {
		if err := checkBind(tt.addr, tt.cfg); (err == nil) != tt.ok {
			t.Fatalf("checkBind(%q, %+v) err=%v", tt.addr, tt.cfg, err)
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never listened")
		}
		time.Sleep(5 * time.Millisecond)
		addr = s.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("still listening after Stop")
	}
}
