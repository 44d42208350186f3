package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/schedule"
	logx "digestbot/pkg/logx"
)

type captureMailer struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (c *captureMailer) Deliver(ctx context.Context, m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, Brief) (string, error) {
	return "", errors.New("model overloaded")
}

func sourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func recipient(src string) dispatch.Recipient {
	d, _ := schedule.ParseDate("2024-03-12")
	return dispatch.Recipient{
		UserID:    "u1",
		Email:     "ada@example.com",
		Name:      "Ada",
		Sources:   []string{src},
		Frequency: schedule.FrequencyWeekly,
		LocalDate: d,
	}
}

func TestServiceSend(t *testing.T) {
	t.Parallel()

	srv := sourceServer(t)
	mailer := &captureMailer{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(EventDigestSent, 1)
	defer unsub()

	s := NewWith(NewFetcher(FetchConfig{}), Extractive{}, mailer, "Digest <digest@news.example>", logx.Nop(), bus)
	res, err := s.Send(context.Background(), recipient(srv.URL))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := uuid.Parse(res.SendID); err != nil {
		t.Fatalf("send id %q: %v", res.SendID, err)
	}
	if len(mailer.msgs) != 1 {
		t.Fatalf("msgs=%d", len(mailer.msgs))
	}
	m := mailer.msgs[0]
	if m.ID != res.SendID+"@news.example" {
		t.Fatalf("message id=%q", m.ID)
	}
	if m.Subject != "Your weekly digest, week of 2024-03-12" || m.To != "ada@example.com" {
		t.Fatalf("msg=%+v", m)
	}
	if !strings.Contains(m.Body, "Rust 2.0 released") {
		t.Fatalf("body=%q", m.Body)
	}
	if len(events) != 1 {
		t.Fatal("no sent event")
	}
}

func TestServiceSendFallsBackToExtractive(t *testing.T) {
	t.Parallel()

	srv := sourceServer(t)
	mailer := &captureMailer{}
	s := NewWith(NewFetcher(FetchConfig{}), failingSynth{}, mailer, "digest@news.example", logx.Nop(), nil)
	if _, err := s.Send(context.Background(), recipient(srv.URL)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(mailer.msgs[0].Body, "1. Rust 2.0 released") {
		t.Fatalf("body=%q", mailer.msgs[0].Body)
	}
}

func TestServiceSendErrors(t *testing.T) {
	t.Parallel()

	srv := sourceServer(t)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	tests := []struct {
		name    string
		sources []string
		mailErr error
		wantErr error
	}{
		{name: "no sources", sources: nil, wantErr: ErrNoSources},
		{name: "all sources down", sources: []string{down.URL}, wantErr: ErrNoContent},
		{name: "mail rejected", sources: []string{srv.URL}, mailErr: errors.New("550 rejected")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mailer := &captureMailer{err: tt.mailErr}
			s := NewWith(NewFetcher(FetchConfig{}), Extractive{}, mailer, "digest@news.example", logx.Nop(), nil)
			r := recipient("")
			r.Sources = tt.sources
			_, err := s.Send(context.Background(), r)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v, want %v", err, tt.wantErr)
			}
			if tt.mailErr != nil && !errors.Is(err, tt.mailErr) {
				t.Fatalf("err=%v, want wrapped mail error", err)
			}
		})
	}
}

func TestNewWithoutTokenIsExtractive(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Mail: MailConfig{From: "digest@news.example"}}, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.synth.(Extractive); !ok {
		t.Fatalf("synth=%T", s.synth)
	}
}
