package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"digestbot/internal/schedule"
)

func testBrief() Brief {
	d, _ := schedule.ParseDate("2024-03-12")
	return Brief{
		Name:      "Ada",
		Frequency: schedule.FrequencyDaily,
		LocalDate: d,
		Docs: []Document{
			{URL: "https://a.example/1", Title: "First", Text: "Alpha beta gamma delta."},
			{URL: "https://b.example/2", Err: errors.New("timeout")},
			{URL: "https://c.example/3", Text: "No title here."},
		},
	}
}

func TestExtractiveSynthesize(t *testing.T) {
	t.Parallel()

	got, err := Extractive{Chars: 11}.Synthesize(context.Background(), testBrief())
	if err != nil {
		t.Fatal(err)
	}
	want := "1. First\nAlpha beta…\n   https://a.example/1\n\n" +
		"2. https://c.example/3\nNo title he…\n   https://c.example/3"
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestExtractiveNoContent(t *testing.T) {
	t.Parallel()

	b := Brief{Docs: []Document{{URL: "x", Err: errors.New("boom")}}}
	if _, err := (Extractive{}).Synthesize(context.Background(), b); !errors.Is(err, ErrNoContent) {
		t.Fatalf("err=%v", err)
	}
}

func TestLLMSynthesize(t *testing.T) {
	t.Parallel()

	var prompt atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content any `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		raw, _ := json.Marshal(req.Messages)
		prompt.Store(string(raw))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1710240000, "model": "test-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "  Today: alpha happened.  "}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14}
		}`))
	}))
	defer srv.Close()

	l, err := NewLLM(SynthesisConfig{Token: "test-token", Model: "test-model", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewLLM: %v", err)
	}
	got, err := l.Synthesize(context.Background(), testBrief())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got != "Today: alpha happened." {
		t.Fatalf("got %q", got)
	}
	p, _ := prompt.Load().(string)
	for _, want := range []string{"daily news digest", "Ada", "2024-03-12", "https://a.example/1", "Alpha beta gamma delta."} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q: %s", want, p)
		}
	}
	if strings.Contains(p, "b.example") {
		t.Fatal("failed source leaked into prompt")
	}
}
