package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const samplePage = `<!doctype html>
<html><head><title>  Rust 2.0   released </title>
<style>body { color: red }</style>
<script>var tracking = "do not include";</script>
</head>
<body>
<nav>Home | About</nav>
<article>
  <h1>Big news</h1>
  <p>The compiler is   faster.</p>
  <p>Builds are <b>smaller</b> too.</p>
</article>
<footer>© someone</footer>
</body></html>`

func TestExtractText(t *testing.T) {
	t.Parallel()

	title, text, err := extractText(strings.NewReader(samplePage))
	if err != nil {
		t.Fatal(err)
	}
	if title != "Rust 2.0 released" {
		t.Fatalf("title=%q", title)
	}
	want := "Big news\nThe compiler is faster.\nBuilds are smaller too."
	if text != want {
		t.Fatalf("text=%q\nwant %q", text, want)
	}
	for _, banned := range []string{"tracking", "color", "Home", "someone"} {
		if strings.Contains(text, banned) {
			t.Fatalf("text leaked %q: %q", banned, text)
		}
	}
}

func TestFetchAll(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "digest-test" {
			http.Error(w, "ua", http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(samplePage))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("line one\n\n   line two"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(FetchConfig{UserAgent: "digest-test", MaxChars: 12})
	docs, err := f.FetchAll(context.Background(), []string{srv.URL + "/html", srv.URL + "/plain", srv.URL + "/missing"})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("docs=%d", len(docs))
	}
	if docs[0].Title != "Rust 2.0 released" || docs[0].Text != "Big news\nThe…" {
		t.Fatalf("html doc=%+v", docs[0])
	}
	if docs[1].Text != "line one lin…" {
		t.Fatalf("plain doc=%q", docs[1].Text)
	}
	if docs[2].Err == nil || !strings.Contains(docs[2].Err.Error(), "404") {
		t.Fatalf("missing doc err=%v", docs[2].Err)
	}
}

func TestFetchAllNoContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewFetcher(FetchConfig{}).FetchAll(context.Background(), []string{srv.URL})
	if !errors.Is(err, ErrNoContent) {
		t.Fatalf("err=%v", err)
	}
}

func TestFetchRespectsMaxBytes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("a", 100) + strings.Repeat("b", 100)))
	}))
	defer srv.Close()

	docs, err := NewFetcher(FetchConfig{MaxBytes: 100, MaxChars: 1000}).FetchAll(context.Background(), []string{srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if docs[0].Text != strings.Repeat("a", 100) {
		t.Fatalf("len=%d", len(docs[0].Text))
	}
}
