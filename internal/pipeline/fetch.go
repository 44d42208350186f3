package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"
)

var ErrNoContent = errors.New("no source produced content")

// Document is the readable text of one source.
type Document struct {
	URL   string
	Title string
	Text  string
	Err   error
}

type Fetcher struct {
	cfg        FetchConfig
	httpClient *http.Client
}

func NewFetcher(cfg FetchConfig) *Fetcher {
	cfg = cfg.withDefaults()
	return &Fetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// FetchAll fetches every source concurrently. Per-source failures are kept on
// the Document; ErrNoContent is returned when no source yielded text.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) ([]Document, error) {
	docs := make([]Document, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Parallel)
	for i, u := range urls {
		g.Go(func() error {
			docs[i] = f.fetch(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range docs {
		if d.Err == nil && d.Text != "" {
			return docs, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return docs, err
	}
	return docs, ErrNoContent
}

func (f *Fetcher) fetch(ctx context.Context, url string) Document {
	doc := Document{URL: url}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		doc.Err = fmt.Errorf("create request: %w", err)
		return doc
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html, text/plain;q=0.9")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		doc.Err = fmt.Errorf("do request: %w", err)
		return doc
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		doc.Err = fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
		return doc
	}

	body := io.LimitReader(resp.Body, f.cfg.MaxBytes)
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt == "text/plain" {
		b, err := io.ReadAll(body)
		if err != nil {
			doc.Err = fmt.Errorf("read response: %w", err)
			return doc
		}
		doc.Text = truncateRunes(collapseSpace(string(b)), f.cfg.MaxChars)
		return doc
	}

	title, text, err := extractText(body)
	if err != nil {
		doc.Err = fmt.Errorf("parse html: %w", err)
		return doc
	}
	doc.Title = title
	doc.Text = truncateRunes(text, f.cfg.MaxChars)
	return doc
}

// extractText returns the page title and visible text.
func extractText(r io.Reader) (string, string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var title string
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg, atom.Iframe, atom.Nav, atom.Footer:
				return
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = collapseSpace(n.FirstChild.Data)
				}
				return
			case atom.P, atom.Div, atom.Br, atom.Li, atom.H1, atom.H2, atom.H3, atom.H4, atom.Article, atom.Section, atom.Tr:
				b.WriteByte('\n')
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = collapseSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return title, strings.Join(out, "\n"), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
