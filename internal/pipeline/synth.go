package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/prompts"

	"digestbot/internal/schedule"
)

// Brief is the input to synthesis.
type Brief struct {
	Name      string
	Frequency schedule.Frequency
	LocalDate schedule.Date
	Docs      []Document
}

func (b Brief) usable() []Document {
	out := make([]Document, 0, len(b.Docs))
	for _, d := range b.Docs {
		if d.Err == nil && d.Text != "" {
			out = append(out, d)
		}
	}
	return out
}

// Synthesizer turns fetched sources into a digest body.
type Synthesizer interface {
	Synthesize(ctx context.Context, b Brief) (string, error)
}

// Extractive builds a digest from the first Chars characters of each source.
// It is deterministic and needs no network.
type Extractive struct {
	Chars int
}

func (e Extractive) Synthesize(_ context.Context, b Brief) (string, error) {
	n := e.Chars
	if n <= 0 {
		n = 600
	}
	docs := b.usable()
	if len(docs) == 0 {
		return "", ErrNoContent
	}
	var sb strings.Builder
	for i, d := range docs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		heading := d.Title
		if heading == "" {
			heading = d.URL
		}
		fmt.Fprintf(&sb, "%d. %s\n", i+1, heading)
		sb.WriteString(truncateRunes(collapseSpace(d.Text), n))
		fmt.Fprintf(&sb, "\n   %s", d.URL)
	}
	return sb.String(), nil
}

const digestPrompt = `You write a {{.frequency}} news digest email for {{.name}} dated {{.date}}.
Summarize the sources below into short sections, one per source, each with a
one-line headline and two to four sentences. Keep the source URL under each
section. Plain text only.

{{.sources}}`

// LLM synthesizes with an OpenAI-compatible chat model.
type LLM struct {
	model       llms.Model
	tmpl        prompts.PromptTemplate
	temperature float64
	maxTokens   int
}

func NewLLM(cfg SynthesisConfig) (*LLM, error) {
	opts := []openai.Option{openai.WithToken(cfg.Token)}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1200
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.3
	}
	return &LLM{
		model:       m,
		tmpl:        prompts.NewPromptTemplate(digestPrompt, []string{"frequency", "name", "date", "sources"}),
		temperature: temp,
		maxTokens:   maxTokens,
	}, nil
}

func (l *LLM) Synthesize(ctx context.Context, b Brief) (string, error) {
	docs := b.usable()
	if len(docs) == 0 {
		return "", ErrNoContent
	}
	var src strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&src, "### Source %d: %s\nURL: %s\n%s\n\n", i+1, d.Title, d.URL, d.Text)
	}
	name := b.Name
	if name == "" {
		name = "the reader"
	}
	prompt, err := l.tmpl.Format(map[string]any{
		"frequency": string(b.Frequency),
		"name":      name,
		"date":      b.LocalDate.String(),
		"sources":   src.String(),
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt,
		llms.WithTemperature(l.temperature),
		llms.WithMaxTokens(l.maxTokens),
	)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("model returned an empty digest")
	}
	return out, nil
}
