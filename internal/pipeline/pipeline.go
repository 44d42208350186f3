package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	logx "digestbot/pkg/logx"
)

var ErrNoSources = errors.New("user has no sources")

// Event types.
const (
	EventDigestSent = "pipeline.digest.sent"
)

// Service is the generate-and-send pipeline: fetch sources, synthesize a
// digest, deliver it by mail. It never retries a whole digest; the mailer
// retries transient delivery failures only.
type Service struct {
	mu       sync.RWMutex
	fetcher  *Fetcher
	synth    Synthesizer
	fallback Synthesizer
	mailer   Mailer
	from     string
	domain   string

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

// New wires the default stack. With no synthesis token the extractive
// synthesizer is used alone.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var synth Synthesizer = Extractive{}
	if strings.TrimSpace(cfg.Synthesis.Token) != "" {
		l, err := NewLLM(cfg.Synthesis)
		if err != nil {
			return nil, err
		}
		synth = l
	}
	log = log.With(logx.String("comp", "pipeline"))
	return NewWith(NewFetcher(cfg.Fetch), synth, NewSMTPMailer(cfg.Mail, log), cfg.Mail.From, log, bus), nil
}

// NewWith assembles a Service from parts.
func NewWith(f *Fetcher, synth Synthesizer, mailer Mailer, from string, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		fetcher:  f,
		synth:    synth,
		fallback: Extractive{},
		mailer:   mailer,
		from:     from,
		domain:   domainOf(from),
		log:      log,
		bus:      bus,
		now:      time.Now,
	}
}

func (s *Service) parts() (*Fetcher, Synthesizer, Synthesizer, Mailer, string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetcher, s.synth, s.fallback, s.mailer, s.from, s.domain
}

// Send implements dispatch.Pipeline.
func (s *Service) Send(ctx context.Context, r dispatch.Recipient) (dispatch.SendResult, error) {
	if len(r.Sources) == 0 {
		return dispatch.SendResult{}, ErrNoSources
	}
	fetcher, synth, fallback, mailer, from, domain := s.parts()
	log := s.log.With(logx.String("user_id", r.UserID))

	docs, err := fetcher.FetchAll(ctx, r.Sources)
	if err != nil {
		return dispatch.SendResult{}, fmt.Errorf("fetch: %w", err)
	}
	for _, d := range docs {
		if d.Err != nil {
			log.Debug("source skipped", logx.String("url", d.URL), logx.Err(d.Err))
		}
	}

	brief := Brief{Name: r.Name, Frequency: r.Frequency, LocalDate: r.LocalDate, Docs: docs}
	body, err := synth.Synthesize(ctx, brief)
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.SendResult{}, fmt.Errorf("synthesize: %w", err)
		}
		log.Warn("synthesis failed; using extractive digest", logx.Err(err))
		if body, err = fallback.Synthesize(ctx, brief); err != nil {
			return dispatch.SendResult{}, fmt.Errorf("synthesize: %w", err)
		}
	}

	id := uuid.New()
	msg := Message{
		ID:      id.String() + "@" + domain,
		From:    from,
		To:      r.Email,
		Subject: subjectFor(r.Frequency, r.LocalDate),
		Body:    body,
		Date:    s.now(),
	}
	if err := mailer.Deliver(ctx, msg); err != nil {
		return dispatch.SendResult{}, fmt.Errorf("deliver: %w", err)
	}

	res := dispatch.SendResult{SendID: id.String(), AcceptedAt: s.now().UTC()}
	log.Info("digest delivered", logx.String("send_id", res.SendID), logx.Int("sources", len(docs)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventDigestSent, Time: res.AcceptedAt, Data: res})
	}
	return res, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "digestbot.local"
}
