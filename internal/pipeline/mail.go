package pipeline

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	logx "digestbot/pkg/logx"
)

// ErrDeliveryUncertain marks a failure after the full body reached the server.
// The message may have been accepted, so it is never retried.
var ErrDeliveryUncertain = errors.New("delivery outcome unknown")

// Mailer delivers a rendered message. A nil error means the server accepted it.
type Mailer interface {
	Deliver(ctx context.Context, m Message) error
}

// SMTPMailer sends over SMTP with STARTTLS when offered, a shared rate limit,
// and retries for transient (4xx or network) failures.
type SMTPMailer struct {
	mu      sync.Mutex
	cfg     MailConfig
	limiter *rate.Limiter
	log     logx.Logger

	// tlsConfig is nil in production; tests override it.
	tlsConfig *tls.Config
}

func NewSMTPMailer(cfg MailConfig, log logx.Logger) *SMTPMailer {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &SMTPMailer{log: log}
	m.Apply(cfg)
	return m
}

func (m *SMTPMailer) Apply(cfg MailConfig) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	m.mu.Unlock()
}

func (m *SMTPMailer) Deliver(ctx context.Context, msg Message) error {
	m.mu.Lock()
	cfg := m.cfg
	lim := m.limiter
	m.mu.Unlock()

	raw, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("render message: %w", err)
	}

	b := &backoff.Backoff{Min: cfg.RetryBase, Max: cfg.RetryBase * 8, Factor: 2, Jitter: true}
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (after %v)", err, lastErr)
			}
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := m.sendOnce(callCtx, cfg, msg, raw)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) || attempt >= maxAttempts {
			break
		}
		delay := b.Duration()
		m.log.Debug("smtp send failed; retrying", logx.Int("attempt", attempt), logx.Duration("backoff", delay), logx.Err(err))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (after %v)", ctx.Err(), lastErr)
		}
	}
	return lastErr
}

func (m *SMTPMailer) sendOnce(ctx context.Context, cfg MailConfig, msg Message, raw []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock the protocol exchange on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return err
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		tc := m.tlsConfig
		if tc == nil {
			tc = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
		}
		if err := c.StartTLS(tc); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(msg.envelopeFrom()); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(msg.envelopeTo()); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		var tp *textproto.Error
		if errors.As(err, &tp) {
			return fmt.Errorf("end data: %w", err)
		}
		return fmt.Errorf("%w: end data: %v", ErrDeliveryUncertain, err)
	}
	// Accepted at end of DATA; a failed QUIT does not unsend it.
	_ = c.Quit()
	return nil
}

// isTransient reports whether a retry may succeed: 4xx replies and network
// failures before the end of DATA are transient, 5xx replies are not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrDeliveryUncertain) {
		return false
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return tp.Code >= 400 && tp.Code < 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
