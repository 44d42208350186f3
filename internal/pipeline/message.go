package pipeline

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"digestbot/internal/schedule"
)

// Message is a rendered digest email.
type Message struct {
	ID      string // Message-ID without angle brackets
	From    string
	To      string
	Subject string
	Body    string
	Date    time.Time
}

func subjectFor(freq schedule.Frequency, d schedule.Date) string {
	if freq == schedule.FrequencyWeekly {
		return "Your weekly digest, week of " + d.String()
	}
	return "Your daily digest for " + d.String()
}

// Bytes renders RFC 5322 headers and a quoted-printable UTF-8 body.
func (m Message) Bytes() ([]byte, error) {
	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	to, err := mail.ParseAddress(m.To)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}

	var b bytes.Buffer
	h := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	h("From", from.String())
	h("To", to.String())
	h("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	h("Date", m.Date.Format(time.RFC1123Z))
	h("Message-ID", "<"+m.ID+">")
	h("MIME-Version", "1.0")
	h("Content-Type", `text/plain; charset="utf-8"`)
	h("Content-Transfer-Encoding", "quoted-printable")
	b.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&b)
	body := strings.ReplaceAll(m.Body, "\r\n", "\n")
	if _, err := qp.Write([]byte(strings.ReplaceAll(body, "\n", "\r\n"))); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	b.WriteString("\r\n")
	return b.Bytes(), nil
}

func (m Message) envelopeFrom() string {
	if a, err := mail.ParseAddress(m.From); err == nil {
		return a.Address
	}
	return m.From
}

func (m Message) envelopeTo() string {
	if a, err := mail.ParseAddress(m.To); err == nil {
		return a.Address
	}
	return m.To
}
