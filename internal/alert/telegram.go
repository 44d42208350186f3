// Package alert delivers operator alerts to a Telegram chat.
//
// Telegram implements logx.AlertSender so high-severity log records can be
// forwarded; Watcher turns failed or partially failed dispatch runs into
// alerts.
package alert

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// Telegram caps message text at 4096 characters.
const maxMessageRunes = 4096

type Config struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides https://api.telegram.org.
	APIURL string
	// DedupWindow suppresses identical run alerts. Default 30m.
	DedupWindow time.Duration
}

type Telegram struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

// NewTelegram builds a send-only bot. It never polls for updates and does not
// contact Telegram until the first alert.
func NewTelegram(cfg Config) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert: chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_, err := t.bot.Send(t.chat, truncate(text, maxMessageRunes), &tele.SendOptions{
		ThreadID:              t.thread,
		DisableWebPagePreview: true,
	})
	return err
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
