// Package telegram sends log alerts to a Telegram chat. It implements
// logx.Sink.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Timeout bounds one API call; 0 means 10s.
	Timeout time.Duration
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sink struct {
	bot    sender
	chat   *tele.Chat
	thread int
}

// New creates the sink without contacting Telegram; a bad token shows up
// on the first Send.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return newSink(b, cfg), nil
}

func newSink(b sender, cfg Config) *Sink {
	return &Sink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}
}

// Send posts text, split into messages Telegram accepts.
func (s *Sink) Send(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ThreadID: s.thread, DisableWebPagePreview: true}
		if _, err := s.bot.Send(s.chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into pieces of at most limit runes, preferring line
// breaks.
func splitText(s string, limit int) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for utf8.RuneCountInString(s) > limit {
		cut := byteOffset(s, limit)
		if nl := strings.LastIndexByte(s[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		out = append(out, strings.TrimRight(s[:cut], "\n"))
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// byteOffset is the byte index of the n-th rune of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}
