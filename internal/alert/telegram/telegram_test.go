package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

type fakeBot struct {
	sent []string
	opts []*tele.SendOptions
	to   []tele.Recipient
	err  error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.to = append(f.to, to)
	f.sent = append(f.sent, what.(string))
	f.opts = append(f.opts, opts[0].(*tele.SendOptions))
	return &tele.Message{}, nil
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ChatID: 1})
	assert.ErrorContains(t, err, "token")
	_, err = New(Config{Token: "x"})
	assert.ErrorContains(t, err, "chat_id")
	s, err := New(Config{Token: "123:abc", ChatID: -100, ThreadID: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(-100), s.chat.ID)
}

func TestSendTargetsThread(t *testing.T) {
	fb := &fakeBot{}
	s := newSink(fb, Config{ChatID: 42, ThreadID: 7})
	require.NoError(t, s.Send(context.Background(), "scheduler failed"))
	require.Len(t, fb.sent, 1)
	assert.Equal(t, "scheduler failed", fb.sent[0])
	assert.Equal(t, "42", fb.to[0].Recipient())
	assert.Equal(t, 7, fb.opts[0].ThreadID)

	fb.err = errors.New("429")
	assert.Error(t, s.Send(context.Background(), "again"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, "late"), context.Canceled)
}

func TestSplitText(t *testing.T) {
	assert.Nil(t, splitText("  ", 10))
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	parts := splitText("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, parts)

	long := strings.Repeat("é", 25)
	parts = splitText(long, 10)
	require.Len(t, parts, 3)
	assert.Equal(t, strings.Repeat("é", 10), parts[0])
	assert.Equal(t, strings.Repeat("é", 5), parts[2])
}
