package gorillaws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAndClose(t *testing.T) {
	up := NewUpgrader(Options{})
	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, IsUpgrade(r))
		c, err := up.Upgrade(w, r)
		if err != nil {
			served <- err
			return
		}
		ctx := context.Background()
		msg, err := c.ReadMessage(ctx)
		if err == nil {
			err = c.WriteMessage(ctx, append([]byte("echo:"), msg...))
		}
		_ = c.Close(4000, "bye")
		served <- c.Close(4000, "again")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	cli, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte("hi")))
	_, data, err := cli.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(data))

	_, _, err = cli.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4000, ce.Code)
	assert.Equal(t, "bye", ce.Text)

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}
}

func TestPeerCloseIsEOF(t *testing.T) {
	up := NewUpgrader(Options{})
	got := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r)
		if err != nil {
			got <- err
			return
		}
		defer c.Close(1000, "")
		_, err = c.ReadMessage(context.Background())
		got <- err
	}))
	defer srv.Close()

	cli, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.NoError(t, cli.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	cli.Close()

	select {
	case err := <-got:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return")
	}
}

func TestKeepalivePingsUntilClosed(t *testing.T) {
	up := NewUpgrader(Options{})
	stopped := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		go func() {
			defer close(stopped)
			c.keepalive(context.Background(), 10*time.Millisecond)
		}()
		time.Sleep(100 * time.Millisecond)
		_ = c.Close(1000, "")
	}))
	defer srv.Close()

	cli, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer cli.Close()
	var pings atomic.Int32
	cli.SetPingHandler(func(string) error {
		pings.Add(1)
		return nil
	})
	go func() {
		for {
			if _, _, err := cli.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive kept running after Close")
	}
	assert.Eventually(t, func() bool { return pings.Load() > 0 }, time.Second, 10*time.Millisecond)
}

func TestUpgradeRejectsPlainRequest(t *testing.T) {
	up := NewUpgrader(Options{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.False(t, IsUpgrade(req))
	_, err := up.Upgrade(rec, req)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
