package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport is an in-memory socket. The test plays the client through
// say, hangUp and next.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	// hold, when set, blocks every write until it is closed.
	hold chan struct{}

	mu     sync.Mutex
	once   sync.Once
	code   int
	reason string
	writes int
}

func newFake() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-f.closed:
		return nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(ctx context.Context, data []byte) error {
	if f.hold != nil {
		<-f.hold
	}
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	f.out <- data
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// pingingTransport records the keepalive loop the dispatcher runs for it.
type pingingTransport struct {
	*fakeTransport
	started atomic.Bool
	stopped chan struct{}
}

func (p *pingingTransport) Keepalive(ctx context.Context) {
	p.started.Store(true)
	defer close(p.stopped)
	<-ctx.Done()
}

func (f *fakeTransport) say(s string) { f.in <- []byte(s) }

func (f *fakeTransport) hangUp() { close(f.in) }

func (f *fakeTransport) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeTransport) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case b := <-f.out:
		var v map[string]any
		require.NoError(t, json.Unmarshal(b, &v), string(b))
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (f *fakeTransport) nextRaw(t *testing.T) string {
	t.Helper()
	select {
	case b := <-f.out:
		return string(b)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return ""
	}
}

func (f *fakeTransport) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case b := <-f.out:
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(d):
	}
}

func (f *fakeTransport) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport not closed")
	}
}
