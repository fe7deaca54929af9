package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateIsValid(t *testing.T) {
	cfg, err := Decode("cellserve.yaml", []byte(Template))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "./notebooks", cfg.Source.Dir)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.True(t, cfg.Scheduler.Enabled)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Nil(t, cfg.Telegram)
}

func TestDecodeIsStrict(t *testing.T) {
	_, err := Decode("c.yaml", []byte("source:\n  dir: x\n  bogus: 1\n"))
	assert.ErrorContains(t, err, "bogus")

	_, err = Decode("c.json", []byte(`{"source":{"dir":"x"}} {"source":{}}`))
	assert.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yaml", []byte("source:\n  ? [a, b]\n  : x\n"))
	assert.ErrorContains(t, err, "line 2")

	cfg, err := Decode("c.json", []byte(`{"source":{"dir":"nb"},"websocket":{"rate_per_sec":2.5}}`))
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.WebSocket.RatePerSec)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(c *Config)
		want string
	}{
		{"missing dir", func(c *Config) { c.Source.Dir = "" }, "source.dir"},
		{"bad addr", func(c *Config) { c.Server.Addr = "8000" }, "server.addr"},
		{"bad duration", func(c *Config) { c.Server.ShutdownTimeout = "soon" }, "server.shutdown_timeout"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"missing path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"alert without telegram", func(c *Config) { c.Logging.Alert.Enabled = true }, "telegram.token"},
		{"negative rate", func(c *Config) { c.WebSocket.RatePerSec = -1 }, "websocket"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Source: SourceConfig{Dir: "nb"}}
			tc.mod(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
	assert.NoError(t, (&Config{Source: SourceConfig{Dir: "nb"}}).Validate())
}

func TestDiff(t *testing.T) {
	a := &Config{Source: SourceConfig{Dir: "nb"}}
	b := *a
	assert.True(t, Diff(a, &b).Empty())

	b.Logging.Level = "debug"
	b.WebSocket.RatePerSec = 5
	b.Server.Addr = ":9000"
	ch := Diff(a, &b)
	assert.Equal(t, []string{"logging", "websocket"}, ch.Live)
	assert.Equal(t, []string{"server"}, ch.Restart)
	assert.Len(t, ch.Fields(), 2)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":8000\"\n"), 0o600))
	_, err := NewManager(path).Load()
	assert.ErrorContains(t, err, "source.dir")
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cellserve.yaml")
	write := func(level string) {
		body := strings.ReplaceAll(Template, "level: info", "level: "+level)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("info")

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// the watcher may not be registered yet; keep rewriting until it sees one
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	write("debug")
	for {
		select {
		case cfg := <-ch:
			assert.Equal(t, "debug", cfg.Logging.Level)
			assert.Equal(t, "debug", m.Get().Logging.Level)
			return
		case <-tick.C:
			write("debug")
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
