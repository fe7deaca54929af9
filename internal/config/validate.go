package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"cellserve/pkg/logx"
)

// Validate checks values a strict decode cannot: durations, addresses,
// the timezone and the storage driver.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Source.Dir) == "" {
		errs = append(errs, errors.New("source.dir is required"))
	}
	if addr := strings.TrimSpace(c.Server.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("server.addr: %w", err))
		}
	}
	_, err := ParseDuration("server.read_header_timeout", c.Server.ReadHeaderTimeout, 0)
	check(err)
	_, err = ParseDuration("server.shutdown_timeout", c.Server.ShutdownTimeout, 0)
	check(err)
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be >= 0"))
	}
	if p := c.Server.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, errors.New("server.metrics_path must start with /"))
	}

	if c.WebSocket.RatePerSec < 0 || c.WebSocket.Burst < 0 || c.WebSocket.SendBuffer < 0 || c.WebSocket.ReadLimit < 0 {
		errs = append(errs, errors.New("websocket: values must be >= 0"))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	_, err = ParseDuration("scheduler.default_timeout", c.Scheduler.DefaultTimeout, 0)
	check(err)

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err = ParseDuration("storage.busy_timeout", st.BusyTimeout, 0)
		check(err)
		_, err = ParseDuration("storage.retention", st.Retention, 0)
		check(err)
	}

	if !logx.KnownLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if !logx.KnownLevel(c.Logging.Alert.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.alert.min_level: unknown level %q", c.Logging.Alert.MinLevel))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: want console or json, got %q", c.Logging.Format))
	}
	if c.Logging.Alert.Enabled && (c.Telegram == nil || c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("logging.alert requires telegram.token and telegram.chat_id"))
	}
	return errors.Join(errs...)
}
