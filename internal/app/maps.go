package app

import (
	"strings"
	"time"

	"cellserve/internal/config"
	"cellserve/internal/scheduler"
	"cellserve/internal/server"
	"cellserve/internal/storage"
	"cellserve/internal/ws"
	"cellserve/pkg/logx"
)

// Config values below were validated by config.Validate before commit, so
// duration parse errors cannot happen here and fall back to defaults.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}
	}
	busy, _ := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, time.Second)
	retention, _ := config.ParseDuration("storage.retention", sc.Retention, 0)
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retention:   retention,
	}
}

func mapWebSocket(cfg *config.Config) ws.Config {
	return ws.Config{
		SendBuffer: cfg.WebSocket.SendBuffer,
		RatePerSec: cfg.WebSocket.RatePerSec,
		Burst:      cfg.WebSocket.Burst,
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, time.Duration) {
	timeout, _ := config.ParseDuration("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 0)
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}, timeout
}

func mapServer(cfg *config.Config) server.Config {
	sc := cfg.Server
	rht, _ := config.ParseDuration("server.read_header_timeout", sc.ReadHeaderTimeout, 10*time.Second)
	shutdown, _ := config.ParseDuration("server.shutdown_timeout", sc.ShutdownTimeout, 10*time.Second)
	return server.Config{
		Addr:              sc.Addr,
		ReadHeaderTimeout: rht,
		ShutdownTimeout:   shutdown,
		MaxBodyBytes:      sc.MaxBodyBytes,
		Metrics:           sc.Metrics,
		MetricsPath:       sc.MetricsPath,
		Pprof:             sc.Pprof,
		PprofToken:        sc.PprofToken,
		WSReadLimit:       cfg.WebSocket.ReadLimit,
		AllowedOrigins:    cfg.WebSocket.AllowedOrigins,
	}
}
