package config

// Config is the on-disk configuration. YAML and JSON share the JSON tags;
// unknown keys are rejected.
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Source    SourceConfig    `json:"source"`
	Server    ServerConfig    `json:"server"`
	WebSocket WebSocketConfig `json:"websocket"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// SourceConfig locates the notebooks to compile.
type SourceConfig struct {
	Dir string `json:"dir"`
	// IgnoreFile is relative to Dir; default ".cellserveignore".
	IgnoreFile string `json:"ignore_file,omitempty"`
}

type ServerConfig struct {
	Addr              string `json:"addr"`                          // default ":8000"
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"` // default "10s"
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`    // default "10s"
	MaxBodyBytes      int64  `json:"max_body_bytes,omitempty"`      // default 1 MiB

	Metrics     bool   `json:"metrics"`
	MetricsPath string `json:"metrics_path,omitempty"` // default "/metrics"

	// Pprof mounts net/http/pprof under /debug/pprof/. Set PprofToken when
	// the server is not bound to loopback.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

// WebSocketConfig tunes socket connections. Rate changes apply to
// connections opened after a reload.
type WebSocketConfig struct {
	SendBuffer int     `json:"send_buffer,omitempty"` // default 64
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	ReadLimit  int64   `json:"read_limit,omitempty"` // bytes, default 1 MiB
	// AllowedOrigins restricts the Origin header; empty allows all.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name, e.g. "Asia/Jakarta".
	Timezone       string `json:"timezone,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// StorageConfig controls run-history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./state/runs.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Retention   string `json:"retention,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`

	// Format of console output: "console" (default) or "json".
	Format string `json:"format,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards records at MinLevel and above to Telegram.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the alert destination.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}
