package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level string
	// Console writes to stdout; Format "json" makes it machine readable
	// (journald, container logs), anything else is the pretty console.
	Console bool
	Format  string
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards records at MinLevel and above to a Sink.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sink receives formatted alert text. Send runs on one worker goroutine
// and may block.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Service owns the outputs. Apply swaps them at runtime; Loggers handed out
// earlier pick up the change on their next record.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu    sync.Mutex
	file  *os.File
	alert *alerter
}

// New builds the service from cfg. sink may be nil, in which case alerts
// stay off even when enabled.
func New(cfg Config, sink Sink) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	if sink != nil {
		s.alert = newAlerter(sink)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply replaces level and outputs. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, stdoutWriter(cfg.Format))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./cellserve.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if s.alert != nil {
		s.alert.configure(cfg.Alert)
		if cfg.Alert.Enabled {
			writers = append(writers, s.alert)
		}
	} else if cfg.Alert.Enabled {
		fmt.Fprintln(os.Stderr, "logx: alerts enabled without a sink")
	}

	var zl zerolog.Logger
	switch len(writers) {
	case 0:
		zl = zerolog.Nop()
	case 1:
		zl = zerolog.New(writers[0])
	default:
		zl = zerolog.New(zerolog.MultiLevelWriter(writers...))
	}
	zl = zl.Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if s.alert != nil {
		s.alert.close()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func stdoutWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return zerolog.SyncWriter(os.Stdout)
	}
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}

// alerter is a zerolog.LevelWriter feeding a Sink through a bounded queue.
// Full queue or exhausted rate means the alert is dropped, never the log.
type alerter struct {
	sink  Sink
	queue chan string

	mu       sync.Mutex
	minLevel zerolog.Level
	limiter  *rate.Limiter

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newAlerter(sink Sink) *alerter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &alerter{
		sink:     sink,
		queue:    make(chan string, 256),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go a.run(ctx)
	return a
}

func (a *alerter) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()
}

func (a *alerter) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			if err := a.sink.Send(ctx, msg); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "logx: alert send failed: %v\n", err)
			}
		}
	}
}

func (a *alerter) close() {
	a.once.Do(func() {
		a.cancel()
		<-a.done
	})
}

func (a *alerter) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	pass := level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if msg := FormatAlert(p); msg != "" {
		select {
		case a.queue <- msg:
		default:
		}
	}
	return len(p), nil
}
