package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops records whose start is older; 0 keeps everything.
	Retention time.Duration
}

// Outcome of one scheduled run.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// RunRecord is one fire of a scheduled task. Skipped fires have a zero
// Started and Duration.
type RunRecord struct {
	Task      string        `json:"task"`
	Scheduled time.Time     `json:"scheduled"`
	Started   time.Time     `json:"started,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}
