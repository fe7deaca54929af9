package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cellserve/internal/eventbus"
	"cellserve/internal/runtime/supervisor"
	"cellserve/internal/storage"
	"cellserve/pkg/logx"
)

// Event bus topics. Data is a storage.RunRecord.
const (
	TopicRun    = "schedule.run"
	TopicMissed = "schedule.missed"
)

var (
	ErrDuplicateTask = errors.New("duplicate task name")
	ErrInvalidTask   = errors.New("invalid task")
	ErrStarted       = errors.New("scheduler already started")
)

type Config struct {
	Enabled bool
	// Timezone is an IANA name cron fields are evaluated in; empty means
	// the local zone.
	Timezone string
}

// Task is one scheduled job.
type Task struct {
	Name     string
	Schedule cron.Schedule
	// Spec is the human-readable trigger, for logs and snapshots.
	Spec string
	// Timeout bounds a single run; 0 means none.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Recorder receives run counters. *metrics.Collector implements it.
type Recorder interface {
	TaskStarted(task string)
	TaskFinished(task, outcome string, took time.Duration)
	TaskSkipped(task string)
}

type nopRecorder struct{}

func (nopRecorder) TaskStarted(string)                         {}
func (nopRecorder) TaskFinished(string, string, time.Duration) {}
func (nopRecorder) TaskSkipped(string)                         {}

// History is where run records are appended. storage.Store satisfies it.
type History interface {
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

type task struct {
	Task

	// guarded by Service.mu
	next     time.Time
	running  bool
	runs     uint64
	skips    uint64
	failures uint64
	lastRun  time.Time
	lastErr  string
}

// Deps are optional collaborators.
type Deps struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	History History
	Metrics Recorder
}

type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	history History
	rec     Recorder
	loc     *time.Location
	now     func() time.Time

	mu      sync.Mutex
	tasks   []*task
	byName  map[string]*task
	queue   fireQueue
	seq     uint64
	started bool
	runCtx  context.Context
	sup     *supervisor.Supervisor
}

// New validates cfg.Timezone and returns an idle scheduler.
func New(cfg Config, deps Deps) (*Service, error) {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	rec := deps.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{
		log:     log,
		bus:     deps.Bus,
		history: deps.History,
		rec:     rec,
		loc:     loc,
		now:     time.Now,
		byName:  map[string]*task{},
	}, nil
}

// Location is the zone fire times are computed in.
func (s *Service) Location() *time.Location { return s.loc }

// Add registers t. Tasks can only be added before Start.
func (s *Service) Add(t Task) error {
	if strings.TrimSpace(t.Name) == "" || t.Schedule == nil || t.Run == nil {
		return fmt.Errorf("%w: name, schedule and run are required", ErrInvalidTask)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, dup := s.byName[t.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	tk := &task{Task: t}
	s.tasks = append(s.tasks, tk)
	s.byName[t.Name] = tk
	return nil
}

// Start computes every first fire time from now and starts the loop.
// Runs receive ctx (plus their timeout); Stop does not cancel them.
func (s *Service) Start(ctx context.Context) error {
	return s.start(ctx, true)
}

func (s *Service) start(ctx context.Context, runLoop bool) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.runCtx = ctx
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	start := s.now().In(s.loc)
	for _, t := range s.tasks {
		s.scheduleLocked(t, t.Schedule.Next(start))
		s.log.Debug("task registered", logx.String("task", t.Name), logx.String("spec", t.Spec), logx.Time("next", t.next))
	}
	n := len(s.tasks)
	s.mu.Unlock()

	if runLoop {
		s.sup.GoRestart("scheduler.loop", s.loop)
	}
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("tasks", n))
	return nil
}

// Stop ends the loop and waits for in-flight runs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// scheduleLocked queues t at next; a zero next retires the task.
func (s *Service) scheduleLocked(t *task, next time.Time) {
	t.next = next
	if next.IsZero() {
		s.log.Warn("task has no further fire times", logx.String("task", t.Name))
		return
	}
	s.seq++
	heap.Push(&s.queue, entry{at: next, seq: s.seq, task: t})
}

func (s *Service) loop(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		wait := time.Hour
		if len(s.queue) > 0 {
			wait = s.queue[0].at.Sub(s.now())
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(max(wait, 0))

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.tick(s.now())
		}
	}
}

type firing struct {
	t  *task
	at time.Time
}

// tick fires or skips everything due at now and requeues each task at
// its next instant after the scheduled one.
func (s *Service) tick(now time.Time) {
	var fire, skip []firing

	s.mu.Lock()
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		e := heap.Pop(&s.queue).(entry)
		t := e.task
		if t.running {
			t.skips++
			skip = append(skip, firing{t, e.at})
		} else {
			t.running = true
			t.runs++
			t.lastRun = e.at
			fire = append(fire, firing{t, e.at})
		}

		next := t.Schedule.Next(e.at)
		// Instants already behind us were missed while the loop slept.
		for !next.IsZero() && !next.After(now) {
			t.skips++
			skip = append(skip, firing{t, next})
			next = t.Schedule.Next(next)
		}
		s.scheduleLocked(t, next)
	}
	s.mu.Unlock()

	for _, f := range skip {
		s.skipped(f)
	}
	for _, f := range fire {
		s.sup.Go0("task:"+f.t.Name, func(context.Context) { s.run(f) })
	}
}

func (s *Service) skipped(f firing) {
	s.log.Warn("task fire skipped", logx.String("task", f.t.Name), logx.Time("scheduled", f.at))
	s.rec.TaskSkipped(f.t.Name)
	rec := storage.RunRecord{Task: f.t.Name, Scheduled: f.at, Outcome: storage.OutcomeSkipped}
	s.publish(TopicMissed, rec)
	s.record(rec)
}

func (s *Service) run(f firing) {
	t := f.t
	ctx := s.runCtx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	s.rec.TaskStarted(t.Name)
	started := time.Now()
	err := s.call(ctx, t)
	took := time.Since(started)

	rec := storage.RunRecord{
		Task:      t.Name,
		Scheduled: f.at,
		Started:   started,
		Duration:  took,
		Outcome:   storage.OutcomeOK,
	}
	log := s.log.With(logx.String("task", t.Name))
	if err != nil {
		rec.Outcome, rec.Error = storage.OutcomeFailed, err.Error()
		log.Error("task failed", logx.Duration("took", took), logx.Err(err))
	} else {
		log.Debug("task finished", logx.Duration("took", took))
	}

	s.mu.Lock()
	t.running = false
	if err != nil {
		t.failures++
		t.lastErr = err.Error()
	}
	s.mu.Unlock()

	s.rec.TaskFinished(t.Name, string(rec.Outcome), took)
	s.publish(TopicRun, rec)
	s.record(rec)
}

func (s *Service) call(ctx context.Context, t *task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.Run(ctx)
}

func (s *Service) publish(topic string, rec storage.RunRecord) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: topic, Data: rec})
	}
}

func (s *Service) record(rec storage.RunRecord) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.runCtx), 2*time.Second)
	defer cancel()
	if err := s.history.AppendRun(ctx, rec); err != nil {
		s.log.Warn("run history append failed", logx.String("task", rec.Task), logx.Err(err))
	}
}

// TaskInfo is the observable state of one task.
type TaskInfo struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next,omitzero"`
	LastRun  time.Time `json:"last_run,omitzero"`
	Running  bool      `json:"running"`
	Runs     uint64    `json:"runs"`
	Skips    uint64    `json:"skips"`
	Failures uint64    `json:"failures"`
	LastErr  string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Started  bool       `json:"started"`
	Timezone string     `json:"timezone"`
	Tasks    []TaskInfo `json:"tasks"`
}

// Snapshot lists tasks in registration order.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Started: s.started, Timezone: s.loc.String(), Tasks: make([]TaskInfo, 0, len(s.tasks))}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, TaskInfo{
			Name:     t.Name,
			Spec:     t.Spec,
			Next:     t.next,
			LastRun:  t.lastRun,
			Running:  t.running,
			Runs:     t.runs,
			Skips:    t.skips,
			Failures: t.failures,
			LastErr:  t.lastErr,
		})
	}
	return snap
}
