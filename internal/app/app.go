// Package app wires a compiled notebook service to its runtime: HTTP and
// socket server, scheduler, storage, metrics, logging and config reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cellserve/internal/alert/telegram"
	"cellserve/internal/binding"
	"cellserve/internal/builtin"
	"cellserve/internal/compiler"
	"cellserve/internal/config"
	"cellserve/internal/eventbus"
	"cellserve/internal/ir"
	"cellserve/internal/metrics"
	"cellserve/internal/notebook"
	"cellserve/internal/runtime/supervisor"
	"cellserve/internal/scheduler"
	"cellserve/internal/server"
	"cellserve/internal/storage"
	"cellserve/internal/trigger"
	"cellserve/internal/ws"
	"cellserve/pkg/logx"
	"cellserve/pkg/systemd"
)

type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type options struct {
	bindings []func(*binding.Table) error
	builtins bool
}

type Option func(*options)

// WithBindings registers extra handlers before routes are mounted.
func WithBindings(fn func(*binding.Table) error) Option {
	return func(o *options) { o.bindings = append(o.bindings, fn) }
}

// WithoutBuiltins leaves the echo/health/chat/ticker/clock names unbound.
func WithoutBuiltins() Option { return func(o *options) { o.builtins = false } }

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Collector

	compiled *compiler.Result
	table    *binding.Table
	disp     *ws.Dispatcher
	sched    *scheduler.Service
	server   *server.Service

	schedEnabled bool
	sup          *supervisor.Supervisor
}

// New loads cfgPath, compiles the notebooks it points at and builds every
// component. Nothing is started.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{builtins: true}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var sink logx.Sink
	if tg := cfg.Telegram; tg != nil && strings.TrimSpace(tg.Token) != "" {
		s, err := telegram.New(telegram.Config{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		sink = s
	}
	logs, root := logx.New(mapLogging(cfg), sink)
	log := root.With(logx.Component("app"))
	cfgm.SetLogger(root.With(logx.Component("config")))

	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New(), metrics: metrics.NewCollector()}
	fail := func(err error) (*App, error) {
		a.close()
		return nil, err
	}

	a.store, err = OpenStorage(cfg, root.With(logx.Component("storage")))
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}

	schedCfg, defaultTimeout := mapScheduler(cfg)
	deps := scheduler.Deps{Log: root.With(logx.Component("scheduler")), Bus: a.bus, Metrics: a.metrics}
	if a.store != nil {
		deps.History = a.store
	}
	a.sched, err = scheduler.New(schedCfg, deps)
	if err != nil {
		return fail(err)
	}
	a.schedEnabled = schedCfg.Enabled

	a.compiled, err = Compile(ctx, cfg.Source, a.sched.Location())
	if err != nil {
		return fail(err)
	}
	svc := a.compiled.Service
	for _, w := range svc.Warnings() {
		log.Warn("compile warning", logx.String("at", w.Loc.String()), logx.String("msg", w.Message))
	}

	a.disp = ws.NewDispatcher(ws.NewRegistry(), mapWebSocket(cfg), root.With(logx.Component("ws")), a.metrics)

	a.table = binding.NewTable()
	if o.builtins {
		err := builtin.Register(a.table, builtin.Deps{
			Log:       root,
			Publisher: a.disp,
			Status:    func() any { return a.sched.Snapshot() },
		})
		if err != nil {
			return fail(err)
		}
	}
	for _, fn := range o.bindings {
		if err := fn(a.table); err != nil {
			return fail(fmt.Errorf("bindings: %w", err))
		}
	}
	for _, u := range a.table.Missing(svc) {
		log.Warn("unbound target", logx.String("what", u.What), logx.String("func", u.Target.Func), logx.String("at", u.Target.Loc.String()))
	}

	for _, e := range svc.Schedules() {
		job, ok := a.table.LookupJob(e.Target)
		if !ok {
			continue
		}
		err := a.sched.Add(scheduler.Task{
			Name:     e.Name(),
			Schedule: trigger.Schedule{Spec: e.Spec, Location: a.sched.Location()},
			Spec:     e.Source,
			Timeout:  defaultTimeout,
			Run:      job,
		})
		if err != nil {
			return fail(err)
		}
	}

	sdeps := server.Deps{
		Log:            root,
		Service:        svc,
		Table:          a.table,
		Dispatcher:     a.disp,
		Metrics:        a.metrics,
		MetricsHandler: a.metrics.Handler(),
		Health:         func() any { return a.sched.Snapshot() },
	}
	if a.store != nil {
		sdeps.Runs = a.store
	}
	a.server, err = server.New(mapServer(cfg), sdeps)
	if err != nil {
		return fail(err)
	}

	log.Info("service compiled",
		logx.Int("documents", a.compiled.Documents),
		logx.Int("annotated", a.compiled.Annotated),
		logx.Int("routes", len(svc.Routes())),
		logx.Int("sockets", len(svc.Sockets())),
		logx.Int("schedules", len(svc.Schedules())),
	)
	return a, nil
}

// OpenStorage opens the run store cfg names. It returns (nil, nil) when
// storage is disabled.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	return storage.Open(mapStorage(cfg), log)
}

// Compile loads the notebook directory named by sc and compiles it. Cron triggers
// are checked in loc.
func Compile(ctx context.Context, sc config.SourceConfig, loc *time.Location) (*compiler.Result, error) {
	ignoreFile := sc.IgnoreFile
	if ignoreFile == "" {
		ignoreFile = notebook.IgnoreFile
	}
	if !filepath.IsAbs(ignoreFile) {
		ignoreFile = filepath.Join(sc.Dir, ignoreFile)
	}
	ig, err := notebook.ReadIgnoreFile(ignoreFile)
	if err != nil {
		return nil, fmt.Errorf("ignore file: %w", err)
	}
	return compiler.Compile(ctx, notebook.DirSource{Root: sc.Dir, Ignore: ig}, ir.WithLocation(loc))
}

func (a *App) Service() *ir.CompiledService { return a.compiled.Service }
func (a *App) Table() *binding.Table         { return a.table }
func (a *App) Addr() string                  { return a.server.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.server.Start(runCtx); err != nil {
		return err
	}
	if a.schedEnabled {
		if err := a.sched.Start(runCtx); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128, scheduler.TopicRun, scheduler.TopicMissed)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				rec, _ := e.Data.(storage.RunRecord)
				if e.Topic == scheduler.TopicMissed {
					a.log.Warn("scheduled run skipped, previous still running", logx.String("task", rec.Task), logx.Time("scheduled", rec.Scheduled))
					continue
				}
				a.log.Debug("scheduled run", logx.String("task", rec.Task), logx.String("outcome", string(rec.Outcome)), logx.Duration("took", rec.Duration))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error { return systemd.Watchdog(c, iv) })
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		svc := a.compiled.Service
		_, _ = systemd.Status(fmt.Sprintf("serving %d routes, %d sockets, %d schedules on %s",
			len(svc.Routes()), len(svc.Sockets()), len(svc.Schedules()), a.server.Addr()))
	}

	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

// applyConfig applies the live sections of a reload and reports the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range ch.Live {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(next))
		case "websocket":
			a.disp.Apply(mapWebSocket(next))
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	a.log.Info("config applied", ch.Fields()...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Stop intake first, then running tasks.
	step("server", 10*time.Second, a.server.Stop)
	step("sockets", 2*time.Second, a.disp.Wait)
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	a.close()
	return errors.Join(errs...)
}

// close releases storage and logging. Safe on a partly built App.
func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
