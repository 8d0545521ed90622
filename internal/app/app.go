package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/multierr"

	"delayq/internal/config"
	"delayq/internal/eventbus"
	"delayq/internal/executor"
	"delayq/internal/jobs"
	"delayq/internal/observability/pprof"
	rtsup "delayq/internal/runtime/supervisor"
	"delayq/internal/storage"
	logx "delayq/pkg/logx"
	"delayq/pkg/timer"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	exec  *executor.Service
	tm    *timer.Timer
	jobs  *jobs.Service
	pprof *pprof.Service

	stopOnce sync.Once
	stopErr  error
}

// Status is served by the pprof server at /debug/delayq.
type Status struct {
	Timer    timer.Stats       `json:"timer"`
	Executor executor.Snapshot `json:"executor"`
	Jobs     []jobs.JobInfo    `json:"jobs"`
	Events   struct {
		Dropped uint64 `json:"dropped"`
	} `json:"events"`
	Supervisor rtsup.Counters `json:"supervisor"`
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := Check(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	ec, err := mapExecutorConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.exec = executor.New(ec, log.With(logx.String("comp", "executor")), a.bus)
	a.pprof = pprof.New(mapPprofConfig(cfg), log, a.Status)
	return a, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Timer exposes the scheduler core.
func (a *App) Timer() *timer.Timer { return a.tm }

func (a *App) Status() any {
	var st Status
	if a.tm != nil {
		st.Timer = a.tm.Stats()
	}
	st.Executor = a.exec.Snapshot()
	if a.jobs != nil {
		st.Jobs = a.jobs.Snapshot()
	}
	st.Events.Dropped = eventbus.Dropped(a.bus)
	if a.sup != nil {
		st.Supervisor = a.sup.Counters()
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.exec.Start(c)

	lateThreshold, err := config.ParseDurationField("timer.late_threshold", cfg.Timer.LateThreshold)
	if err != nil {
		return err
	}
	inits := []timer.Initializer{timer.Labels()}
	if cfg.Timer.LockOSThread {
		inits = append(inits, timer.LockOSThread())
	}
	inv := a.exec.Invoker()
	if cfg.Timer.Inline() {
		inv = timer.Recover(a.log.With(logx.String("comp", "timer")))
	}
	a.tm = timer.New(
		timer.WithName(cfg.Timer.NameOrDefault()),
		timer.WithInit(timer.ChainInit(inits...)),
		timer.WithInvoker(inv),
		timer.WithLogger(a.log.With(logx.String("comp", "timer"))),
		timer.WithLateThreshold(lateThreshold),
	)

	jc, err := mapJobsConfig(cfg)
	if err != nil {
		return err
	}
	a.jobs = jobs.New(jc, a.log, a.bus, a.tm, a.exec, a.store)
	defs, err := mapJobDefs(cfg)
	if err != nil {
		return err
	}
	if err := a.jobs.Apply(c, defs); err != nil {
		return err
	}

	if err := a.pprof.Start(c); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Check(cfg) })

	a.startEventLog()
	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return watchdog(c, a.log) })

	notify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("timer", a.tm.Name()),
		logx.Bool("inline", cfg.Timer.Inline()),
		logx.Int("jobs", len(defs)),
	)
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts and apply only the latest.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) reload(c context.Context, prev, next *config.Config) {
	notify(a.log, daemon.SdNotifyReloading)
	defer notify(a.log, daemon.SdNotifyReady)

	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(next.LogConfig())
		case "timer", "storage", "breaker":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "executor":
			if ec, err := mapExecutorConfig(next); err == nil {
				a.exec.Apply(ec)
			}
		case "pprof":
			if err := a.pprof.Reconfigure(c, mapPprofConfig(next)); err != nil {
				a.log.Warn("pprof reconfigure failed", logx.Err(err))
			}
		case "jobs":
			defs, err := mapJobDefs(next)
			if err == nil {
				err = a.jobs.Apply(c, defs)
			}
			if err != nil {
				a.log.Warn("jobs not applied; keeping previous", logx.Err(err))
			}
		}
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Time: time.Now(), Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order: jobs, timer, executor,
// pprof, storage, then logs. Each step is bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notify(a.log, daemon.SdNotifyStopping)

	var errs error
	step := func(name string, fn func(context.Context) error) {
		start := time.Now()
		if err := fn(ctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	if a.jobs != nil {
		step("jobs", func(context.Context) error { a.jobs.Stop(); return nil })
	}
	if a.tm != nil {
		step("timer", func(context.Context) error {
			st := a.tm.Stats()
			a.tm.Close()
			if st.Pending > 0 {
				a.log.Info("timer closed with pending callbacks", logx.Int("pending", st.Pending))
			}
			return nil
		})
	}
	step("executor", func(c context.Context) error { a.exec.Stop(c); return nil })
	step("pprof", func(c context.Context) error { a.pprof.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", a.sup.Stop)
	}
	if a.store != nil {
		step("storage", func(context.Context) error { return a.store.Close() })
	}

	if errs != nil {
		a.log.Warn("stopped with errors", logx.Err(errs))
	} else {
		a.log.Info("stopped")
	}
	errs = multierr.Append(errs, a.logs.Close())
	return errs
}
