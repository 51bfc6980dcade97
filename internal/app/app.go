// Package app wires the daemon together: config, logging, the task
// engine, and the scheduler, plus config hot-reload fan-out.
package app

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"chime/internal/config"
	"chime/internal/engine"
	"chime/internal/eventbus"
	"chime/internal/retry"
	"chime/internal/runtime/supervisor"
	"chime/internal/sched"
	logx "chime/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	engine *engine.Service
	sched  *sched.Service

	// config jobs, in declaration order: name -> registry id
	jobOrder []string
	jobIDs   map[string]string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "engine")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := sched.New(schedCfg, engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		engine:  engineSvc,
		sched:   schedSvc,
		jobIDs:  map[string]string{},
	}, nil
}

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

// Scheduler exposes the scheduler for status queries.
func (a *App) Scheduler() *sched.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		_, err := mapSchedulerConfig(cfg)
		return err
	})

	a.engine.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyConfig(newCfg)
			}
		}
	})

	events, unsub := a.bus.Subscribe(128)
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
				// Debug-level to avoid noise for tight schedules.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("started", logx.Int("jobs", len(a.jobOrder)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	a.sched.Stop(ctx)
	a.engine.Stop(ctx)
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	return a.logs.Close()
}

// applyConfig applies a validated hot-reloaded config: logging first, then
// the scheduler cadence, then the job list.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.log.Warn("scheduler config rejected on reload", logx.Err(err))
		return
	}
	a.sched.Apply(schedCfg)

	if err := a.reconcileJobs(cfg); err != nil {
		a.log.Warn("job reload incomplete", logx.Err(err))
	}
}

// registerJobs registers every config job in declaration order, so
// depends_on entries always resolve to an already-registered id.
func (a *App) registerJobs(cfg *config.Config) error {
	for _, jc := range cfg.Jobs {
		if err := a.registerJob(jc); err != nil {
			return fmt.Errorf("job %q: %w", jc.Name, err)
		}
	}
	return nil
}

func (a *App) registerJob(jc config.JobConfig) error {
	timeout, err := config.ParseDurationField("timeout", jc.Timeout)
	if err != nil {
		return err
	}
	deps := make([]string, 0, len(jc.DependsOn))
	for _, name := range jc.DependsOn {
		id, ok := a.jobIDs[strings.TrimSpace(name)]
		if !ok {
			return fmt.Errorf("depends_on %q is not registered", name)
		}
		deps = append(deps, id)
	}

	spec := sched.JobSpec{
		Name:         jc.Name,
		Type:         jc.Type,
		Schedule:     jc.Schedule,
		Timezone:     jc.Timezone,
		Task:         commandTask(jc.Command),
		Dependencies: deps,
		Timeout:      timeout,
	}
	if r := jc.Retry; r != nil {
		spec.Retry = &retry.Policy{
			MaxRetries:  r.MaxRetries,
			Delay:       time.Duration(r.DelaySecs) * time.Second,
			Exponential: r.Exponential,
		}
	}

	id, err := a.sched.AddJob(spec)
	if err != nil {
		return err
	}
	a.jobOrder = append(a.jobOrder, jc.Name)
	a.jobIDs[jc.Name] = id
	return nil
}

// reconcileJobs replaces the config-declared job set. Jobs are removed in
// reverse declaration order (dependents before prerequisites) and the new
// list is registered from scratch; jobs mid-run finish on the old body.
func (a *App) reconcileJobs(cfg *config.Config) error {
	for i := len(a.jobOrder) - 1; i >= 0; i-- {
		name := a.jobOrder[i]
		if err := a.sched.RemoveJob(a.jobIDs[name]); err != nil {
			a.log.Warn("job remove failed on reload", logx.String("name", name), logx.Err(err))
		}
		delete(a.jobIDs, name)
	}
	a.jobOrder = a.jobOrder[:0]
	return a.registerJobs(cfg)
}

// commandTask adapts an argv into a job body. Output is discarded on
// success; on failure the tail is folded into the error for the retry log.
func commandTask(command []string) func(ctx context.Context) error {
	argv := append([]string(nil), command...)
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			if len(out) > 512 {
				out = out[len(out)-512:]
			}
			if s := strings.TrimSpace(string(out)); s != "" {
				return fmt.Errorf("%s: %w: %s", argv[0], err, s)
			}
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		return nil
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	if cfg.Engine.Workers < 0 {
		return engine.Config{}, fmt.Errorf("engine.workers must be >= 0")
	}
	if cfg.Engine.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("engine.queue_size must be >= 0")
	}
	if cfg.Engine.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("engine.history_size must be >= 0")
	}
	return engine.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		HistorySize:    cfg.Engine.HistorySize,
		DefaultTimeout: timeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (sched.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_every", cfg.Scheduler.TickEvery, time.Second)
	if err != nil {
		return sched.Config{}, err
	}
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		Enabled:        cfg.Scheduler.Enabled,
		TickEvery:      tick,
		DefaultTimeout: timeout,
	}, nil
}
