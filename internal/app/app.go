// Package app wires configuration, storage, the app registry, the rule
// evaluator, history, speech and the intake sources into one daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notivox/internal/apps"
	"notivox/internal/config"
	"notivox/internal/eventbus"
	"notivox/internal/history"
	"notivox/internal/pipeline"
	"notivox/internal/rules"
	"notivox/internal/runtime/supervisor"
	"notivox/internal/source"
	"notivox/internal/speech"
	"notivox/internal/storage"
	logx "notivox/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	registry *apps.Registry
	eval     *rules.Evaluator
	hist     *history.Log
	disp     *speech.Dispatcher
	pipe     *pipeline.Pipeline
	dbus     *source.DBusSource

	device rules.DeviceState
}

type Option func(*App)

// WithDeviceState plugs in a live ringer/screen probe. Without it the
// ringer_silent and screen_on conditions never match.
func WithDeviceState(dev rules.DeviceState) Option {
	return func(a *App) { a.device = dev }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgPath: cfgPath, device: rules.NopDeviceState{}}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log = a.log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()

	// Settings store (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.registry = apps.NewRegistry(a.store, apps.NopResolver{}, cfg.DefaultEnabled(),
		a.log.With(logx.String("comp", "apps")))

	a.eval = rules.NewEvaluator(a.device, a.log.With(logx.String("comp", "rules")))
	a.eval.Apply(cfg)

	a.hist = history.NewLog(a.bus)

	engine, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.disp = speech.NewDispatcher(engine, a.log.With(logx.String("comp", "speech")), a.bus)
	if cfg.Speech.QueueSize > 0 {
		a.disp.SetQueueSize(cfg.Speech.QueueSize)
	}

	a.pipe = pipeline.New(a.registry, a.eval, a.hist, a.disp, a.bus,
		a.log.With(logx.String("comp", "pipeline")))

	if cfg.Source.DBus.Enabled {
		a.dbus = source.NewDBusSource(a.pipe.Handle,
			cfg.Source.DBus.QueueSize, a.log.With(logx.String("comp", "dbus")))
	}

	return a, nil
}

// Registry exposes per-app settings for operational surfaces.
func (a *App) Registry() *apps.Registry { return a.registry }

// History exposes the bounded notification log.
func (a *App) History() *history.Log { return a.hist }

// Handle feeds one notification through the pipeline. Exposed so replay
// sources and tests can inject traffic directly.
func (a *App) Handle() source.Handler { return a.pipe.Handle }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.registry.Start(a.sup.Context()); err != nil {
		return err
	}
	a.disp.Start(a.sup.Context())

	// The bus monitor loses its connection when the session bus restarts;
	// the restart loop reattaches with backoff instead of leaving the
	// daemon running deaf.
	if a.dbus != nil {
		a.sup.GoRestart("source.dbus", a.dbus.Run)
	}

	// Debug-level event trace; components subscribe themselves for real work.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, prev, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.eval.Apply(cfg)
	a.registry.SetDefaultEnabled(cfg.DefaultEnabled())

	if cfg.Speech.QueueSize > 0 {
		a.disp.SetQueueSize(cfg.Speech.QueueSize)
	}
	if engine, err := mapEngineConfig(cfg); err != nil {
		a.log.Warn("invalid speech engine config; keeping previous", logx.Err(err))
	} else if prev == nil || !engineEqual(prev.Speech.Engine, cfg.Speech.Engine) {
		a.disp.SetEngine(engine)
		a.log.Info("speech engine reconfigured", logx.String("command", engineCommand(cfg)))
	}

	// Flipping the master switch off silences everything already in flight.
	if prev != nil && prev.MasterEnabled() && !cfg.MasterEnabled() {
		a.disp.CancelAll()
		a.log.Info("speech disabled via config")
	}

	if prev != nil && storageChanged(prev, cfg) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("speech", 2*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("registry", 2*time.Second, func(c context.Context) error { a.registry.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	c := a.sup.Counters()
	a.log.Info("stopped", logx.Uint64("goroutines_started", c.Started), logx.Int64("goroutines_active", c.Active))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: "memory"}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config) (speech.Engine, error) {
	cmd := engineCommand(cfg)
	if strings.EqualFold(cmd, "none") {
		return speech.NopEngine{}, nil
	}
	timeout, err := config.ParseDurationOrDefault("speech.engine.timeout", cfg.Speech.Engine.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return speech.NewExecEngine(cmd, cfg.Speech.Engine.Args, timeout), nil
}

func engineCommand(cfg *config.Config) string {
	cmd := strings.TrimSpace(cfg.Speech.Engine.Command)
	if cmd == "" {
		cmd = "espeak-ng"
	}
	return cmd
}

func engineEqual(a, b config.EngineConfig) bool {
	if a.Command != b.Command || a.Timeout != b.Timeout || len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	return true
}

func storageChanged(prev, cfg *config.Config) bool {
	p, pe, err1 := mapStorageConfig(prev)
	c, ce, err2 := mapStorageConfig(cfg)
	if err1 != nil || err2 != nil {
		return false
	}
	return pe != ce || p != c
}
