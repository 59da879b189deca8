// Package app wires configuration, the dispatcher and its sinks into one
// process with a supervised lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"volley/internal/config"
	"volley/internal/dispatch"
	"volley/internal/eventbus"
	"volley/internal/httpclient"
	"volley/internal/metrics"
	"volley/internal/notify"
	rtsup "volley/internal/runtime/supervisor"
	"volley/internal/schedule"
	"volley/internal/storage"
	logx "volley/pkg/logx"
	"volley/pkg/systemd"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopCompleted  StopReason = "completed"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	http      *httpclient.Client
	rng       dispatch.Rand
	prov      *providers
	ctrl      *dispatch.Controller
	collector *metrics.Collector
	ops       *metrics.Server
	notif     *notify.Notifier

	sup *rtsup.Supervisor

	schedMu  sync.Mutex
	sched    *schedule.Runner
	schedCfg config.ScheduleConfig

	sessMu   sync.Mutex
	sessions atomic.Uint64
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, prov: &providers{}}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage.enabled", logx.String("driver", sc.Driver), logx.Int("keep", sc.Keep))
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpclient.New(hc, log.With(logx.String("comp", "http")))

	a.rng = dispatch.NewRand(time.Now().UnixNano())
	if seed := cfg.Session.Seed; seed != 0 {
		a.rng = dispatch.NewRand(seed)
	}

	deps := dispatch.Deps{
		Proxies:  a.prov,
		Profiles: a.prov,
		Doer:     a.http,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "dispatch")),
		Rand:     a.rng,
	}
	if a.store != nil {
		deps.Store = a.store
	}
	a.ctrl = dispatch.New(deps)

	a.collector = metrics.NewCollector(log.With(logx.String("comp", "metrics")))
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	src := metrics.Sources{
		Gatherer: a.collector.Registry(),
		Stats:    a.ctrl,
		Health:   func() rtsup.Snapshot { return a.sup.Snapshot() },
	}
	if a.store != nil {
		src.Sessions = a.store
	}
	a.ops = metrics.NewServer(opsCfg, src, log.With(logx.String("comp", "ops")))

	if nc, enabled := mapNotifyConfig(cfg); enabled {
		n, err := notify.NewTelegram(nc, log)
		if err != nil {
			return nil, err
		}
		a.notif = n
	}
	return a, nil
}

// Controller exposes the dispatcher, mainly for tests and embedding.
func (a *App) Controller() *dispatch.Controller { return a.ctrl }

// Done is closed when the app context is cancelled: a fatal error, the end
// of a one-shot run, or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches background loops and either the schedule or a single
// session. Without a schedule the app finishes after that session.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return a.validate(cfg) })

	a.sup.Go("metrics.collector", func(c context.Context) error { return a.collector.Run(c, a.bus) })
	if a.notif != nil {
		a.sup.Go("notify", func(c context.Context) error { return a.notif.Run(c, a.bus) })
	}
	a.sup.Go("systemd.watchdog", systemd.Watchdog)
	a.ops.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if cfg.Schedule.Enabled {
		if err := a.applySchedule(cfg.Schedule); err != nil {
			return err
		}
		if cfg.Schedule.RunOnStart {
			a.sup.Go("session.initial", func(c context.Context) error {
				a.runSession(c)
				return nil
			})
		}
		a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
		a.sup.Go("config.reload", a.reloadLoop)
	} else {
		a.sup.Go("session.once", func(c context.Context) error {
			a.runSession(c)
			if a.notif != nil {
				wctx, cancel := context.WithTimeout(c, 15*time.Second)
				a.notif.WaitHandled(wctx, a.sessions.Load())
				cancel()
			}
			a.sup.Cancel()
			return nil
		})
	}

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd.notify_failed", logx.Err(err))
	}
	a.log.Info("app.started",
		logx.String("config", a.cfgm.Path()),
		logx.Bool("scheduled", cfg.Schedule.Enabled),
		logx.Bool("storage", a.store != nil),
		logx.Bool("notify", a.notif != nil),
	)
	return nil
}

// validate runs the checks that need more than the config itself.
func (a *App) validate(cfg *config.Config) error {
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := buildPool(cfg, a.rng, logx.Nop()); err != nil {
		return err
	}
	if cfg.Schedule.Enabled {
		if _, err := schedule.New(cfg.Schedule.Spec, cfg.Schedule.Timezone, func(context.Context) {}, logx.Nop()); err != nil {
			return err
		}
	}
	return nil
}

// applySchedule replaces the running schedule when sc differs from the
// active one. A disabled schedule stops it.
func (a *App) applySchedule(sc config.ScheduleConfig) error {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	if a.sched != nil && a.schedCfg == sc {
		return nil
	}
	if a.sched != nil {
		a.sched.Stop()
		a.sched = nil
	}
	a.schedCfg = sc
	if !sc.Enabled {
		a.log.Info("schedule.disabled")
		return nil
	}
	r, err := schedule.New(sc.Spec, sc.Timezone, a.runSession, a.log.With(logx.String("comp", "schedule")))
	if err != nil {
		return err
	}
	if err := r.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sched = r
	a.log.Info("schedule.started", logx.String("spec", r.Spec().String()), logx.Time("next", r.Next()))
	return nil
}

// reloadLoop applies hot-reloadable sections. Session and proxy settings are
// read at the next session start; storage, http and notify need a restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub, cancel := a.cfgm.Subscribe()
	defer cancel()
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	changed, _ := config.SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		return
	}
	a.logs.Apply(cfg.Logging.Logx())

	if oc, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("ops.config_invalid", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}
	if err := a.applySchedule(cfg.Schedule); err != nil {
		a.log.Warn("schedule.apply_failed", logx.Err(err))
	}

	var restart []string
	for _, s := range changed {
		switch s {
		case "storage", "http", "notify":
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config.restart_required", logx.String("sections", strings.Join(restart, ",")))
	}
}

// Stop shuts everything down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	_, _ = systemd.Stopping()
	a.log.Info("app.stopping", logx.String("reason", string(reason)), logx.Uint64("sessions", a.sessions.Load()))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("app.stop_step_failed", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("app.stop_step", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("app.stop_step_timeout", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("schedule", time.Second, func(context.Context) error {
		a.schedMu.Lock()
		defer a.schedMu.Unlock()
		if a.sched != nil {
			a.sched.Stop()
			a.sched = nil
		}
		return nil
	})
	step("session", 5*time.Second, func(c context.Context) error { a.stopSession(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.http.CloseIdleConnections()

	a.log.Info("app.stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
