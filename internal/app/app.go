// Package app wires configuration, logging, storage, the runner and the
// control plane into one process. Bots are provided as factories at start-up
// and constructed for every entry under "bots" in the config file.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"botrunner/internal/config"
	"botrunner/internal/eventbus"
	"botrunner/internal/httpd"
	"botrunner/internal/metrics"
	"botrunner/internal/restcache"
	"botrunner/internal/runner"
	"botrunner/internal/runtime/supervisor"
	"botrunner/internal/storage"
	"botrunner/pkg/logx"
)

// BotContext is the per-bot view of the global configuration, handed to a
// bot factory when its config entry exists.
type BotContext struct {
	Name       string
	StorageDir string          // persistent, survives restarts
	Specific   json.RawMessage // the bot's own config object
	HTTPClient *http.Client    // shares the process-wide REST response cache
	Log        logx.Logger
}

// BotFactory constructs the bot registered under Name when the config file
// contains a matching entry.
type BotFactory struct {
	Name string
	New  func(bc BotContext) (runner.Bot, error)
}

type App struct {
	cfgPath string
	cfg     *config.Config

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store storage.Store
	cache *restcache.Cache

	reg  *runner.Registry
	run  *runner.Runner
	met  *metrics.Service
	ctrl *httpd.Service
	sup  *supervisor.Supervisor

	factories map[string]BotFactory
}

// New loads and validates the config file. Config errors are fatal: the
// caller should exit rather than start a half-configured runner.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Log)

	return &App{
		cfgPath:   cfgPath,
		cfg:       cfg,
		logs:      logSvc,
		log:       log.With(logx.String("comp", "app")),
		bus:       eventbus.New(),
		reg:       runner.NewRegistry(),
		factories: map[string]BotFactory{},
	}, nil
}

// RegisterBots makes factories available; which ones actually run is decided
// by the config file's "bots" section.
func (a *App) RegisterBots(factories ...BotFactory) error {
	for _, f := range factories {
		if f.Name == "" || f.New == nil {
			return fmt.Errorf("invalid bot factory")
		}
		if _, dup := a.factories[f.Name]; dup {
			return fmt.Errorf("bot factory %q registered twice", f.Name)
		}
		a.factories[f.Name] = f
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg

	evict, _ := cfg.Runner.CacheEviction() // validated at load time
	cache, err := restcache.New(0, evict)
	if err != nil {
		return fmt.Errorf("rest cache: %w", err)
	}
	a.cache = cache

	store, err := storage.Open(storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path}, a.log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store

	if err := a.buildBots(); err != nil {
		return err
	}

	interval, _ := cfg.Runner.IntervalOrDefault()
	hard, _ := cfg.Runner.WatchdogTimeout()
	warn, _ := cfg.Runner.WatchdogWarnTimeout()

	opts := []runner.Option{runner.WithCache(cache)}
	if store != nil {
		opts = append(opts, runner.WithStore(store))
	}
	a.run = runner.New(runner.Config{
		Interval:        interval,
		Concurrency:     cfg.Runner.ConcurrencyOrDefault(),
		WatchdogTimeout: hard,
		WatchdogWarn:    warn,
		MaxAttempts:     cfg.Runner.MaxAttempts(),
		ScratchRoot:     cfg.Scratch.Path,
		CacheEviction:   evict,
	}, a.reg, a.logs.Logger(), a.bus, opts...)

	a.met = metrics.New(a.run, a.bus)
	a.met.Start(ctx)

	if err := a.run.Start(ctx); err != nil {
		return err
	}

	if cfg.HTTPServer != nil {
		ctrl, err := httpd.New(*cfg.HTTPServer, httpd.Deps{
			Runner:   a.run,
			Registry: a.reg,
			Metrics:  a.met,
			Log:      a.logs.Logger(),
		})
		if err != nil {
			return err
		}
		if err := ctrl.Start(ctx); err != nil {
			return err
		}
		a.ctrl = ctrl
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup.Go("config-watch", func(c context.Context) error {
		return config.Watch(c, a.cfgPath, a.log, a.applyReload)
	})
	a.startSystemdNotify()

	a.log.Info("started", logx.Int("bots", a.reg.Len()))
	return nil
}

// buildBots constructs one bot per config entry, in name order so the
// registry (and with it tick order and start-up logs) is stable across
// restarts. An entry without a registered factory is a configuration error
// and aborts start-up.
func (a *App) buildBots() error {
	names := make([]string, 0, len(a.cfg.Bots))
	for name := range a.cfg.Bots {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw := a.cfg.Bots[name]
		f, ok := a.factories[name]
		if !ok {
			return fmt.Errorf("bots.%s: no such bot is registered in this binary", name)
		}
		dir, err := storage.BotDir(a.cfg.Storage.Path, name)
		if err != nil {
			return err
		}
		bot, err := f.New(BotContext{
			Name:       name,
			StorageDir: dir,
			Specific:   raw,
			HTTPClient: &http.Client{Transport: a.cache.Transport(nil)},
			Log:        a.logs.Logger().With(logx.String("bot", name)),
		})
		if err != nil {
			return fmt.Errorf("bots.%s: %w", name, err)
		}
		schedule, noTick, err := a.cfg.BotSchedule(name)
		if err != nil {
			return err
		}
		if err := a.reg.Register(runner.Registration{Bot: bot, Schedule: schedule, NoTick: noTick}); err != nil {
			return err
		}
	}
	return nil
}

// applyReload applies the runtime-tunable subset of a changed config file.
// Structural settings (port, concurrency, bot set) still require a restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(cfg.Log)

	hard, err1 := cfg.Runner.WatchdogTimeout()
	warn, err2 := cfg.Runner.WatchdogWarnTimeout()
	if err1 == nil && err2 == nil {
		a.run.UpdateWatchdog(warn, hard)
	}
}

// startSystemdNotify reports readiness to systemd and keeps its watchdog fed
// while the runner is healthy. Both calls are no-ops outside a systemd unit
// (no NOTIFY_SOCKET).
func (a *App) startSystemdNotify() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go("sd-watchdog", func(ctx context.Context) error {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				// A stuck work item stops the keepalive; systemd
				// restarts the process, mirroring the liveness probe.
				if a.run.Healthy() {
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}
	})
}

// Stop drains everything. ctx bounds the grace period for in-flight work.
func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.ctrl != nil {
		a.ctrl.Stop(ctx)
	}
	if a.run != nil {
		a.run.Stop(ctx)
	}
	if a.met != nil {
		a.met.Stop()
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// Runner exposes the scheduler for tests and diagnostics.
func (a *App) Runner() *runner.Runner { return a.run }
