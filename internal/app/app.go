// Package app wires the autotour process together: config, logging,
// storage, the per-room schedulers and the chat command surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autotour/internal/bot"
	"autotour/internal/config"
	"autotour/internal/configstore"
	"autotour/internal/eventbus"
	"autotour/internal/registry"
	"autotour/internal/runtime/supervisor"
	"autotour/internal/scheduler"
	"autotour/internal/storage"
	"autotour/internal/tour"
	kit "autotour/internal/transport"
	telegram "autotour/internal/transport/telegram/adapter"
	logx "autotour/pkg/logx"
)

const commandTimeout = 15 * time.Second

type Option func(*App)

// WithAdapter replaces the Telegram adapter, e.g. with an in-process fake.
func WithAdapter(ad kit.Adapter) Option { return func(a *App) { a.adapter = ad } }

type App struct {
	cfgPath string
	cfgm    *config.Manager

	setMu    sync.Mutex
	settings config.Settings

	sup *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	rules     *configstore.Store
	announcer *tour.Announcer
	reg       *registry.Registry

	adapter  kit.Adapter
	disp     *bot.Dispatcher
	autotour *bot.Autotour

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgPath: cfgPath, updates: make(chan kit.Update, 256)}
	for _, fn := range opts {
		fn(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	a.settings = s

	if a.adapter == nil {
		if s.Token == "" {
			return nil, fmt.Errorf("telegram.token is empty (or set %s)", config.EnvToken)
		}
		ad, err := telegram.New(telegram.Config{Token: s.Token, PollTimeout: s.PollTimeout},
			logx.NewConsole("INFO").Named("telegram"))
		if err != nil {
			return nil, err
		}
		a.adapter = ad
	}

	var log logx.Logger
	a.logs, log = logx.New(s.Logging, a.adapter)
	a.log = log.Named("app")
	a.cfgm.SetLogger(log.Named("config"))
	a.bus = eventbus.New()

	a.store, err = storage.Open(s.Storage, log.Named("storage"))
	if err != nil {
		return nil, err
	}
	a.rules, err = configstore.Open(context.Background(), a.store,
		configstore.WithLogger(log.Named("configstore")),
		configstore.WithParamFilter(tour.Normalize),
	)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}

	a.announcer = tour.NewAnnouncer(a.adapter, s.AnnounceRate, tour.WithAnnouncerLogger(log.Named("announce")))
	a.reg = registry.New(a.announcer,
		registry.WithLogger(log.Named("registry")),
		registry.WithSchedulerOptions(a.schedulerOptions(s)...),
	)

	a.disp = bot.NewDispatcher(log.Named("commands"), a.adapter, s.Owners)
	a.autotour = bot.NewAutotour(a.rules, a.reg,
		bot.WithHistory(a.store),
		bot.WithBus(a.bus),
	)
	a.autotour.SetDefaults(s.Tour)
	a.autotour.SetLocation(s.Location)
	a.disp.Register(a.autotour.Command(commandTimeout))

	a.log.Info("app built",
		logx.String("config", cfgPath),
		logx.String("storage", s.Storage.Driver),
		logx.String("timezone", s.Location.String()),
		logx.Int("owners", len(s.Owners)),
	)
	return a, nil
}

func (a *App) schedulerOptions(s config.Settings) []scheduler.Option {
	return append(s.SchedulerOptions(),
		scheduler.WithBus(a.bus),
		scheduler.WithLogger(a.log.Named("scheduler")),
	)
}

// Settings returns the settings currently in effect.
func (a *App) Settings() config.Settings {
	a.setMu.Lock()
	defer a.setMu.Unlock()
	return a.settings
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// Audit before schedulers start so the first firings are recorded.
	events, unsub := a.bus.Subscribe(128, eventbus.TourFired, eventbus.TourFailed, eventbus.RulesCommitted)
	a.sup.Go0("audit", func(c context.Context) {
		defer unsub()
		a.auditLoop(c, events)
	})

	if err := a.reg.Init(a.sup.Context(), a.rules); err != nil {
		// Rooms that failed to load stay unscheduled; the rest run.
		a.log.Error("some rooms could not be scheduled", logx.Err(err))
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.disp.DispatchLoop(c, a.updates)
	})

	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.disp.MenuCommands()); err != nil {
				a.log.Warn("update command menu failed", logx.Err(err))
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("rooms", len(a.reg.Tenants())))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Schedulers first: an in-flight announcement may still need the adapter.
	step("registry", 3*time.Second, a.reg.Teardown)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
