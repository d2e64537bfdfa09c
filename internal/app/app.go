package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"supd/internal/config"
	"supd/internal/eventbus"
	"supd/internal/httpapi"
	"supd/internal/notify"
	"supd/internal/runtime/tasks"
	"supd/internal/storage"
	"supd/internal/supervisor"
	"supd/internal/workers/systemd"
	"supd/pkg/logx"
)

// App wires config, logging, storage, alerts, the supervisor and the HTTP API.
type App struct {
	cfgm *config.Manager

	log   logx.Logger
	sink  *logx.Sink
	bus   *eventbus.MemBus
	store storage.Store

	notif *notify.Notifier
	mgr   *supervisor.Manager
	api   *httpapi.Server

	group *tasks.Group
	// cfgGroup runs config watch/reload; it stops first so no reload races shutdown.
	cfgGroup *tasks.Group

	// svcMu guards specs and the lazily dialed systemd connection.
	svcMu sync.Mutex
	specs map[string]config.ServiceSpec
	dbus  *systemd.Conn
}

// New loads and validates the config file and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	sink, root := logx.New(cfg.Logging.Logx())
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	stCfg, err := cfg.StorageStore()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", stCfg.Driver))
	}

	bus := eventbus.New()

	ncfg, err := cfg.Notifier()
	if err != nil {
		return nil, err
	}
	sender, err := telegramSender(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg, sender, root.With(logx.String("comp", "notify")), bus, store)

	opts, err := cfg.Supervisor.ManagerOptions()
	if err != nil {
		return nil, err
	}
	mgr := supervisor.NewManager(root.With(logx.String("comp", "supervisor")), bus, opts...)

	return &App{
		cfgm:  cfgm,
		log:   log,
		sink:  sink,
		bus:   bus,
		store: store,
		notif: notif,
		mgr:   mgr,
		api:   httpapi.NewServer(mgr, store, root),
		specs: map[string]config.ServiceSpec{},
	}, nil
}

// telegramSender returns nil when no bot token is configured.
func telegramSender(cfg *config.Config) (notify.Sender, error) {
	tc, ok := cfg.TelegramSender()
	if !ok {
		return nil, nil
	}
	t, err := notify.NewTelegram(tc)
	if err != nil {
		return nil, fmt.Errorf("notify.telegram: %w", err)
	}
	return t, nil
}

func (a *App) Manager() *supervisor.Manager { return a.mgr }
func (a *App) Store() storage.Store         { return a.store }
func (a *App) Logger() logx.Logger          { return a.log }
func (a *App) API() *httpapi.Server         { return a.api }

// Done is closed when the app's run context ends.
func (a *App) Done() <-chan struct{} {
	if a.group == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.group.Context().Done()
}

// Start registers the configured services, autostarts them and launches the
// background loops (event recording, alerts, HTTP API, config reload).
func (a *App) Start(ctx context.Context) error {
	a.group = tasks.New(ctx, tasks.WithLogger(a.log))
	cfg := a.cfgm.Get()

	if a.store != nil {
		a.startRecorder()
	}
	a.notif.Start(a.group.Context())
	a.group.Go("notify.watch", func(c context.Context) error { return a.notif.Watch(c, a.bus) })

	specs, err := cfg.ServiceSpecs()
	if err != nil {
		return err
	}
	a.applyServices(ctx, specs)

	hc, enabled, err := cfg.HTTPServer()
	if err != nil {
		return err
	}
	a.api.Reconfigure(a.group.Context(), hc, enabled)

	a.cfgGroup = tasks.New(a.group.Context(), tasks.WithLogger(a.log))
	sub := a.cfgm.Subscribe(8)
	a.cfgGroup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
		return nil
	})
	a.cfgGroup.GoRestart("config.watch", a.cfgm.Watch)

	a.startSystemdNotify()
	a.log.Info("supd started", logx.Int("services", len(specs)))
	return nil
}

// Reload re-reads the config file now (SIGHUP). Identical content is a no-op.
func (a *App) Reload(ctx context.Context) error {
	sdNotify(sdReloading)
	defer sdNotify(sdReady)
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config reload requested; no changes")
		return nil
	}
	return err
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// keep only the newest of a burst
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig applies a committed (already validated) config.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if prev == nil || prev.Logging != next.Logging {
		if err := a.sink.Apply(next.Logging.Logx()); err != nil {
			a.log.Warn("logging config partly applied", logx.Err(err))
		}
	}
	for _, s := range ch.Sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "supervisor":
			a.log.Warn("supervisor defaults changed; restart required for changes to take effect")
		}
	}

	if slices.Contains(ch.Sections, "notify") {
		a.applyNotify(ctx, next)
	}

	if hc, ok, err := next.HTTPServer(); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(a.group.Context(), hc, ok)
	}

	if specs, err := next.ServiceSpecs(); err != nil {
		a.log.Warn("invalid services config; keeping previous", logx.Err(err))
	} else {
		a.applyServices(ctx, specs)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotify(ctx context.Context, next *config.Config) {
	ncfg, err := next.Notifier()
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		return
	}
	sender, err := telegramSender(next)
	if err != nil {
		a.log.Warn("telegram sender rejected; keeping previous", logx.Err(err))
	} else {
		a.notif.SetSender(sender)
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.notif.Start(a.group.Context())
	}
}

// Stop shuts everything down in dependency order. Each step is bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.group == nil {
		// never started: only release what New opened
		var err error
		if a.store != nil {
			err = a.store.Close()
			a.store = nil
		}
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(sdStopping)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := runStep(ctx, a.log, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("config", time.Second, func(c context.Context) error {
		if a.cfgGroup != nil {
			return a.cfgGroup.Stop(c)
		}
		return nil
	})
	step("http", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("services", 15*time.Second, a.mgr.Close)
	step("notifier", 2*time.Second, a.notif.Stop)
	step("tasks", 2*time.Second, a.group.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.svcMu.Lock()
	if a.dbus != nil {
		a.dbus.Close()
		a.dbus = nil
	}
	a.svcMu.Unlock()

	bs := a.bus.Stats()
	a.log.Info("stopped",
		logx.Any("events_published", bs.Published),
		logx.Any("events_dropped", bs.Dropped),
	)
	if bs.Dropped > 0 {
		a.log.Warn("some subscribers missed events; history or alerts may be incomplete", logx.Any("dropped", bs.Dropped))
	}
	if a.sink != nil {
		_ = a.sink.Close()
	}
	return errors.Join(errs...)
}

// runStep runs fn with an upper bound, never extending the caller's deadline.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return stepCtx.Err()
	}
}
