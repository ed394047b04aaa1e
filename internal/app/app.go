// Package app wires the broadcast engine to its adapters, owns the config
// hot-reload fan-out and runs the bounded shutdown sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cheersbot/internal/broadcast"
	"cheersbot/internal/catalog"
	"cheersbot/internal/config"
	"cheersbot/internal/eventbus"
	"cheersbot/internal/metrics"
	"cheersbot/internal/notifier"
	"cheersbot/internal/ops"
	rtsup "cheersbot/internal/runtime/supervisor"
	"cheersbot/internal/storage"
	"cheersbot/internal/task/scheduler"
	kit "cheersbot/internal/transport"
	telegram "cheersbot/internal/transport/telegram/adapter"
	"cheersbot/internal/transport/telegram/router"
	"cheersbot/internal/voice/livekit"
	logx "cheersbot/pkg/logx"
	"cheersbot/pkg/sdnotify"
)

type App struct {
	version string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter *telegram.Adapter
	store   storage.Store
	catalog *catalog.Catalog
	metrics *metrics.Collector
	notif   *notifier.Service
	engine  *broadcast.Engine
	sched   *scheduler.Service
	router  *router.Router
	ops     *ops.Server
	sd      *sdnotify.Notifier

	updates chan kit.Message
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath, version string) (*App, error) {
	boot := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, boot)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// The chat sink needs the adapter and the adapter needs a logger, so the
	// sender is attached once the adapter exists.
	logs, log := logx.New(mapLogging(cfg), nil)
	cfgm.SetLogger(log)

	tc, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tc, log)
	if err != nil {
		return nil, err
	}
	logs.SetSender(ad)

	a := &App{
		version: version,
		cfgm:    cfgm,
		log:     log.With(logx.Comp("app")),
		logs:    logs,
		bus:     eventbus.New(),
		adapter: ad,
		sd:      sdnotify.New(log),
		updates: make(chan kit.Message, 256),
	}
	if err := a.build(cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	if store != nil {
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.log.Warn("storage disabled; schedules live in memory only")
	}

	reg := broadcast.NewRegistry(store, broadcast.SystemClock{}, defaultPayload(cfg), log)
	n, err := reg.Load(ctx)
	if err != nil {
		return err
	}
	a.log.Info("schedules loaded", logx.Int("tenants", n))

	cat, err := catalog.New(cfg.Catalog.Dir, log)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	a.catalog = cat

	lk, err := mapLiveKit(cfg)
	if err != nil {
		return err
	}
	a.metrics = metrics.New(a.version)

	nc, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, a.adapter, noticeTarget(reg), log, a.bus)

	sink := broadcast.NewOutcomeSink(log, a.notif, store, a.metrics)
	if store != nil {
		c, err := store.LoadCounters(ctx)
		switch {
		case err == nil:
			sink.Restore(c)
		case !errors.Is(err, storage.ErrNotFound):
			a.log.Warn("counters restore failed", logx.Err(err))
		}
	}

	opts, err := mapBroadcast(cfg)
	if err != nil {
		return err
	}
	a.engine, err = broadcast.NewEngine(opts, broadcast.Deps{
		Log:       log,
		Registry:  reg,
		Directory: livekit.NewDirectory(lk),
		Transport: livekit.NewTransport(lk, cat.Path, log),
		Catalog:   cat,
		Outcomes:  sink,
		Notifier:  a.notif,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Heartbeat: a.sd,
	})
	if err != nil {
		return err
	}

	a.sched = scheduler.New(log, scheduler.WithLocation(time.UTC))
	if err := a.addHousekeeping(cfg); err != nil {
		return err
	}

	a.router = router.New(router.Config{Owners: cfg.Telegram.OwnerUserIDs}, a.adapter, store, log)
	a.router.Register(router.Commands(router.Deps{
		Engine:  a.engine,
		History: store,
		Jobs:    a.sched.Snapshot,
		Version: a.version,
	}))
	a.router.OnBotRemoved(a.engine.Forget)

	oc, err := mapOps(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(oc, a.metrics.Handler(), a.health, log)
	return nil
}

// addHousekeeping registers the starvation sweep and the counter flush.
func (a *App) addHousekeeping(cfg *config.Config) error {
	sweep, counters, err := housekeepingSpecs(cfg)
	if err != nil {
		return err
	}
	if err := a.sched.Add("sweep", sweep, 30*time.Second, func(ctx context.Context) error {
		if n := a.engine.SweepStale(ctx); n > 0 {
			a.log.Warn("stale leases released", logx.Int("count", n))
		}
		return nil
	}); err != nil {
		return err
	}
	if a.store == nil {
		return nil
	}
	return a.sched.Add("counters", counters, 10*time.Second, a.flushCounters)
}

func (a *App) flushCounters(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.SaveCounters(ctx, a.engine.Counters())
}

// noticeTarget sends tenant notices to the tenant's own chat, inside the
// forum thread it picked with /logthread.
func noticeTarget(reg *broadcast.Registry) notifier.TargetResolver {
	return func(tenant broadcast.TenantID) (kit.ChatTarget, bool) {
		id, err := strconv.ParseInt(string(tenant), 10, 64)
		if err != nil {
			return kit.ChatTarget{}, false
		}
		to := kit.ChatTarget{ChatID: id}
		if s, ok := reg.Get(tenant); ok {
			to.ThreadID = s.LogThreadID
		}
		return to, true
	}
}

func (a *App) health() (bool, map[string]any) {
	if a.sup == nil {
		return false, map[string]any{"running": false}
	}
	sc := a.sup.Counters()
	ok := a.sup.Context().Err() == nil
	payloads, _ := a.catalog.ListAvailable(context.Background())
	return ok, map[string]any{
		"running":     ok,
		"version":     a.version,
		"tenants":     len(a.engine.Registry().Tenants()),
		"in_flight":   a.engine.Arbiter().Active(),
		"payloads":    len(payloads),
		"goroutines":  sc.Active,
		"panics":      sc.Panics,
		"jobs_failed": failedJobs(a.sched.Snapshot()),
	}
}

func failedJobs(infos []scheduler.Info) int {
	n := 0
	for _, in := range infos {
		if in.LastErr != "" {
			n++
		}
	}
	return n
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

// Reload re-reads the config file; accepted changes reach the running
// components through the reload loop.
func (a *App) Reload(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config reload: no changes")
		return nil
	}
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}
	a.notif.Start(c)
	if err := a.engine.Start(c); err != nil {
		return err
	}
	a.sched.Start(c)
	if err := a.ops.Start(c); err != nil {
		return err
	}

	a.sup.Go("router.run", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.router.PublishMenu(mctx); err != nil {
			a.log.Warn("command menu publish failed", logx.Err(err))
		}
	})

	if a.cfgm.Get().Catalog.Watch {
		a.sup.GoRestart("catalog.watch", a.catalog.Watch,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

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

	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("serving %d chats", len(a.engine.Registry().Tenants())))
	a.log.Info("app started", logx.String("version", a.version))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Scheduler first so no housekeeping job races the final flush.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "broadcast", 5*time.Second, a.engine.Stop)
	a.step(ctx, "counters.flush", 2*time.Second, a.flushCounters)
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max (and never past ctx's own
// deadline). A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Bool("error", err != nil))
		}()
	}
}
