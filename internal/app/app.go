package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"meteobot/internal/config"
	"meteobot/internal/dispatch"
	"meteobot/internal/eventbus"
	"meteobot/internal/notifier"
	"meteobot/internal/observability/metrics"
	"meteobot/internal/observability/server"
	rtsup "meteobot/internal/runtime/supervisor"
	"meteobot/internal/storage"
	"meteobot/internal/subscription"
	"meteobot/internal/task/scheduler"
	kit "meteobot/internal/transport"
	"meteobot/internal/transport/telegram/adapter"
	"meteobot/internal/transport/telegram/router"
	"meteobot/internal/weather/meteofrance"
	"meteobot/internal/weatherbot"
	logx "meteobot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend storage.Store
	store   *subscription.Store
	// recovered gates the shutdown flush: an unread blob is never overwritten.
	recovered bool

	adapter *adapter.Adapter
	sched   *scheduler.Service
	notif   *notifier.Service
	bot     *weatherbot.Service
	cmdm    *router.CommandManager
	metrics *metrics.Metrics
	obs     *server.Service

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := adapter.New(adapter.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}

	// Bootstrap with the room sink off, set its target, then apply the final
	// config so Apply does not warn about a missing target.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Room.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	setOpsRoom(logSvc, cfg, root)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(ctx, sc, root)
	if err != nil {
		return nil, err
	}
	store := subscription.NewStore(backend, subscription.NewAllocator(), root)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	wcfg, err := mapWeatherConfig(cfg, loadLocation(schedCfg.Timezone))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	mf := meteofrance.New(wcfg, nil, root)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, root, bus)

	// The dispatcher renders dates in the scheduler's zone, which follows reloads.
	var sched *scheduler.Service
	disp := dispatch.New(mf, notif, root,
		dispatch.WithBus(bus),
		dispatch.WithLocation(func() *time.Location { return sched.Location() }),
	)
	sched = scheduler.New(schedCfg, disp.Dispatch, root, scheduler.WithBus(bus))

	bot := weatherbot.New(weatherbot.Deps{
		Store:     store,
		Scheduler: sched,
		Locator:   mf,
		Reporter:  disp,
		Audit:     backend,
		Bus:       bus,
		Log:       root,
	})

	cmdm := router.NewCommandManager(router.Config{}, root, ad, bus)
	met := metrics.New(bus, sched.Len)

	ocfg, err := mapObservabilityConfig(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		backend: backend,
		store:   store,
		adapter: ad,
		sched:   sched,
		notif:   notif,
		bot:     bot,
		cmdm:    cmdm,
		metrics: met,
		updates: make(chan kit.Update, 256),
	}
	a.obs = server.New(ocfg, root, met.Handler(), a.health, server.WithDebug(a.debugSnapshot))
	return a, nil
}

func setOpsRoom(logs *logx.Service, cfg *config.Config, log logx.Logger) {
	raw := strings.TrimSpace(cfg.Telegram.OpsChat)
	if raw == "" {
		// Clearing the target lets a reload switch the sink off.
		logs.SetRoomTarget(kit.ChatTarget{})
		return
	}
	to, err := kit.ParseRoomID(raw)
	if err != nil {
		log.Warn("telegram.ops_chat ignored", logx.Err(err))
		return
	}
	logs.SetRoomTarget(to)
}

func loadLocation(tz string) *time.Location {
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
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

func (a *App) health(ctx context.Context) error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	if n, armed := a.store.Count(), a.sched.Len(); armed < n {
		return fmt.Errorf("%d of %d subscriptions have no trigger", n-armed, n)
	}
	return nil
}

const reconcileJob = "reconcile"

// applyReconcile registers, replaces or removes the reconciliation job.
func (a *App) applyReconcile(cfg *config.Config) error {
	spec := reconcileSpec(cfg)
	if spec == "" {
		if a.sched.RemoveHousekeeping(reconcileJob) {
			a.log.Info("reconciliation disabled")
		}
		return nil
	}
	err := a.sched.AddHousekeeping(reconcileJob, spec, 30*time.Second, func(c context.Context) error {
		_, _, err := a.bot.Reconcile(c)
		return err
	})
	if err != nil {
		return fmt.Errorf("scheduler.reconcile: %w", err)
	}
	return nil
}

// DebugSnapshot is served at /debug/triggers.
type DebugSnapshot struct {
	Scheduler     scheduler.Snapshot        `json:"scheduler"`
	Subscriptions map[string]int            `json:"subscriptions"`
	NextID        int64                     `json:"next_id"`
	Supervisors   map[string]rtsup.Snapshot `json:"supervisors"`
	Deliveries    []notifier.HistoryItem    `json:"recent_deliveries"`
}

func (a *App) debugSnapshot() any {
	rooms := a.store.Snapshot()
	perRoom := make(map[string]int, len(rooms))
	for room, subs := range rooms {
		perRoom[string(room)] = len(subs)
	}
	return DebugSnapshot{
		Scheduler:     a.sched.Snapshot(),
		Subscriptions: perRoom,
		NextID:        a.store.Allocator().Peek(),
		Supervisors: map[string]rtsup.Snapshot{
			"app":      a.sup.Snapshot(),
			"adapter":  a.adapter.Supervisor().Snapshot(),
			"commands": a.cmdm.Supervisor().Snapshot(),
			"notifier": a.notif.Supervisor().Snapshot(),
		},
		Deliveries: a.notif.History(),
	}
}

// Start recovers persisted subscriptions, then starts polling and the
// background loops. A blob that cannot be decoded aborts the start so it is
// never overwritten.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	if a.notif.Enabled() {
		a.notif.Start(run)
	}

	n, err := a.bot.Recover(ctx)
	switch {
	case errors.Is(err, subscription.ErrDecode), errors.Is(err, subscription.ErrPersistence):
		return fmt.Errorf("recover subscriptions: %w", err)
	case err != nil:
		a.log.Warn("some subscriptions could not be armed", logx.Int("armed", n), logx.Err(err))
	}
	a.recovered = true

	if err := a.applyReconcile(a.cfgm.Get()); err != nil {
		return err
	}
	a.sched.Start(run)

	a.cmdm.SetRegistry(run, router.WeatherCommands(a.bot))
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.sup.Go0("metrics.consume", func(c context.Context) { a.metrics.Consume(c, a.bus) })
	a.obs.Start(run)

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("subscriptions", n))
	return nil
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	setOpsRoom(a.logs, next, a.log)
	a.logs.Apply(mapLoggingConfig(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if reconcileSpec(prev) != reconcileSpec(next) {
		if err := a.applyReconcile(next); err != nil {
			a.log.Warn("invalid reconcile schedule; keeping previous", logx.Err(err))
		}
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	if ocfg, err := mapObservabilityConfig(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.obs.Reconfigure(c, ocfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order, each step bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop polling first so no new command races the shutdown.
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.sup.Cancel()
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	if a.recovered {
		a.step(ctx, "store.flush", 2*time.Second, a.store.Flush)
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.backend.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// Respect the caller's deadline; never extend it.
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
