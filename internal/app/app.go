// Package app wires the daemon: config, storage, planner runner, job engine,
// trigger scheduler, notifier and the inspection API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crawlsched/internal/config"
	"crawlsched/internal/dispatch"
	"crawlsched/internal/eventbus"
	"crawlsched/internal/fetch"
	"crawlsched/internal/httpapi"
	"crawlsched/internal/notifier"
	"crawlsched/internal/orchestrator"
	"crawlsched/internal/quality"
	"crawlsched/internal/runtime/supervisor"
	"crawlsched/internal/storage"
	"crawlsched/internal/task/engine"
	"crawlsched/internal/task/scheduler"
	kit "crawlsched/internal/transport"
	"crawlsched/internal/transport/telegram"
	logx "crawlsched/pkg/logx"
)

const schedulePrefix = "plan."

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	engine *engine.Service
	sched  *scheduler.Service
	runner *orchestrator.Runner

	tg    *telegram.Adapter // nil without a bot token
	notif *notifier.Service
	cmds  *commands
	http  *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.Component("storage"))
	if err != nil {
		return nil, err
	}
	// Jobs from a previous process are gone; their pending marks would block targets forever.
	if err := store.ResetPending(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("reset pending: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	// Mapping errors below cannot happen after validateConfig.
	engCfg, _ := mapTaskEngineConfig(cfg)
	engineSvc := engine.New(engCfg, log.Component("taskengine"), bus)

	fcfg, _ := mapFetchConfig(cfg)
	fetcher, err := fetch.New(fcfg, log.Component("fetch"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	disp := dispatch.New(mapDispatchConfig(cfg), store, engineSvc, fetcher, log.Component("dispatch"))
	classifier := quality.New(mapQualityConfig(cfg), store, log.Component("quality"))

	rcfg, _ := mapRunnerConfig(cfg)
	runner := orchestrator.New(rcfg, store, classifier, disp, bus, log.Component("runner"))

	schedSvc := scheduler.New(mapSchedulerConfig(cfg), log.Component("scheduler"))

	var (
		tg     *telegram.Adapter
		sender kit.Sender
	)
	if telegramEnabled(cfg) {
		tcfg, _ := mapTelegramConfig(cfg)
		tg, err = telegram.New(tcfg, log.Component("telegram"))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		sender = tg
	}
	ncfg, _ := mapNotifierConfig(cfg)
	notifSvc := notifier.New(ncfg, sender, log.Component("notifier"))

	a := &App{
		cfgm:   cfgm,
		log:    log.Component("app"),
		logs:   logSvc,
		bus:    bus,
		store:  store,
		engine: engineSvc,
		sched:  schedSvc,
		runner: runner,
		tg:     tg,
		notif:  notifSvc,
		cmds:   &commands{runner: runner, engine: engineSvc, sched: schedSvc},
		http:   httpapi.NewServer(log.Component("http")),
	}
	if tg != nil {
		tg.Handle("status", a.cmds.status)
		tg.Handle("plan", a.cmds.plan)
	}
	return a, nil
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

// Reload re-reads the config file now, e.g. on SIGHUP. The change is applied
// by the reload loop.
func (a *App) Reload() error {
	_, err := a.cfgm.Reload()
	if errors.Is(err, config.ErrUnchanged) {
		return nil
	}
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(validateConfig)

	cfg := a.cfgm.Get()
	runCtx := a.sup.Context()

	a.engine.Start(runCtx)
	if err := a.applyOwners(runCtx, cfg); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	a.notif.Start(runCtx)
	if a.tg != nil {
		// Runs even while the notifier is disabled; Notify then drops events.
		a.sup.Go("notifier.watch", func(c context.Context) error {
			a.notif.Watch(c, a.bus)
			return nil
		})
		a.tg.Start(runCtx)
	}
	if err := a.applyHTTP(runCtx, cfg); err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	// Debug-level event trace; components subscribe on their own.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("config.reload", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case u := <-a.cfgm.Updates():
				a.reload(c, u.Old, u.New)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Strs("owners", a.runner.Owners()))
	return nil
}

// applyOwners syncs targets into storage, registers one schedule per owner
// and routes notifications. Schedules of removed owners are dropped.
func (a *App) applyOwners(ctx context.Context, cfg *config.Config) error {
	owners, err := mapOwners(cfg)
	if err != nil {
		return err
	}
	if err := a.runner.SyncOwners(ctx, owners); err != nil {
		// A failed upsert leaves the previous stored target; planning still works.
		a.log.Warn("owner sync incomplete", logx.Err(err))
	}

	want := make(map[string]struct{}, len(cfg.Owners))
	var errs []error
	for _, o := range cfg.Owners {
		if strings.TrimSpace(o.Schedule) == "" {
			continue
		}
		name := schedulePrefix + o.ID
		want[name] = struct{}{}
		if err := a.sched.Upsert(name, o.Schedule, defaultScheduleTimeout, a.trigger(o.ID)); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", name, err))
		}
	}
	for _, name := range a.sched.Names() {
		if _, ok := want[name]; !ok && a.sched.Remove(name) {
			a.log.Info("schedule removed", logx.String("name", name))
		}
	}

	chats, allowed := ownerChats(cfg)
	a.notif.SetChats(chats)
	a.cmds.setChats(chats)
	if a.tg != nil {
		a.tg.SetAllowedChats(allowed)
	}
	return errors.Join(errs...)
}

func (a *App) trigger(owner string) scheduler.Trigger {
	return func(ctx context.Context) error {
		res, err := a.runner.Run(ctx, owner, false)
		switch {
		case errors.Is(err, orchestrator.ErrRunInProgress):
			a.log.Info("scheduled run skipped; previous run still active", logx.String("owner", owner))
			return nil
		case err != nil:
			return err
		}
		a.log.Info("scheduled run planned",
			logx.String("owner", owner),
			logx.String("plan", res.Plan.ID),
			logx.Int("tasks", len(res.Plan.Batch.Tasks)),
			logx.Int("posts", res.Plan.Batch.TotalPlannedPosts),
			logx.Int("budget", res.Plan.Budget),
		)
		return nil
	}
}

// handler fills d with the running components.
func (a *App) handler(d httpapi.Deps) http.Handler {
	d.Store = a.store
	d.Runner = a.runner
	d.Engine = a.engine
	d.Scheduler = a.sched
	// A literal nil keeps /notifier reporting 404.
	if a.notif.Enabled() {
		d.Notifier = a.notif
	}
	if a.sup != nil {
		d.Runtime = a.sup
	}
	d.Log = a.log.Component("http")
	return httpapi.NewHandler(d)
}

func (a *App) applyHTTP(ctx context.Context, cfg *config.Config) error {
	hc, deps, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	return a.http.Apply(ctx, hc, a.handler(deps))
}

// reload applies a validated config. Storage, fetch, dispatch, quality and
// the bot token need a restart.
func (a *App) reload(ctx context.Context, old, cfg *config.Config) {
	ch := config.Diff(old, cfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", ch.Fields()...)

	for _, s := range []string{"storage", "fetch", "dispatch", "quality"} {
		if ch.Has(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLoggingConfig(cfg))
	}
	if ch.Has("task_engine") {
		engCfg, _ := mapTaskEngineConfig(cfg)
		a.engine.Apply(ctx, engCfg)
	}
	if ch.Has("planner") {
		rcfg, _ := mapRunnerConfig(cfg)
		a.runner.Apply(rcfg)
	}
	if ch.Has("owners") {
		if err := a.applyOwners(ctx, cfg); err != nil {
			a.log.Warn("owner reload incomplete", logx.Err(err))
		}
	}
	if ch.Has("scheduler") {
		a.sched.Apply(ctx, mapSchedulerConfig(cfg))
	}
	if ch.Has("telegram") {
		oldTG, _ := mapTelegramConfig(old)
		newTG, _ := mapTelegramConfig(cfg)
		if oldTG.Token != newTG.Token {
			a.log.Warn("telegram token changed; restart required for changes to take effect")
		}
		ncfg, _ := mapNotifierConfig(cfg)
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !a.notif.Enabled():
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !prev && a.notif.Enabled():
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}
	if ch.Has("http") || ch.Has("telegram") {
		if err := a.applyHTTP(ctx, cfg); err != nil {
			a.log.Warn("http api reload failed", logx.Err(err))
		}
	}
	a.log.Info("config reloaded", ch.Fields()...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.tg != nil {
			a.tg.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
