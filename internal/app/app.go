// Package app wires the pipeline together: config, logging, storage, queues,
// the update and notification stages, the sync scheduler and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"

	"voebot/internal/api"
	"voebot/internal/config"
	"voebot/internal/eventbus"
	"voebot/internal/metrics"
	"voebot/internal/notifier"
	"voebot/internal/queue"
	"voebot/internal/runtime/supervisor"
	"voebot/internal/storage"
	"voebot/internal/task/engine"
	"voebot/internal/task/scheduler"
	"voebot/internal/telemetry"
	"voebot/internal/transport/telegram"
	"voebot/internal/updater"
	"voebot/internal/voe"
	logx "voebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	tel  *telemetry.Provider

	lock   *flock.Flock
	store  storage.Store
	queues *Queues

	updates    *queue.UpdateQueue
	proc       *updater.Processor
	producer   *updater.Producer
	dispatcher *notifier.Dispatcher

	engine  *engine.Service
	sched   *scheduler.Service
	metrics *metrics.Metrics
	server  *api.Server
}

// New loads the config and wires the daemon. It takes the single-instance
// lock of the store but starts no goroutine; call Start for that.
func New(ctx context.Context, cfgPath string) (*App, error) {
	return build(ctx, cfgPath, true)
}

// Open wires the pipeline for one-shot commands. It takes no lock, and with
// process-local queues notifications are delivered inline.
func Open(ctx context.Context, cfgPath string) (*App, error) {
	return build(ctx, cfgPath, false)
}

func build(ctx context.Context, cfgPath string, daemonMode bool) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	sender, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL}, bootLog)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg), sender)
	a := &App{cfgm: cfgm, cfg: cfg, log: log.With(logx.String("comp", "app")), logs: logs, bus: eventbus.New()}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if a.tel, err = telemetry.NewProvider(ctx, mapTelemetryConfig(cfg)); err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if daemonMode {
		if err := a.acquireLock(sc); err != nil {
			return nil, err
		}
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	qs, err := mapQueueSettings(cfg)
	if err != nil {
		return nil, err
	}
	if a.queues, err = openQueues(ctx, qs); err != nil {
		return nil, err
	}
	a.updates = queue.NewUpdateQueue(a.queues.Update)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatcher = notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), a.bus)

	srcOpts, err := mapSourceOptions(cfg)
	if err != nil {
		return nil, err
	}
	updOpts, err := mapUpdaterOptions(cfg)
	if err != nil {
		return nil, err
	}
	updOpts.Logger = log.With(logx.String("comp", "updater"))
	updOpts.Bus = a.bus

	var notes updater.NotificationEnqueuer = queue.NewNotificationQueue(a.queues.Notification)
	if !daemonMode && !a.queues.Shared() {
		notes = inlineNotifier{d: a.dispatcher}
	}
	a.proc = updater.New(voe.NewFetcher(srcOpts), a.store, notes, updOpts)
	a.producer = updater.NewProducer(a.store, log.With(logx.String("comp", "producer")))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "engine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log)

	a.metrics = metrics.New()
	a.metrics.WatchBus(a.bus)
	a.metrics.WatchQueues(a.queues.All()...)

	if cfg.HTTP.Enabled {
		hc := mapHTTPConfig(cfg)
		h := api.NewRouter(hc, api.Deps{
			Store:     a.store,
			Queues:    a.queues.All(),
			Schedules: a.proc,
			Gatherer:  a.metrics.Registry,
			Logger:    log.With(logx.String("comp", "api")),
		})
		a.server = api.NewServer(hc, h, log.With(logx.String("comp", "http")))
	}
	return a, nil
}

func (a *App) acquireLock(sc storage.Config) error {
	path := storage.LockPath(sc)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lk := flock.New(path)
	ok, err := lk.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another voebot daemon holds %s", path)
	}
	a.lock = lk
	return nil
}

func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Config() *config.Config             { return a.cfg }
func (a *App) Queues() *Queues                    { return a.queues }
func (a *App) Processor() *updater.Processor      { return a.proc }
func (a *App) Producer() *updater.Producer        { return a.producer }
func (a *App) Dispatcher() *notifier.Dispatcher   { return a.dispatcher }
func (a *App) Metrics() *metrics.Metrics          { return a.metrics }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Start launches consumers, the scheduler, the HTTP server and the config
// watcher under one supervisor. The first fatal error cancels all of them.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err := mapQueueSettings(cfg)
		return err
	})

	qs, err := mapQueueSettings(a.cfg)
	if err != nil {
		return err
	}
	a.startConsumers(qs)

	a.sup.GoRestart("metrics", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })

	a.engine.Start(a.sup.Context())
	if err := a.sched.Add(scheduler.Job{
		Name:    metrics.SyncTaskName,
		Spec:    syncSchedule(a.cfg),
		Timeout: 2 * time.Minute,
		Run:     a.syncOnce,
		Opt:     engine.TaskOptions{SkipIfRunning: true},
	}); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if a.server != nil {
		a.sup.Go("http", a.server.Run)
	}
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("version", Version),
		logx.String("queue", a.queues.Driver),
		logx.String("sync", syncSchedule(a.cfg)),
		logx.Bool("http", a.server != nil),
	)
	return nil
}

func (a *App) startConsumers(qs queueSettings) {
	copts := func(comp string) queue.ConsumerOptions {
		return queue.ConsumerOptions{
			BatchSize: qs.BatchSize,
			Wait:      qs.Wait,
			Logger:    a.log.With(logx.String("comp", comp)),
			Bus:       a.bus,
		}
	}
	restart := supervisor.WithRestartBackoff(time.Second, 30*time.Second)

	upd := queue.NewConsumer(a.queues.Update,
		queue.PerMessage(a.proc.Handler(), qs.HandlerTimeout, qs.Update.Workers), copts("consumer"))
	note := queue.NewConsumer(a.queues.Notification,
		queue.PerMessage(a.dispatcher.Handler(), qs.HandlerTimeout, qs.Notification.Workers), copts("consumer"))
	a.sup.GoRestart("consumer."+UpdateQueueName, upd.Run, restart)
	a.sup.GoRestart("consumer."+NotificationQueueName, note.Run, restart)

	for _, dlq := range []queue.Queue{a.queues.UpdateDLQ, a.queues.NotificationDLQ} {
		mon := queue.NewDeadLetterMonitor(dlq, copts("deadletter"))
		a.sup.GoRestart("deadletter."+dlq.Name(), mon.Run, restart)
	}
}

// syncOnce is the scheduled producer cycle.
func (a *App) syncOnce(ctx context.Context) error {
	n, err := a.producer.Enqueue(ctx, a.updates)
	if err != nil {
		if n > 0 {
			a.log.Warn("sync partially enqueued", logx.Int("tasks", n), logx.Err(err))
		}
		return err
	}
	a.log.Debug("sync cycle done", logx.Int("tasks", n))
	return nil
}

// reloadLoop applies hot-reloadable sections and reports the rest.
func (a *App) reloadLoop(ctx context.Context) error {
	ch, unsub := a.cfgm.Subscribe(1)
	defer unsub()
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-ch:
			if !ok {
				return nil
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.Apply(ncfg)
	}

	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Run starts the app and blocks until ctx ends or a supervised goroutine
// fails, then stops everything.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopFatalError)
		return err
	}
	<-a.sup.Context().Done()

	reason := StopSignal
	runErr := a.sup.Err()
	if runErr != nil {
		reason = StopFatalError
		a.log.Error("fatal error; shutting down", logx.Err(runErr))
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// Stop shuts the daemon down in dependency order. Each step is bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.sup != nil {
		a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error {
			_ = a.sup.Wait(c)
			return c.Err()
		})
	}
	a.log.Info("stopped")
	return a.Close(ctx)
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Close releases queues, storage, the lock, telemetry and log sinks. It is
// safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.queues != nil {
		errs = append(errs, a.queues.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Unlock())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
