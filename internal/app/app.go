package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"notibot/internal/bus"
	"notibot/internal/config"
	"notibot/internal/producers"
	"notibot/internal/queue"
	"notibot/internal/reporter"
	"notibot/internal/reports"
	"notibot/internal/runtime/supervisor"
	"notibot/internal/scheduler"
	"notibot/internal/storage"
	"notibot/internal/subscriber"
	"notibot/internal/topics"
	"notibot/internal/transport"
	"notibot/internal/transport/telegram"
	logx "notibot/pkg/logx"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// App owns the whole pipeline: config, logging, the Redis bus, and all
// services wired back-to-front so every component's sink exists before the
// component itself.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	rdb   *redis.Client
	bus   *bus.Bus
	store storage.Store

	sender *telegram.Adapter
	out    *outbound

	dir   *topics.Directory
	queue *queue.Service
	agg   *reports.Aggregator
	rep   *reporter.Reporter
	prods *producers.Registry
	stats *producers.Client
	sub   *subscriber.Service
	sched *scheduler.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sender, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	out := &outbound{inner: sender, mode: parseMode(cfg)}

	rdb := bus.NewClient(bus.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	busSvc := bus.New(rdb, log.With(logx.String("comp", "bus")))

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dir := topics.NewDirectory(mapSections(cfg), topics.NewRedisStore(rdb), sender,
		log.With(logx.String("comp", "topics")))

	metrics := queue.NewMetrics(prometheus.DefaultRegisterer)
	q := queue.New(mapQueueConfig(cfg), out, dir, store, metrics,
		log.With(logx.String("comp", "queue")))

	aggCfg, err := mapAggregatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	agg := reports.New(aggCfg, q, log.With(logx.String("comp", "reports")))

	repCfg, err := mapReporterConfig(cfg)
	if err != nil {
		return nil, err
	}
	rep := reporter.New(repCfg, q, log.With(logx.String("comp", "reporter")))

	prodCfgs, err := mapProducerConfigs(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := producers.NewRegistry(prodCfgs, log.With(logx.String("comp", "producers")))
	if err != nil {
		return nil, err
	}
	var stats *producers.Client
	if sc, ok, err := mapStatsConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		stats, err = producers.NewClient(sc, log.With(logx.String("comp", "producers")))
		if err != nil {
			return nil, err
		}
	}

	subCfg, err := mapSubscriberConfig(cfg)
	if err != nil {
		return nil, err
	}
	sub := subscriber.New(subCfg, subscriber.Deps{
		Source:  subscriber.FromBus(busSvc),
		Queue:   q,
		Reports: agg,
		Errors:  rep,
		Store:   store,
	}, log.With(logx.String("comp", "subscriber")))

	schedDeps := scheduler.Deps{
		Producers: schedulerProducers(registry),
		Queue:     q,
		Bus:       busSvc,
	}
	if stats != nil {
		schedDeps.Stats = stats
	}
	sched := scheduler.New(mapSchedulerConfig(cfg), schedDeps,
		log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		rdb:     rdb,
		bus:     busSvc,
		store:   store,
		sender:  sender,
		out:     out,
		dir:     dir,
		queue:   q,
		agg:     agg,
		rep:     rep,
		prods:   registry,
		stats:   stats,
		sub:     sub,
		sched:   sched,
	}, nil
}

// schedulerProducers widens the registry's concrete clients to the
// scheduler's Producer interface.
func schedulerProducers(r *producers.Registry) []scheduler.Producer {
	clients := r.Clients()
	out := make([]scheduler.Producer, 0, len(clients))
	for _, c := range clients {
		out = append(out, c)
	}
	return out
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

// Trigger runs one report cycle immediately (operator path).
func (a *App) Trigger(ctx context.Context, reportType string) error {
	return a.sched.Trigger(ctx, reportType)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Redis readiness probe. The subscriber reconnects on its own, so a down
	// bus at boot is a warning, not a failure.
	pingCtx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Second)
	if err := a.bus.Ping(pingCtx); err != nil {
		a.log.Warn("redis not reachable at start", logx.Err(err))
	}
	cancel()

	if len(a.prods.Clients()) > 0 {
		healthCtx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Second)
		if down := a.prods.Healthy(healthCtx); len(down) > 0 {
			a.log.Warn("producers unhealthy at start", logx.Any("producers", down))
		}
		cancel()
	}

	// Leaf-first: every sink exists and accepts before its feeder starts.
	a.queue.Start(a.sup.Context())
	a.agg.Start(a.sup.Context())
	a.sub.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	// hot reload config fan-out
	subCh := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(subCh)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-subCh:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-subCh:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyReload(newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifyOperator(a.sup.Context(), "🚀 <b>Notification pipeline started</b>")
	a.log.Info("app started")
	return nil
}

// applyReload pushes a committed config into every live component. The
// validator already vetted it, so a map error here means a validator gap;
// the component keeps its previous config and we log the miss.
func (a *App) applyReload(cfg *config.Config, sections []string) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if s == "redis" {
			a.log.Warn("redis config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))
	a.out.setMode(parseMode(cfg))
	a.queue.Apply(mapQueueConfig(cfg))

	if subCfg, err := mapSubscriberConfig(cfg); err != nil {
		a.log.Warn("invalid bus config; keeping previous", logx.Err(err))
	} else {
		a.sub.Apply(subCfg)
	}
	if aggCfg, err := mapAggregatorConfig(cfg); err != nil {
		a.log.Warn("invalid reports config; keeping previous", logx.Err(err))
	} else {
		a.agg.Apply(aggCfg)
	}
	if repCfg, err := mapReporterConfig(cfg); err != nil {
		a.log.Warn("invalid reporter config; keeping previous", logx.Err(err))
	} else {
		a.rep.Apply(repCfg)
	}
	a.sched.Apply(mapSchedulerConfig(cfg))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Best-effort farewell while the transport is still warm. Direct send:
	// the queue is about to drain and an enqueue would race the shutdown.
	noticeCtx, cancelNotice := context.WithTimeout(context.Background(), 2*time.Second)
	a.sendOperatorNotice(noticeCtx, "🛑 <b>Notification pipeline stopping</b>")
	cancelNotice()

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Root-first: feeders stop before their sinks, the queue drains last.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("subscriber", 2*time.Second, func(c context.Context) error { a.sub.Stop(c); return nil })
	step("aggregator", 2*time.Second, func(c context.Context) error { a.agg.Stop(c); return nil })
	step("queue", 10*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("redis", 1*time.Second, func(c context.Context) error { return a.rdb.Close() })

	// Finally, wait for supervised goroutines (config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	st := a.queue.Stats()
	a.log.Info("stopped",
		logx.Uint64("sent", st.Sent),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("blocked", st.Blocked),
	)
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// notifyOperator enqueues a lifecycle notice through the normal pipeline.
func (a *App) notifyOperator(ctx context.Context, text string) {
	chatID := a.operatorChatID()
	if chatID == 0 {
		return
	}
	err := a.queue.Enqueue(ctx, queue.Message{UserID: chatID, Text: text, Silent: true})
	if err != nil {
		a.log.Debug("operator notice dropped", logx.Err(err))
	}
}

// sendOperatorNotice bypasses the queue for shutdown-path notices.
func (a *App) sendOperatorNotice(ctx context.Context, text string) {
	chatID := a.operatorChatID()
	if chatID == 0 {
		return
	}
	if err := a.out.Send(ctx, chatID, text, &transport.SendOptions{Silent: true}); err != nil {
		a.log.Debug("operator notice dropped", logx.Err(err))
	}
}

func (a *App) operatorChatID() int64 {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return 0
	}
	return cfg.Telegram.OperatorChatID
}

// outbound decorates the transport with the configured default parse mode.
// Messages that set their own mode pass through untouched.
type outbound struct {
	mu    sync.Mutex
	mode  string
	inner transport.Sender
}

func (o *outbound) setMode(mode string) {
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()
}

func (o *outbound) Send(ctx context.Context, userID int64, text string, opt *transport.SendOptions) error {
	var eff transport.SendOptions
	if opt != nil {
		eff = *opt
	}
	if eff.ParseMode == "" {
		o.mu.Lock()
		eff.ParseMode = o.mode
		o.mu.Unlock()
	}
	return o.inner.Send(ctx, userID, text, &eff)
}
