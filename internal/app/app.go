package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"plantpal/internal/clients/httpx"
	"plantpal/internal/clients/loggw"
	"plantpal/internal/clients/reminderapi"
	"plantpal/internal/clients/reminderdb"
	"plantpal/internal/clients/twiliogw"
	"plantpal/internal/clients/userapi"
	"plantpal/internal/config"
	"plantpal/internal/delivery"
	"plantpal/internal/eventbus"
	"plantpal/internal/observability/health"
	"plantpal/internal/observability/metrics"
	"plantpal/internal/phone"
	"plantpal/internal/poller"
	"plantpal/internal/reminder"
	"plantpal/internal/runtime/supervisor"
	"plantpal/internal/storage"
	"plantpal/internal/task/scheduler"
	logx "plantpal/pkg/logx"
	"plantpal/pkg/systemd"
)

// serviceSubject is the JWT subject presented to internal services.
const serviceSubject = "plantpal-scheduler"

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	metrics *metrics.Metrics
	ledger  storage.Ledger
	gateway reminder.Gateway
	closers []namedCloser

	deliverer *delivery.Deliverer
	poller    *poller.Poller
	loop      *poller.Loop
	sched     *scheduler.Service
	registrar *scheduler.Registrar
	health    *health.Service
	sd        *systemd.Notifier
}

type namedCloser struct {
	name  string
	close func() error
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	return newApp(config.NewConfigManager(cfgPath))
}

func newApp(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		sd:      systemd.NewNotifier(),
	}
	if err := a.build(cfg, log); err != nil {
		a.closeAll()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	// Ledger (optional)
	if sc, enabled, err := mapLedgerConfig(cfg); err != nil {
		return err
	} else if enabled {
		l, err := storage.Open(sc, log.With(logx.String("comp", "ledger")))
		if err != nil {
			return err
		}
		a.ledger = l
		a.closers = append(a.closers, namedCloser{"ledger", l.Close})
		a.log.Info("ledger enabled", logx.String("driver", sc.Driver))
	}

	auth, err := httpx.NewAuthorizer(cfg.Auth.Bearer, cfg.Auth.JWTSecret, cfg.Auth.Issuer, serviceSubject,
		durationOr("auth.ttl", cfg.Auth.TTL, 5*time.Minute))
	if err != nil {
		return err
	}

	source, marker, err := a.buildSource(cfg, auth, log)
	if err != nil {
		return err
	}

	users, err := userapi.New(userapi.Config{
		BaseURL:   cfg.Resolver.BaseURL,
		Timeout:   durationOr("resolver.timeout", cfg.Resolver.Timeout, 10*time.Second),
		CacheTTL:  durationOr("resolver.cache_ttl", cfg.Resolver.CacheTTL, 0),
		CacheSize: cfg.Resolver.CacheSize,
	}, auth, log.With(logx.String("comp", "userapi")))
	if err != nil {
		return err
	}

	if err := a.buildGateway(cfg, log); err != nil {
		return err
	}

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	a.deliverer, err = delivery.New(delivery.Deps{
		Resolver:  reminder.ProxyResolver{Owners: users},
		Gateway:   a.gateway,
		Formatter: phone.NewE164(cfg.Delivery.DefaultCountryCode),
		Ledger:    a.ledger,
		Marker:    marker,
		Bus:       a.bus,
		Observer:  a.metrics,
	}, dcfg, log.With(logx.String("comp", "delivery")))
	if err != nil {
		return err
	}

	a.poller, err = poller.New(poller.Deps{
		Source:    source,
		Deliverer: a.deliverer,
		Ledger:    a.ledger,
		Bus:       a.bus,
		Observer:  a.metrics,
	}, mapPollConfig(cfg), log.With(logx.String("comp", "poller")))
	if err != nil {
		return err
	}
	a.loop = poller.NewLoop(a.poller, log.With(logx.String("comp", "loop")))

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Trigger.Timezone}, log.With(logx.String("comp", "scheduler")), a.bus)
	a.registrar = scheduler.NewRegistrar(a.sched, log.With(logx.String("comp", "registrar")))

	hcfg, err := mapHealthConfig(cfg)
	if err != nil {
		return err
	}
	a.health = health.New(hcfg, health.Deps{
		Loop:    a.loop,
		Metrics: a.metrics.Handler(),
		Procs:   a.procs,
	}, log.With(logx.String("comp", "health")))
	return nil
}

func (a *App) buildSource(cfg *config.Config, auth httpx.Authorizer, log logx.Logger) (reminder.Source, reminder.SentMarker, error) {
	timeout := durationOr("source.timeout", cfg.Source.Timeout, 15*time.Second)
	switch strings.ToLower(strings.TrimSpace(cfg.Source.Driver)) {
	case "postgres":
		st, err := reminderdb.Open(reminderdb.Config{
			DSN:      cfg.Source.DSN,
			Timeout:  timeout,
			MarkSent: cfg.Source.MarkSent,
		}, log.With(logx.String("comp", "reminderdb")))
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, namedCloser{"reminderdb", st.Close})
		return st, st, nil
	case "", "http":
		c, err := reminderapi.New(reminderapi.Config{
			BaseURL:  cfg.Source.BaseURL,
			Timeout:  timeout,
			MarkSent: cfg.Source.MarkSent,
		}, auth, log.With(logx.String("comp", "reminderapi")))
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unknown source.driver: %s", cfg.Source.Driver)
	}
}

func (a *App) buildGateway(cfg *config.Config, log logx.Logger) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Driver)) {
	case "twilio":
		timeout, err := config.ParseDurationOrDefault("delivery.attempt_timeout", cfg.Delivery.AttemptTimeout, 2*time.Minute)
		if err != nil {
			return err
		}
		gw, err := twiliogw.New(twiliogw.Config{
			AccountSID:   cfg.Gateway.AccountSID,
			AuthToken:    cfg.Gateway.AuthToken,
			From:         cfg.Gateway.From,
			WhatsAppFrom: cfg.Gateway.WhatsAppFrom,
			RatePerSec:   float64(cfg.Gateway.RatePerSec),
			Timezone:     cfg.Gateway.Timezone,
			AlertTo:      cfg.Logging.Alert.To,
			HTTPTimeout:  timeout,
		}, log.With(logx.String("comp", "twilio")))
		if err != nil {
			return err
		}
		a.gateway = gw
		a.logs.SetAlertSender(gw)
	case "", "log":
		a.gateway = loggw.New(log.With(logx.String("comp", "gateway")))
		if cfg.Logging.Alert.Enabled {
			a.log.Warn("log alerts need gateway.driver=twilio; alerts are dropped")
		}
	default:
		return fmt.Errorf("unknown gateway.driver: %s", cfg.Gateway.Driver)
	}
	return nil
}

func (a *App) procs() []supervisor.ProcStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// Loop exposes the Scheduler Loop for probes.
func (a *App) Loop() *poller.Loop { return a.loop }

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
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

// Start registers the poll trigger and starts the background services. A
// trigger registration failure is returned and is fatal.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	a.sched.Start(a.sup.Context())
	if err := a.ensureTrigger(ctx, cfg); err != nil {
		a.sup.Cancel()
		return err
	}

	a.health.Start(a.sup.Context())

	if a.bus != nil {
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
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if wd := systemd.WatchdogInterval(); wd > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.Watchdog(c, wd, a.loop.Alive)
		})
	}
	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.String("schedule", cfg.Trigger.ScheduleID),
		logx.String("source", cfg.Source.Driver),
		logx.String("gateway", cfg.Gateway.Driver),
	)
	return nil
}

// triggerSpec builds the trigger whose Action runs one loop tick and whose
// cancel signal stops the loop.
func (a *App) triggerSpec(cfg *config.Config) (scheduler.TriggerSpec, error) {
	every, err := cfg.PollInterval()
	if err != nil {
		return scheduler.TriggerSpec{}, err
	}
	return scheduler.TriggerSpec{
		ScheduleID:   cfg.Trigger.ScheduleID,
		WorkflowType: cfg.Trigger.WorkflowType,
		Every:        every,
		Paused:       cfg.Trigger.Paused,
		Action:       a.loop.Tick,
		OnSignal: func(signal string) {
			if signal == scheduler.SignalCancel {
				a.loop.Stop()
			}
		},
	}, nil
}

func (a *App) ensureTrigger(ctx context.Context, cfg *config.Config) error {
	spec, err := a.triggerSpec(cfg)
	if err != nil {
		return err
	}
	if err := a.registrar.Ensure(ctx, spec); err != nil {
		return fmt.Errorf("register poll trigger: %w", err)
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a reloaded config into the running components.
// Source, resolver, auth, gateway and ledger changes need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	has := func(name string) bool { return config.HasSection(sections, name) }

	if has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if has("delivery") || has("gateway") {
		if dcfg, err := mapDeliveryConfig(newCfg); err != nil {
			a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		} else {
			a.deliverer.Apply(dcfg)
		}
	}
	if has("poll") {
		a.poller.Apply(mapPollConfig(newCfg))
	}
	if has("health") {
		if hcfg, err := mapHealthConfig(newCfg); err != nil {
			a.log.Warn("invalid health config; keeping previous", logx.Err(err))
		} else {
			a.health.Reconfigure(ctx, hcfg)
		}
	}
	if has("trigger") {
		a.applyTrigger(ctx, oldCfg, newCfg)
	}
	for _, s := range []string{"source", "resolver", "auth", "ledger"} {
		if has(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyTrigger pauses or unpauses in place when only the paused flag moved,
// otherwise it re-registers the trigger.
func (a *App) applyTrigger(ctx context.Context, oldCfg, newCfg *config.Config) {
	if oldCfg.Trigger.Timezone != newCfg.Trigger.Timezone {
		a.sched.Apply(scheduler.Config{Timezone: newCfg.Trigger.Timezone})
	}
	pausedOnly := oldCfg.Trigger
	pausedOnly.Paused = newCfg.Trigger.Paused
	pausedOnly.Timezone = newCfg.Trigger.Timezone
	if pausedOnly == newCfg.Trigger {
		if oldCfg.Trigger.Paused == newCfg.Trigger.Paused {
			return
		}
		var err error
		if newCfg.Trigger.Paused {
			err = a.sched.Pause(ctx, newCfg.Trigger.ScheduleID)
		} else {
			err = a.sched.Unpause(ctx, newCfg.Trigger.ScheduleID)
		}
		if err != nil {
			a.log.Warn("trigger pause change failed", logx.Err(err))
		}
		return
	}
	if oldCfg.Trigger.ScheduleID != newCfg.Trigger.ScheduleID {
		if err := a.sched.Delete(ctx, oldCfg.Trigger.ScheduleID); err != nil && !errors.Is(err, scheduler.ErrScheduleNotFound) {
			a.log.Warn("delete old trigger failed", logx.String("schedule", oldCfg.Trigger.ScheduleID), logx.Err(err))
		}
	}
	if err := a.ensureTrigger(ctx, newCfg); err != nil {
		a.log.Error("trigger re-registration failed", logx.Err(err))
	}
}

// Stop raises the loop's cancel signal, waits for the running cycle to
// drain, then stops the services in reverse start order. Each step is
// bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	cfg := a.cfgm.Get()
	drain := durationOr("poll.drain_timeout", cfg.Poll.DrainTimeout, 3*time.Minute)
	step("loop", drain, func(c context.Context) error {
		if err := a.sched.Signal(c, cfg.Trigger.ScheduleID, scheduler.SignalCancel); err != nil {
			a.log.Warn("cancel signal not delivered; stopping loop directly", logx.Err(err))
			a.loop.Stop()
		}
		return a.loop.Wait(c)
	})
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("health", 2*time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	a.sup.Cancel()
	for _, cl := range a.closers {
		step(cl.name, 2*time.Second, func(context.Context) error { return cl.close() })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Int("in_flight", a.poller.InFlight()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeAll releases resources opened by a failed build.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].close()
	}
	a.closers = nil
}
