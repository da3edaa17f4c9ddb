package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/api"
	"reminderd/internal/channel"
	"reminderd/internal/channel/email"
	"reminderd/internal/channel/inapp"
	"reminderd/internal/channel/push"
	"reminderd/internal/config"
	"reminderd/internal/delivery"
	"reminderd/internal/eventbus"
	"reminderd/internal/lifecycle"
	"reminderd/internal/runtime/supervisor"
	"reminderd/internal/scheduler"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	hub    *inapp.Hub
	worker *delivery.Worker
	loop   *scheduler.Loop
	svc    *lifecycle.Service

	api   *api.Server
	drain time.Duration

	schedEnabled bool
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	a, err := build(ctx, cfg, root)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logs
	a.log = log
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, root logx.Logger) (a *App, err error) {
	a = &App{log: root.With(logx.String("comp", "app")), bus: eventbus.New()}

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	ic, err := mapInApp(cfg)
	if err != nil {
		return nil, err
	}
	a.hub = inapp.New(ic, root)

	senders, err := a.openSenders(cfg, root)
	if err != nil {
		return nil, err
	}
	dc, err := mapDelivery(cfg)
	if err != nil {
		return nil, err
	}
	a.worker = delivery.New(dc, senders, a.store, root, delivery.WithBus(a.bus))

	schc, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	a.schedEnabled = schc.Enabled
	a.loop = scheduler.New(schc, a.store, a.worker, root, scheduler.WithBus(a.bus))

	lc, err := mapLifecycle(cfg)
	if err != nil {
		return nil, err
	}
	a.svc = lifecycle.New(lc, a.store, a.hub, root)

	if config.On(cfg.API.Enabled) {
		ac, drain, err := mapAPI(cfg)
		if err != nil {
			return nil, err
		}
		a.api = api.New(ac, a.svc, a.hub, root)
		a.drain = drain
	}
	return a, nil
}

// openSenders builds the channel adapters. Email and push are optional; a
// reminder that asks for an unconfigured channel fails that channel only.
func (a *App) openSenders(cfg *config.Config, log logx.Logger) (map[channel.Name]channel.Sender, error) {
	senders := map[channel.Name]channel.Sender{channel.InApp: a.hub}

	ec, ok, err := mapEmail(cfg)
	if err != nil {
		return nil, err
	}
	if ok {
		s, err := email.New(ec)
		if err != nil {
			return nil, fmt.Errorf("email channel: %w", err)
		}
		senders[channel.Email] = s
		a.log.Info("email channel ready", logx.String("host", ec.Host), logx.Int("port", ec.Port))
	}

	pc, ok, err := mapPush(cfg)
	if err != nil {
		return nil, err
	}
	if ok {
		s, err := push.Open(pc, log)
		if err != nil {
			return nil, fmt.Errorf("push channel: %w", err)
		}
		senders[channel.Push] = s
		a.log.Info("push channel ready", logx.String("driver", pc.Driver))
	}
	return senders, nil
}

func (a *App) Lifecycle() *lifecycle.Service { return a.svc }

func (a *App) Store() storage.Store { return a.store }

// Done is closed when the supervisor context is canceled (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.hub.Start(a.sup)

	if a.schedEnabled {
		if err := a.loop.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled; serving lifecycle API only")
	}

	if a.api != nil {
		a.sup.Go("api.http", func(c context.Context) error { return a.api.Run(c, a.drain) })
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
				if e.Type == eventbus.ReminderFailed {
					a.log.Warn("reminder delivery failed", logx.Any("data", e.Data))
					continue
				}
				// Ticks fire every interval; keep this at trace.
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	notifySystemd(a.log, sdReady)
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply hot-swaps what can change live: logging and the scheduler's tick
// settings. Everything else is reported as needing a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	if a.logs != nil {
		a.logs.Apply(mapLogging(next))
	}

	sc, err := mapScheduler(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.loop.Apply(sc)
		switch {
		case a.schedEnabled && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = a.loop.Stop(stopCtx)
			cancel()
		case !a.schedEnabled && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.loop.Start(ctx); err != nil && !errors.Is(err, scheduler.ErrRunning) {
				a.log.Error("scheduler start failed", logx.Err(err))
			}
		}
		a.schedEnabled = sc.Enabled
	}

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for these sections",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, sdStopping)

	// Cancel first so HTTP and background loops start unwinding while the
	// scheduler drains its in-flight tick.
	a.sup.Cancel()

	var errs []error
	record := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	record(a.step(ctx, "scheduler", 15*time.Second, a.loop.Stop))
	record(a.step(ctx, "supervisor", a.drain+2*time.Second, a.sup.Wait))
	record(a.step(ctx, "inapp", time.Second, func(context.Context) error { return a.hub.Close() }))
	record(a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() }))

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and by ctx's deadline, so one
// stuck component cannot stall the rest.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return fmt.Errorf("stop %s: %w", name, context.DeadlineExceeded)
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
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return fmt.Errorf("stop %s: %w", name, err)
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return fmt.Errorf("stop %s: %w", name, stepCtx.Err())
	}
}
