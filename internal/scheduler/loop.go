package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"reminderd/internal/delivery"
	"reminderd/internal/eventbus"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

var ErrRunning = errors.New("scheduler already running")

type Config struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	ClaimLease  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.Concurrency > c.BatchSize {
		c.Concurrency = c.BatchSize
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 5 * time.Minute
	}
	return c
}

// Deliverer is the part of the delivery worker the loop depends on.
type Deliverer interface {
	Deliver(ctx context.Context, r *reminder.Reminder) delivery.Outcome
}

// TickReport summarizes one tick. It is also the payload of the
// "scheduler.tick" bus event.
type TickReport struct {
	Claimed   int           `json:"claimed"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Lost      int           `json:"lost"`
	Took      time.Duration `json:"took"`
}

// ReminderEvent is the payload of "reminder.delivered" / "reminder.failed".
type ReminderEvent struct {
	ID       string          `json:"id"`
	Owner    string          `json:"owner"`
	Status   reminder.Status `json:"status"`
	RemindAt time.Time       `json:"remind_at"`
	Error    string          `json:"error,omitempty"`
}

// Loop is the Scheduler Loop. Ticks are driven by cron and never overlap:
// a tick that outlasts the interval delays the next one.
type Loop struct {
	mu  sync.Mutex
	cfg Config

	store   storage.Store
	deliver Deliverer
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	c       *cron.Cron
	entry   cron.EntryID
	runCtx  context.Context
	ticking atomic.Bool
}

type Option func(*Loop)

func WithBus(b eventbus.Bus) Option { return func(l *Loop) { l.bus = b } }

func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

func New(cfg Config, store storage.Store, deliver Deliverer, log logx.Logger, opts ...Option) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		cfg:     cfg.withDefaults(),
		store:   store,
		deliver: deliver,
		log:     log.With(logx.String("comp", "scheduler")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Apply swaps batch size, concurrency and lease. An interval change
// reschedules the running cron entry.
func (l *Loop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.cfg
	l.cfg = cfg
	if l.c != nil && old.Interval != cfg.Interval {
		l.c.Remove(l.entry)
		l.entry = l.c.Schedule(cron.Every(cfg.Interval), l.job())
		l.log.Info("tick interval changed", logx.Duration("from", old.Interval), logx.Duration("to", cfg.Interval))
	}
}

// Start begins ticking. Ticks run on a context detached from ctx's
// cancellation so Stop can drain them instead of abandoning deliveries.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil {
		return ErrRunning
	}
	cl := cronLogger{log: l.log}
	l.runCtx = context.WithoutCancel(ctx)
	l.c = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)),
	)
	l.entry = l.c.Schedule(cron.Every(l.cfg.Interval), l.job())
	l.c.Start()
	l.log.Info("scheduler started",
		logx.Duration("interval", l.cfg.Interval),
		logx.Int("batch", l.cfg.BatchSize),
		logx.Int("concurrency", l.cfg.Concurrency),
	)
	return nil
}

// Stop prevents new ticks and waits for the in-flight one until ctx is done.
func (l *Loop) Stop(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	c := l.c
	l.c = nil
	l.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		l.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		l.log.Warn("scheduler stop timed out; a tick is still running", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (l *Loop) job() cron.Job {
	return cron.FuncJob(func() {
		l.mu.Lock()
		ctx := l.runCtx
		l.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		if _, err := l.Tick(ctx); err != nil {
			l.log.Error("tick failed", logx.Err(err))
		}
	})
}

// Tick claims due reminders, delivers them with bounded concurrency and
// settles each result. A store error aborts the tick; the next tick retries.
func (l *Loop) Tick(ctx context.Context) (TickReport, error) {
	if !l.ticking.CompareAndSwap(false, true) {
		// Manual ticks from tests or tools never overlap the cron-driven one.
		return TickReport{}, nil
	}
	defer l.ticking.Store(false)

	l.mu.Lock()
	cfg := l.cfg
	l.mu.Unlock()

	start := l.now()
	batch, err := l.store.ClaimDue(ctx, start, cfg.BatchSize, cfg.ClaimLease)
	if err != nil {
		return TickReport{}, fmt.Errorf("claim due reminders: %w", err)
	}

	var (
		rep            TickReport
		delivered, bad atomic.Int64
		lost           atomic.Int64
	)
	rep.Claimed = len(batch)

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for _, r := range batch {
		g.Go(func() error {
			switch l.process(ctx, r) {
			case resultDelivered:
				delivered.Add(1)
			case resultFailed:
				bad.Add(1)
			case resultLost:
				lost.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Delivered = int(delivered.Load())
	rep.Failed = int(bad.Load())
	rep.Lost = int(lost.Load())
	rep.Took = l.now().Sub(start)
	if rep.Claimed > 0 {
		l.log.Info("tick",
			logx.Int("claimed", rep.Claimed),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", rep.Failed),
			logx.Int("lost", rep.Lost),
			logx.Duration("took", rep.Took),
		)
	}
	l.publish(eventbus.SchedulerTick, rep)
	return rep, nil
}

type result int

const (
	resultDelivered result = iota
	resultFailed
	resultLost
)

func (l *Loop) process(ctx context.Context, r *reminder.Reminder) (res result) {
	out := l.safeDeliver(ctx, r)
	next := Next(r, out, l.now())

	res = resultFailed
	if out.Delivered {
		res = resultDelivered
	}
	if err := l.store.Settle(ctx, next); err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			// The owner changed the reminder mid-delivery; their write wins.
			l.log.Debug("settle skipped, claim lost", logx.String("id", r.ID))
			return resultLost
		}
		// The claim lease expires and the reminder is retried later.
		l.log.Error("settle failed", logx.String("id", r.ID), logx.Err(err))
	}

	ev := ReminderEvent{ID: next.ID, Owner: next.Owner, Status: next.Status, RemindAt: next.RemindAt}
	if out.Delivered {
		l.publish(eventbus.ReminderDelivered, ev)
	} else {
		ev.Error = out.Summary()
		l.publish(eventbus.ReminderFailed, ev)
	}
	return res
}

// safeDeliver turns a panicking channel into a failed outcome.
func (l *Loop) safeDeliver(ctx context.Context, r *reminder.Reminder) (out delivery.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("delivery panicked",
				logx.String("id", r.ID),
				logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())),
			)
			out = delivery.Outcome{}
		}
	}()
	return l.deliver.Deliver(ctx, r)
}

func (l *Loop) publish(typ string, data any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: l.now(), Data: data})
}
