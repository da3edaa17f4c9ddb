package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reminderd/internal/channel"
	"reminderd/internal/eventbus"
	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

var ErrCircuitOpen = errors.New("channel skipped: circuit breaker open")

type Config struct {
	Attempts       int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration

	// RatePerSec <= 0 disables per-channel rate limiting.
	RatePerSec float64
	Burst      int

	// CircuitTrip < 0 disables the breaker; 0 means default.
	CircuitTrip       int
	CircuitBaseDelay  time.Duration
	CircuitMaxDelay   time.Duration
	CircuitResetAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	} else if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
		if c.RatePerSec > 1 {
			c.Burst = int(c.RatePerSec)
		}
	}
	if c.CircuitTrip == 0 {
		c.CircuitTrip = 20
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 30 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 5 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 10 * time.Minute
	}
	return c
}

// Profiles resolves owner destinations. storage.Store satisfies it.
type Profiles interface {
	GetPreferences(ctx context.Context, owner string) (*reminder.Preferences, error)
}

// ChannelResult is the per-channel part of an Outcome.
type ChannelResult struct {
	Attempts int
	Err      error
}

func (r ChannelResult) OK() bool { return r.Err == nil }

// Outcome of one delivery run. Delivered is true iff at least one enabled
// channel succeeded.
type Outcome struct {
	Delivered bool
	Channels  map[channel.Name]ChannelResult
}

// Failed lists the channels that were attempted and failed, in stable order.
func (o Outcome) Failed() []channel.Name {
	var out []channel.Name
	for _, n := range channel.Names {
		if res, ok := o.Channels[n]; ok && res.Err != nil {
			out = append(out, n)
		}
	}
	return out
}

// Summary renders failures as "email: err; push: err".
func (o Outcome) Summary() string {
	parts := make([]string, 0, len(o.Channels))
	for _, n := range o.Failed() {
		parts = append(parts, fmt.Sprintf("%s: %v", n, o.Channels[n].Err))
	}
	return strings.Join(parts, "; ")
}

// Worker delivers one reminder across its enabled channels. Channels run
// concurrently and never affect each other.
type Worker struct {
	cfg      Config
	senders  map[channel.Name]channel.Sender
	limiters map[channel.Name]*rate.Limiter
	breaker  *breaker
	profiles Profiles
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
}

type Option func(*Worker)

func WithBus(b eventbus.Bus) Option { return func(w *Worker) { w.bus = b } }

func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

func New(cfg Config, senders map[channel.Name]channel.Sender, profiles Profiles, log logx.Logger, opts ...Option) *Worker {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{
		cfg:      cfg,
		senders:  map[channel.Name]channel.Sender{},
		limiters: map[channel.Name]*rate.Limiter{},
		breaker:  newBreaker(cfg),
		profiles: profiles,
		log:      log.With(logx.String("comp", "delivery")),
		now:      time.Now,
	}
	for _, n := range channel.Names {
		if s := senders[n]; s != nil {
			w.senders[n] = s
		} else {
			w.senders[n] = channel.Unavailable(n)
		}
		lim := rate.Inf
		if cfg.RatePerSec > 0 {
			lim = rate.Limit(cfg.RatePerSec)
		}
		w.limiters[n] = rate.NewLimiter(lim, cfg.Burst)
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Deliver attempts every enabled channel of r. It never returns an error;
// failures are reported per channel in the Outcome.
func (w *Worker) Deliver(ctx context.Context, r *reminder.Reminder) Outcome {
	out := Outcome{Channels: map[channel.Name]ChannelResult{}}
	var enabled []channel.Name
	for _, n := range channel.Names {
		if channel.Enabled(r.Channels, n) {
			enabled = append(enabled, n)
		}
	}
	if len(enabled) == 0 {
		w.log.Debug("reminder has no enabled channels", logx.String("id", r.ID))
		return out
	}

	dests := w.destinations(ctx, r, enabled)
	msg := channel.Render(r)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, n := range enabled {
		wg.Add(1)
		go func(n channel.Name) {
			defer wg.Done()
			res := w.deliverChannel(ctx, n, dests[n], msg)
			mu.Lock()
			out.Channels[n] = res
			if res.Err == nil {
				out.Delivered = true
			}
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	if failed := out.Failed(); len(failed) > 0 {
		w.log.Warn("reminder channel delivery failed",
			logx.String("id", r.ID),
			logx.String("owner", r.Owner),
			logx.Bool("delivered", out.Delivered),
			logx.String("failures", out.Summary()),
		)
	}
	return out
}

// destinations resolves the address each enabled channel sends to. A missing
// entry means the channel has nowhere to go.
func (w *Worker) destinations(ctx context.Context, r *reminder.Reminder, enabled []channel.Name) map[channel.Name]string {
	dests := map[channel.Name]string{}
	var prefs *reminder.Preferences
	needPrefs := false
	for _, n := range enabled {
		switch n {
		case channel.InApp:
			dests[n] = r.Owner
		case channel.Email:
			if r.EmailOverride != "" {
				dests[n] = r.EmailOverride
			} else {
				needPrefs = true
			}
		case channel.Push:
			needPrefs = true
		}
	}
	if needPrefs && w.profiles != nil {
		p, err := w.profiles.GetPreferences(ctx, r.Owner)
		switch {
		case err == nil:
			prefs = p
		case errors.Is(err, reminder.ErrNotFound):
		default:
			w.log.Warn("owner profile lookup failed", logx.String("owner", r.Owner), logx.Err(err))
		}
	}
	if prefs != nil {
		if _, ok := dests[channel.Email]; !ok && channel.Enabled(r.Channels, channel.Email) && prefs.Email != "" {
			dests[channel.Email] = prefs.Email
		}
		if channel.Enabled(r.Channels, channel.Push) && prefs.PushTarget != "" {
			dests[channel.Push] = prefs.PushTarget
		}
	}
	return dests
}

func (w *Worker) deliverChannel(ctx context.Context, n channel.Name, dest string, msg channel.Message) ChannelResult {
	if dest == "" {
		return ChannelResult{Err: channel.ErrNoDestination}
	}
	if open, until := w.breaker.open(w.now(), n); open {
		return ChannelResult{Err: fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))}
	}

	sender := w.senders[n]
	lim := w.limiters[n]
	var (
		res     ChannelResult
		lastErr error
	)
	for attempt := 1; attempt <= w.cfg.Attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		res.Attempts = attempt
		actx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
		err := sender.Send(actx, dest, msg)
		cancel()
		if err == nil {
			w.breaker.record(w.now(), n, nil)
			w.publish(eventbus.DeliverySent, n, msg, nil)
			return res
		}
		lastErr = err
		w.log.Debug("channel send failed",
			logx.String("channel", string(n)),
			logx.String("id", msg.ReminderID),
			logx.Int("attempt", attempt),
			logx.Int("max", w.cfg.Attempts),
			logx.Err(err),
		)
		if channel.IsPermanent(err) || attempt >= w.cfg.Attempts {
			break
		}
		if !sleepCtx(ctx, w.cfg.RetryDelay) {
			lastErr = ctx.Err()
			break
		}
	}
	res.Err = lastErr
	w.breaker.record(w.now(), n, lastErr)
	w.publish(eventbus.DeliveryFailed, n, msg, lastErr)
	return res
}

// ChannelEvent is the eventbus payload for per-channel delivery signals.
type ChannelEvent struct {
	Channel    channel.Name `json:"channel"`
	ReminderID string       `json:"reminder_id"`
	Owner      string       `json:"owner"`
	Error      string       `json:"error,omitempty"`
}

func (w *Worker) publish(typ string, n channel.Name, msg channel.Message, err error) {
	if w.bus == nil {
		return
	}
	ev := ChannelEvent{Channel: n, ReminderID: msg.ReminderID, Owner: msg.Owner}
	if err != nil {
		ev.Error = err.Error()
	}
	w.bus.Publish(eventbus.Event{Type: typ, Time: w.now(), Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
