package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reminderd/internal/channel"
	"reminderd/internal/delivery"
	"reminderd/internal/eventbus"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu   sync.Mutex
	sent []channel.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, _ string, msg channel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	store storage.Store
	inapp *fakeSender
	email *fakeSender
	loop  *Loop
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), inapp: &fakeSender{}, email: &fakeSender{}, now: t0}
	clock := func() time.Time { return f.now }
	w := delivery.New(
		delivery.Config{Attempts: 3, RetryDelay: time.Millisecond, AttemptTimeout: time.Second},
		map[channel.Name]channel.Sender{channel.InApp: f.inapp, channel.Email: f.email},
		f.store, logx.Nop(), delivery.WithClock(clock))
	f.loop = New(Config{BatchSize: 50, Concurrency: 4}, f.store, w, logx.Nop(), WithClock(clock))
	return f
}

func (f *fixture) insert(t *testing.T, r *reminder.Reminder) {
	t.Helper()
	if r.Owner == "" {
		r.Owner = "alice"
	}
	if r.Kind == "" {
		r.Kind = reminder.KindCustom
	}
	if r.Status == "" {
		r.Status = reminder.StatusPending
	}
	if r.Message == "" {
		r.Message = "stand-up"
	}
	r.CreatedAt, r.UpdatedAt = f.now, f.now
	if err := f.store.Insert(context.Background(), r); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func (f *fixture) get(t *testing.T, id string) *reminder.Reminder {
	t.Helper()
	r, err := f.store.Get(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return r
}

func TestTickDeliversOneShot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.insert(t, &reminder.Reminder{ID: "r1", Channels: reminder.Channels{InApp: true}, RemindAt: f.now.Add(-time.Second), Active: true})

	rep, err := f.loop.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Claimed != 1 || rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if f.inapp.count() != 1 {
		t.Fatalf("in-app sends = %d, want 1", f.inapp.count())
	}
	got := f.get(t, "r1")
	if got.Status != reminder.StatusSent || got.Active || got.LastDeliveredAt == nil {
		t.Fatalf("after delivery: %+v", got)
	}

	// A second tick finds nothing.
	if rep, _ := f.loop.Tick(context.Background()); rep.Claimed != 0 {
		t.Fatalf("second tick claimed %d", rep.Claimed)
	}
}

func TestTickReschedulesRepeating(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	at := f.now.Add(-time.Second)
	f.insert(t, &reminder.Reminder{ID: "r1", Channels: reminder.Channels{InApp: true}, RemindAt: at, RepeatInterval: 5, Active: true})

	if _, err := f.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := f.get(t, "r1")
	if got.Status != reminder.StatusPending || !got.Active || !got.RemindAt.Equal(at.Add(5*time.Minute)) {
		t.Fatalf("after delivery: status=%s active=%v remindAt=%v", got.Status, got.Active, got.RemindAt)
	}
}

func TestTickPartialFailureStillDelivered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.email.err = errors.New("smtp down")
	r := &reminder.Reminder{ID: "r1", Channels: reminder.Channels{InApp: true, Email: true}, RemindAt: f.now, Active: true}
	r.EmailOverride = "alice@example.com"
	f.insert(t, r)

	rep, _ := f.loop.Tick(context.Background())
	if rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.get(t, "r1"); got.Status != reminder.StatusSent {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTickFailedDeliveryRetriesNextTick(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.inapp.err = errors.New("hub down")
	at := f.now.Add(-time.Minute)
	f.insert(t, &reminder.Reminder{ID: "r1", Channels: reminder.Channels{InApp: true}, RemindAt: at, Active: true})

	rep, _ := f.loop.Tick(context.Background())
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := f.get(t, "r1")
	if got.Status != reminder.StatusPending || !got.Active || !got.RemindAt.Equal(at) || got.ClaimToken != "" {
		t.Fatalf("failed reminder changed: %+v", got)
	}

	f.inapp.err = nil
	rep, _ = f.loop.Tick(context.Background())
	if rep.Delivered != 1 {
		t.Fatalf("retry report = %+v", rep)
	}
}

func TestTickRepeatingAdvancesOneIntervalAfterFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.inapp.err = errors.New("hub down")
	at := f.now
	f.insert(t, &reminder.Reminder{ID: "r1", Channels: reminder.Channels{InApp: true}, RemindAt: at, RepeatInterval: 60, Active: true})

	// Failing ticks spread over more than one interval leave RemindAt alone.
	for _, d := range []time.Duration{0, time.Hour, 150 * time.Minute} {
		f.now = t0.Add(d)
		if rep, _ := f.loop.Tick(context.Background()); rep.Failed != 1 {
			t.Fatalf("tick at +%v: report = %+v", d, rep)
		}
		if got := f.get(t, "r1"); !got.RemindAt.Equal(at) {
			t.Fatalf("failed tick at +%v moved remindAt to %v", d, got.RemindAt)
		}
	}

	f.inapp.err = nil
	if rep, _ := f.loop.Tick(context.Background()); rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := f.get(t, "r1")
	if want := at.Add(time.Hour); !got.RemindAt.Equal(want) || got.Status != reminder.StatusPending || !got.Active {
		t.Fatalf("after delivery: status=%s active=%v remindAt=%v, want %v", got.Status, got.Active, got.RemindAt, want)
	}
}

func TestTickNoChannelsStaysPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.insert(t, &reminder.Reminder{ID: "r1", RemindAt: f.now, Active: true})
	rep, _ := f.loop.Tick(context.Background())
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.get(t, "r1"); got.Status != reminder.StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTickSkipsDismissed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.insert(t, &reminder.Reminder{ID: "r1", Channels: reminder.Channels{InApp: true}, RemindAt: f.now.Add(-time.Hour),
		Status: reminder.StatusDismissed, Active: false})
	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Hour)
		if rep, _ := f.loop.Tick(context.Background()); rep.Claimed != 0 {
			t.Fatalf("dismissed reminder claimed: %+v", rep)
		}
	}
	if f.inapp.count() != 0 {
		t.Fatal("dismissed reminder delivered")
	}
}

func TestTickProcessesSnoozed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	until := f.now.Add(-time.Second)
	f.insert(t, &reminder.Reminder{ID: "r1", Channels: reminder.Channels{InApp: true}, RemindAt: until,
		Status: reminder.StatusSnoozed, SnoozeUntil: &until, Active: true})
	if rep, _ := f.loop.Tick(context.Background()); rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := f.get(t, "r1")
	if got.Status != reminder.StatusSent || got.SnoozeUntil != nil {
		t.Fatalf("after delivery: %+v", got)
	}
}

// userDismisser dismisses the reminder while delivery is in flight.
type userDismisser struct {
	store storage.Store
}

func (u userDismisser) Deliver(ctx context.Context, r *reminder.Reminder) delivery.Outcome {
	cur, _ := u.store.Get(ctx, r.Owner, r.ID)
	cur.Status = reminder.StatusDismissed
	cur.Active = false
	cur.ClearClaim()
	_ = u.store.Update(ctx, cur)
	return delivery.Outcome{Delivered: true}
}

func TestTickUserChangeWinsOverDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.insert(t, &reminder.Reminder{ID: "r1", Channels: reminder.Channels{InApp: true}, RemindAt: f.now, RepeatInterval: 5, Active: true})
	loop := New(Config{}, f.store, userDismisser{store: f.store}, logx.Nop(), WithClock(func() time.Time { return f.now }))

	rep, _ := loop.Tick(context.Background())
	if rep.Lost != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.get(t, "r1"); got.Status != reminder.StatusDismissed || got.Active {
		t.Fatalf("user dismissal overwritten: %+v", got)
	}
}

func TestConcurrentLoopsDeliverOnce(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	var sends atomic.Int64
	counter := channel.SenderFunc(func(context.Context, string, channel.Message) error {
		sends.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	})
	const n = 40
	for i := 0; i < n; i++ {
		r := &reminder.Reminder{
			ID: string(rune('A' + i)), Owner: "alice", Kind: reminder.KindCustom, Message: "m",
			Channels: reminder.Channels{InApp: true}, RemindAt: t0.Add(-time.Minute), Status: reminder.StatusPending, Active: true,
		}
		if err := store.Insert(context.Background(), r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	clock := func() time.Time { return t0 }
	mk := func() *Loop {
		w := delivery.New(delivery.Config{RetryDelay: -1}, map[channel.Name]channel.Sender{channel.InApp: counter}, store, logx.Nop())
		return New(Config{BatchSize: 7, Concurrency: 3}, store, w, logx.Nop(), WithClock(clock))
	}
	loops := []*Loop{mk(), mk(), mk()}

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := l.Tick(context.Background()); err != nil {
					t.Errorf("tick: %v", err)
				}
			}
		}(l)
	}
	wg.Wait()
	if got := sends.Load(); got != n {
		t.Fatalf("sends = %d, want %d", got, n)
	}
}

func TestTickPublishesTelemetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	f.loop.bus = bus
	f.insert(t, &reminder.Reminder{ID: "r1", Channels: reminder.Channels{InApp: true}, RemindAt: f.now, Active: true})

	if _, err := f.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	seen := map[string]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	if !seen["scheduler.tick"] || !seen["reminder.delivered"] {
		t.Fatalf("events = %v", seen)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	in := &fakeSender{}
	w := delivery.New(delivery.Config{}, map[channel.Name]channel.Sender{channel.InApp: in}, store, logx.Nop())
	l := New(Config{Interval: time.Second}, store, w, logx.Nop())
	r := &reminder.Reminder{ID: "r1", Owner: "alice", Kind: reminder.KindCustom, Message: "m",
		Channels: reminder.Channels{InApp: true}, RemindAt: time.Now().Add(-time.Second), Status: reminder.StatusPending, Active: true}
	if err := store.Insert(context.Background(), r); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.Start(ctx); !errors.Is(err, ErrRunning) {
		t.Fatalf("second start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for in.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no tick within 5s")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := l.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
