// Package lifecycle is the Reminder Lifecycle API: validated, owner-scoped
// operations used by the REST surface and by domain modules.
//
// Every write clears any in-flight scheduler claim so the caller's change
// wins, and publishes an in-app event for the owner.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

// maxLeadMinutes bounds per-owner lead preferences (30 days).
const maxLeadMinutes = 30 * 1440

type Config struct {
	// PastGrace tolerates RemindAt values slightly in the past (clock skew
	// between client and server).
	PastGrace time.Duration
	Kinds     reminder.KindDefaults
}

type Service struct {
	cfg   Config
	store storage.Store
	pub   reminder.Publisher
	log   logx.Logger
	now   func() time.Time
	newID func() string
	locks keyLock
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(f func() string) Option { return func(s *Service) { s.newID = f } }

func New(cfg Config, store storage.Store, pub reminder.Publisher, log logx.Logger, opts ...Option) *Service {
	if cfg.PastGrace < 0 {
		cfg.PastGrace = 0
	}
	cfg.Kinds = reminder.DefaultKindDefaults().Merge(cfg.Kinds)
	if pub == nil {
		pub = reminder.NopPublisher
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg,
		store: store,
		pub:   pub,
		log:   log.With(logx.String("comp", "lifecycle")),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateInput is the user-facing create payload.
type CreateInput struct {
	Kind           reminder.Kind      `json:"kind"`
	Message        string             `json:"message"`
	RemindAt       time.Time          `json:"remindAt"`
	Channels       *reminder.Channels `json:"deliveryChannels,omitempty"`
	RepeatInterval int                `json:"repeatInterval,omitempty"`
	EmailOverride  string             `json:"emailOverride,omitempty"`
	Target         *reminder.Target   `json:"target,omitempty"`
}

// UpdateInput is a partial update; nil fields are left alone.
type UpdateInput struct {
	Kind           *reminder.Kind     `json:"kind,omitempty"`
	Message        *string            `json:"message,omitempty"`
	RemindAt       *time.Time         `json:"remindAt,omitempty"`
	Channels       *reminder.Channels `json:"deliveryChannels,omitempty"`
	RepeatInterval *int               `json:"repeatInterval,omitempty"`
	EmailOverride  *string            `json:"emailOverride,omitempty"`
}

// UpsertInput is what domain modules send when their object's due date
// changes. A nil DueAt removes the reminder for the target.
type UpsertInput struct {
	Owner       string             `json:"owner"`
	Kind        reminder.Kind      `json:"kind"`
	Target      reminder.Target    `json:"target"`
	DueAt       *time.Time         `json:"dueAt"`
	LeadMinutes *int               `json:"leadMinutes,omitempty"`
	Message     string             `json:"message"`
	Channels    *reminder.Channels `json:"deliveryChannels,omitempty"`
}

func (s *Service) Create(ctx context.Context, owner string, in CreateInput) (*reminder.Reminder, error) {
	now := s.now()
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if in.Kind == "" {
		in.Kind = reminder.KindCustom
	}
	if err := firstErr(
		reminder.ValidateKind(in.Kind),
		reminder.ValidateMessage(in.Message),
		reminder.ValidateRemindAt(in.RemindAt, now, s.cfg.PastGrace),
		reminder.ValidateRepeatInterval(in.RepeatInterval),
		reminder.ValidateEmail("emailOverride", in.EmailOverride),
		reminder.ValidateTarget(in.Target),
	); err != nil {
		return nil, err
	}

	if in.Target != nil {
		unlock := s.locks.Lock(targetKey(owner, *in.Target))
		defer unlock()
		_, err := s.store.FindActiveByTarget(ctx, owner, *in.Target)
		switch {
		case err == nil:
			return nil, reminder.Invalid("target", "an active reminder already exists for %s", in.Target.Key())
		case !errors.Is(err, reminder.ErrNotFound):
			return nil, fmt.Errorf("lookup target: %w", err)
		}
	}

	channels, err := s.resolveChannels(ctx, owner, in.Kind, in.Channels)
	if err != nil {
		return nil, err
	}
	r := &reminder.Reminder{
		ID:             s.newID(),
		Owner:          owner,
		Kind:           in.Kind,
		Target:         cloneTarget(in.Target),
		Message:        strings.TrimSpace(in.Message),
		Channels:       channels,
		RemindAt:       normalize(in.RemindAt),
		Status:         reminder.StatusPending,
		RepeatInterval: in.RepeatInterval,
		Active:         true,
		EmailOverride:  strings.TrimSpace(in.EmailOverride),
		CreatedAt:      normalize(now),
		UpdatedAt:      normalize(now),
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("insert reminder: %w", err)
	}
	s.emit(ctx, reminder.EventNew, r)
	return r, nil
}

func (s *Service) Get(ctx context.Context, owner, id string) (*reminder.Reminder, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, owner, id)
}

func (s *Service) List(ctx context.Context, owner string, f storage.ListFilter) ([]*reminder.Reminder, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, reminder.Invalid("status", "unknown status %q", string(f.Status))
	}
	return s.store.List(ctx, owner, f)
}

func (s *Service) Update(ctx context.Context, owner, id string, in UpdateInput) (*reminder.Reminder, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	r, err := s.store.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	dismissed := r.Status == reminder.StatusDismissed

	if in.Kind != nil {
		if err := reminder.ValidateKind(*in.Kind); err != nil {
			return nil, err
		}
		r.Kind = *in.Kind
	}
	if in.Message != nil {
		if err := reminder.ValidateMessage(*in.Message); err != nil {
			return nil, err
		}
		r.Message = strings.TrimSpace(*in.Message)
	}
	if in.EmailOverride != nil {
		if err := reminder.ValidateEmail("emailOverride", *in.EmailOverride); err != nil {
			return nil, err
		}
		r.EmailOverride = strings.TrimSpace(*in.EmailOverride)
	}
	if in.Channels != nil {
		r.Channels = *in.Channels
	}
	if in.RepeatInterval != nil {
		if dismissed {
			return nil, reminder.Invalid("status", "a dismissed reminder cannot be rescheduled")
		}
		if err := reminder.ValidateRepeatInterval(*in.RepeatInterval); err != nil {
			return nil, err
		}
		r.RepeatInterval = *in.RepeatInterval
	}
	if in.RemindAt != nil {
		if dismissed {
			return nil, reminder.Invalid("status", "a dismissed reminder cannot be rescheduled")
		}
		if err := reminder.ValidateRemindAt(*in.RemindAt, now, s.cfg.PastGrace); err != nil {
			return nil, err
		}
		// A new time re-arms the reminder, including a sent one.
		unlock, err := s.rearm(ctx, r)
		if err != nil {
			return nil, err
		}
		defer unlock()
		r.RemindAt = normalize(*in.RemindAt)
		r.Status = reminder.StatusPending
		r.Active = true
		r.SnoozeUntil = nil
	}

	r.UpdatedAt = normalize(now)
	r.ClearClaim()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	s.emit(ctx, reminder.EventUpdated, r)
	return r, nil
}

// Snooze postpones a pending or already-sent reminder by minutes from now.
func (s *Service) Snooze(ctx context.Context, owner, id string, minutes int) (*reminder.Reminder, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if err := reminder.ValidateSnooze(minutes); err != nil {
		return nil, err
	}
	r, err := s.store.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if r.Status != reminder.StatusPending && r.Status != reminder.StatusSent {
		return nil, reminder.Invalid("status", "cannot snooze a %s reminder", r.Status)
	}
	unlock, err := s.rearm(ctx, r)
	if err != nil {
		return nil, err
	}
	defer unlock()
	now := s.now()
	until := normalize(now.Add(time.Duration(minutes) * time.Minute))
	r.Status = reminder.StatusSnoozed
	r.SnoozeUntil = reminder.TimePtr(until)
	r.RemindAt = until
	r.Active = true
	r.UpdatedAt = normalize(now)
	r.ClearClaim()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	s.emit(ctx, reminder.EventUpdated, r)
	return r, nil
}

// rearm guards reactivating an inactive targeted reminder: the target may
// have gained a new active reminder since this one was sent. The returned
// unlock must be held until the write lands.
func (s *Service) rearm(ctx context.Context, r *reminder.Reminder) (func(), error) {
	if r.Active || r.Target == nil {
		return func() {}, nil
	}
	unlock := s.locks.Lock(targetKey(r.Owner, *r.Target))
	other, err := s.store.FindActiveByTarget(ctx, r.Owner, *r.Target)
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		return unlock, nil
	case err != nil:
		unlock()
		return nil, fmt.Errorf("lookup target: %w", err)
	case other.ID != r.ID:
		unlock()
		return nil, reminder.Invalid("target", "an active reminder already exists for %s", r.Target.Key())
	}
	return unlock, nil
}

// Dismiss is terminal. Dismissing twice returns the stored record unchanged.
func (s *Service) Dismiss(ctx context.Context, owner, id string) (*reminder.Reminder, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	r, err := s.store.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if r.Status == reminder.StatusDismissed {
		return r, nil
	}
	r.Status = reminder.StatusDismissed
	r.Active = false
	r.SnoozeUntil = nil
	r.UpdatedAt = normalize(s.now())
	r.ClearClaim()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	s.emit(ctx, reminder.EventUpdated, r)
	return r, nil
}

func (s *Service) Delete(ctx context.Context, owner, id string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	r, err := s.store.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, owner, id); err != nil {
		return err
	}
	s.emit(ctx, reminder.EventDeleted, r)
	return nil
}

// UpsertForTarget keeps exactly one active reminder per (owner, target). It
// returns nil when DueAt is nil (the reminder, if any, was removed).
func (s *Service) UpsertForTarget(ctx context.Context, in UpsertInput) (*reminder.Reminder, error) {
	if err := requireOwner(in.Owner); err != nil {
		return nil, err
	}
	if err := reminder.ValidateTarget(&in.Target); err != nil {
		return nil, err
	}
	if in.DueAt != nil {
		if in.Kind == "" {
			in.Kind = reminder.KindCustom
		}
		if err := firstErr(reminder.ValidateKind(in.Kind), reminder.ValidateMessage(in.Message)); err != nil {
			return nil, err
		}
		if in.LeadMinutes != nil && (*in.LeadMinutes < 0 || *in.LeadMinutes > maxLeadMinutes) {
			return nil, reminder.Invalid("leadMinutes", "must be between 0 and %d", maxLeadMinutes)
		}
	}

	unlock := s.locks.Lock(targetKey(in.Owner, in.Target))
	defer unlock()

	existing, err := s.store.FindActiveByTarget(ctx, in.Owner, in.Target)
	if err != nil && !errors.Is(err, reminder.ErrNotFound) {
		return nil, fmt.Errorf("lookup target: %w", err)
	}
	if errors.Is(err, reminder.ErrNotFound) {
		existing = nil
	}

	if in.DueAt == nil {
		if existing == nil {
			return nil, nil
		}
		if err := s.store.Delete(ctx, in.Owner, existing.ID); err != nil && !errors.Is(err, reminder.ErrNotFound) {
			return nil, err
		}
		s.emit(ctx, reminder.EventDeleted, existing)
		return nil, nil
	}

	prefs, err := s.preferences(ctx, in.Owner)
	if err != nil {
		return nil, err
	}
	lead := s.cfg.Kinds.Lead(in.Kind, prefs)
	if in.LeadMinutes != nil {
		lead = time.Duration(*in.LeadMinutes) * time.Minute
	}
	now := s.now()
	at := in.DueAt.Add(-lead)
	if at.Before(now) {
		at = now
	}

	if existing != nil {
		r := existing
		r.Kind = in.Kind
		r.Message = strings.TrimSpace(in.Message)
		if in.Channels != nil {
			r.Channels = *in.Channels
		}
		r.RemindAt = normalize(at)
		r.Status = reminder.StatusPending
		r.Active = true
		r.SnoozeUntil = nil
		r.UpdatedAt = normalize(now)
		r.ClearClaim()
		if err := s.store.Update(ctx, r); err != nil {
			return nil, err
		}
		s.emit(ctx, reminder.EventUpdated, r)
		return r, nil
	}

	channels := s.cfg.Kinds.Channels(in.Kind, prefs)
	if in.Channels != nil {
		channels = *in.Channels
	}
	target := in.Target
	r := &reminder.Reminder{
		ID:        s.newID(),
		Owner:     in.Owner,
		Kind:      in.Kind,
		Target:    &target,
		Message:   strings.TrimSpace(in.Message),
		Channels:  channels,
		RemindAt:  normalize(at),
		Status:    reminder.StatusPending,
		Active:    true,
		CreatedAt: normalize(now),
		UpdatedAt: normalize(now),
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("insert reminder: %w", err)
	}
	s.emit(ctx, reminder.EventNew, r)
	return r, nil
}

// Preferences returns the owner's preferences, or an empty set.
func (s *Service) Preferences(ctx context.Context, owner string) (*reminder.Preferences, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	p, err := s.preferences(ctx, owner)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &reminder.Preferences{Owner: owner}
	}
	return p, nil
}

func (s *Service) SetPreferences(ctx context.Context, owner string, p reminder.Preferences) (*reminder.Preferences, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if err := reminder.ValidateEmail("email", p.Email); err != nil {
		return nil, err
	}
	for k, m := range p.LeadMinutes {
		if !k.Valid() {
			return nil, reminder.Invalid("leadMinutes", "unknown kind %q", string(k))
		}
		if m < 0 || m > maxLeadMinutes {
			return nil, reminder.Invalid("leadMinutes", "must be between 0 and %d", maxLeadMinutes)
		}
	}
	p.Owner = owner
	p.Email = strings.TrimSpace(p.Email)
	p.PushTarget = strings.TrimSpace(p.PushTarget)
	p.UpdatedAt = normalize(s.now())
	if err := s.store.PutPreferences(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Service) preferences(ctx context.Context, owner string) (*reminder.Preferences, error) {
	p, err := s.store.GetPreferences(ctx, owner)
	if errors.Is(err, reminder.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return p, nil
}

func (s *Service) resolveChannels(ctx context.Context, owner string, kind reminder.Kind, explicit *reminder.Channels) (reminder.Channels, error) {
	if explicit != nil {
		return *explicit, nil
	}
	prefs, err := s.preferences(ctx, owner)
	if err != nil {
		return reminder.Channels{}, err
	}
	return s.cfg.Kinds.Channels(kind, prefs), nil
}

// emit never fails the caller; the write already happened.
func (s *Service) emit(ctx context.Context, typ reminder.EventType, r *reminder.Reminder) {
	ev := reminder.Event{Type: typ, Reminder: r.Clone(), At: normalize(s.now())}
	if err := s.pub.Publish(ctx, r.Owner, ev); err != nil {
		s.log.Warn("publish in-app event failed",
			logx.String("type", string(typ)),
			logx.String("id", r.ID),
			logx.String("owner", r.Owner),
			logx.Err(err),
		)
	}
}

func requireOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return reminder.Invalid("owner", "is required")
	}
	return nil
}

func targetKey(owner string, t reminder.Target) string { return owner + "|" + t.Key() }

func cloneTarget(t *reminder.Target) *reminder.Target {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// normalize stores instants in UTC at the precision the SQL drivers keep.
func normalize(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
