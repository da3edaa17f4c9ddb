package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"reminderd/internal/reminder"
)

// memoryStore keeps everything in a map guarded by one mutex, which makes
// ClaimDue trivially atomic.
type memoryStore struct {
	mu    sync.Mutex
	rems  map[string]*reminder.Reminder
	prefs map[string]*reminder.Preferences
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		rems:  map[string]*reminder.Reminder{},
		prefs: map[string]*reminder.Preferences{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) Insert(ctx context.Context, r *reminder.Reminder) error {
	_ = ctx
	if r == nil || r.ID == "" {
		return errors.New("reminder id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rems[r.ID]; ok {
		return errors.New("duplicate reminder id " + r.ID)
	}
	s.rems[r.ID] = r.Clone()
	return nil
}

func (s *memoryStore) Get(ctx context.Context, owner, id string) (*reminder.Reminder, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rems[id]
	if !ok || r.Owner != owner {
		return nil, reminder.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *memoryStore) Update(ctx context.Context, r *reminder.Reminder) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rems[r.ID]
	if !ok || cur.Owner != r.Owner {
		return reminder.ErrNotFound
	}
	next := r.Clone()
	next.CreatedAt = cur.CreatedAt
	s.rems[r.ID] = next
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, owner, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rems[id]
	if !ok || r.Owner != owner {
		return reminder.ErrNotFound
	}
	delete(s.rems, id)
	return nil
}

func (s *memoryStore) List(ctx context.Context, owner string, f ListFilter) ([]*reminder.Reminder, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]*reminder.Reminder, 0)
	for _, r := range s.rems {
		if r.Owner != owner {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.ActiveOnly && !r.Active {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.Unlock()

	sortByRemindAt(out)
	off := f.offset()
	if off >= len(out) {
		return []*reminder.Reminder{}, nil
	}
	out = out[off:]
	if lim := f.limit(); len(out) > lim {
		out = out[:lim]
	}
	return out, nil
}

func (s *memoryStore) FindActiveByTarget(ctx context.Context, owner string, t reminder.Target) (*reminder.Reminder, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *reminder.Reminder
	for _, r := range s.rems {
		if r.Owner != owner || !r.Active || r.Target == nil || *r.Target != t {
			continue
		}
		// Oldest record wins if the invariant was ever broken.
		if found == nil || r.CreatedAt.Before(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, reminder.ErrNotFound
	}
	return found.Clone(), nil
}

func (s *memoryStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*reminder.Reminder, 0)
	for _, r := range s.rems {
		if r.Claimable(now) {
			due = append(due, r)
		}
	}
	sortByRemindAt(due)
	if len(due) > limit {
		due = due[:limit]
	}

	token := newClaimToken()
	until := now.Add(lease)
	out := make([]*reminder.Reminder, 0, len(due))
	for _, r := range due {
		r.ClaimToken = token
		r.ClaimedUntil = reminder.TimePtr(until)
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *memoryStore) Settle(ctx context.Context, r *reminder.Reminder) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rems[r.ID]
	if !ok || r.ClaimToken == "" || cur.ClaimToken != r.ClaimToken {
		return ErrClaimLost
	}
	cur.Status = r.Status
	cur.RemindAt = r.RemindAt
	cur.SnoozeUntil = r.SnoozeUntil
	cur.Active = r.Active
	cur.LastDeliveredAt = r.LastDeliveredAt
	cur.UpdatedAt = r.UpdatedAt
	cur.ClearClaim()
	return nil
}

func (s *memoryStore) GetPreferences(ctx context.Context, owner string) (*reminder.Preferences, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[owner]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	return clonePrefs(p), nil
}

func (s *memoryStore) PutPreferences(ctx context.Context, p *reminder.Preferences) error {
	_ = ctx
	s.mu.Lock()
	s.prefs[p.Owner] = clonePrefs(p)
	s.mu.Unlock()
	return nil
}

func clonePrefs(p *reminder.Preferences) *reminder.Preferences {
	cp := *p
	if p.DefaultChannels != nil {
		ch := *p.DefaultChannels
		cp.DefaultChannels = &ch
	}
	if p.LeadMinutes != nil {
		cp.LeadMinutes = make(map[reminder.Kind]int, len(p.LeadMinutes))
		for k, v := range p.LeadMinutes {
			cp.LeadMinutes[k] = v
		}
	}
	return &cp
}

func sortByRemindAt(rs []*reminder.Reminder) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].RemindAt.Equal(rs[j].RemindAt) {
			return rs[i].RemindAt.Before(rs[j].RemindAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
