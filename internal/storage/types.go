package storage

import (
	"context"
	"errors"
	"time"

	"reminderd/internal/reminder"
)

var (
	ErrDisabled = errors.New("storage disabled")

	// ErrClaimLost is returned by Settle when the claim token no longer
	// matches, either because the lease expired and another scheduler took
	// over, or because a lifecycle write replaced the record.
	ErrClaimLost = errors.New("claim lost")
)

// Config configures storage.
//
// Driver values:
//   - "memory"
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq-style URL or key/value string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres pool size; 0 means pgx default
}

// ListFilter narrows List results. Zero value lists everything for the owner.
type ListFilter struct {
	Status     reminder.Status
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Store is the persistence API used by the lifecycle service and the scheduler.
//
// Reads return copies; callers may mutate them freely. Lookups scoped by owner
// return reminder.ErrNotFound when the record is missing or owned by someone else.
type Store interface {
	Insert(ctx context.Context, r *reminder.Reminder) error
	Get(ctx context.Context, owner, id string) (*reminder.Reminder, error)
	// Update replaces the mutable fields of an existing record, including the
	// claim columns.
	Update(ctx context.Context, r *reminder.Reminder) error
	Delete(ctx context.Context, owner, id string) error
	List(ctx context.Context, owner string, f ListFilter) ([]*reminder.Reminder, error)
	FindActiveByTarget(ctx context.Context, owner string, t reminder.Target) (*reminder.Reminder, error)

	// ClaimDue atomically claims up to limit claimable reminders, oldest
	// RemindAt first, under a fresh claim token valid for lease.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*reminder.Reminder, error)
	// Settle writes the post-delivery state of a claimed reminder and releases
	// the claim. It only applies while r.ClaimToken still owns the record.
	Settle(ctx context.Context, r *reminder.Reminder) error

	GetPreferences(ctx context.Context, owner string) (*reminder.Preferences, error)
	PutPreferences(ctx context.Context, p *reminder.Preferences) error

	Close() error
}

const defaultListLimit = 100

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultListLimit
	}
	return f.Limit
}

func (f ListFilter) offset() int {
	if f.Offset < 0 {
		return 0
	}
	return f.Offset
}
