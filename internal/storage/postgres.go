package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store ready", logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, r *reminder.Reminder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reminders(`+reminderColumns+`) VALUES(`+placeholders(1, 20)+`)`,
		reminderArgs(r)...)
	return err
}

func (s *postgresStore) Get(ctx context.Context, owner, id string) (*reminder.Reminder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = $1 AND owner = $2`, id, owner)
	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	return r, err
}

func (s *postgresStore) Update(ctx context.Context, r *reminder.Reminder) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reminders SET kind = $1, ref_kind = $2, ref_id = $3, message = $4,
			ch_inapp = $5, ch_email = $6, ch_push = $7, remind_at = $8, status = $9, snooze_until = $10,
			repeat_interval = $11, is_active = $12, email_override = $13, updated_at = $14,
			last_delivered_at = $15, claim_token = $16, claimed_until = $17
		 WHERE id = $18 AND owner = $19`,
		updateArgs(r)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return reminder.ErrNotFound
	}
	return nil
}

func (s *postgresStore) Delete(ctx context.Context, owner, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reminders WHERE id = $1 AND owner = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return reminder.ErrNotFound
	}
	return nil
}

func (s *postgresStore) List(ctx context.Context, owner string, f ListFilter) ([]*reminder.Reminder, error) {
	q := `SELECT ` + reminderColumns + ` FROM reminders WHERE owner = $1`
	args := []any{owner}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += ` AND status = $` + strconv.Itoa(len(args))
	}
	if f.ActiveOnly {
		q += ` AND is_active`
	}
	args = append(args, f.limit(), f.offset())
	q += fmt.Sprintf(` ORDER BY remind_at, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return s.query(ctx, q, args...)
}

func (s *postgresStore) FindActiveByTarget(ctx context.Context, owner string, t reminder.Target) (*reminder.Reminder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE owner = $1 AND ref_kind = $2 AND ref_id = $3 AND is_active
		 ORDER BY created_at LIMIT 1`, owner, t.RefKind, t.RefID)
	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	return r, err
}

// ClaimDue claims in one statement; SKIP LOCKED lets concurrent schedulers
// take disjoint batches instead of waiting on each other.
func (s *postgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*reminder.Reminder, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMS := now.UnixMilli()
	out, err := s.query(ctx,
		`UPDATE reminders SET claim_token = $1, claimed_until = $2
		 WHERE id IN (
			SELECT id FROM reminders
			WHERE is_active AND status IN ('pending', 'snoozed') AND remind_at <= $3
			  AND (claim_token IS NULL OR claimed_until IS NULL OR claimed_until <= $3)
			ORDER BY remind_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		 RETURNING `+reminderColumns,
		newClaimToken(), now.Add(lease).UnixMilli(), nowMS, limit)
	if err != nil {
		return nil, err
	}
	sortByRemindAt(out)
	return out, nil
}

func (s *postgresStore) Settle(ctx context.Context, r *reminder.Reminder) error {
	if r.ClaimToken == "" {
		return ErrClaimLost
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE reminders SET status = $1, remind_at = $2, snooze_until = $3, is_active = $4,
			last_delivered_at = $5, updated_at = $6, claim_token = NULL, claimed_until = NULL
		 WHERE id = $7 AND claim_token = $8`,
		settleArgs(r)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *postgresStore) GetPreferences(ctx context.Context, owner string) (*reminder.Preferences, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT owner, email, push_target, default_channels, lead_minutes, updated_at
		 FROM preferences WHERE owner = $1`, owner)
	p, err := scanPreferences(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	return p, err
}

func (s *postgresStore) PutPreferences(ctx context.Context, p *reminder.Preferences) error {
	args, err := preferencesArgs(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO preferences(owner, email, push_target, default_channels, lead_minutes, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(owner) DO UPDATE SET email = EXCLUDED.email, push_target = EXCLUDED.push_target,
			default_channels = EXCLUDED.default_channels, lead_minutes = EXCLUDED.lead_minutes,
			updated_at = EXCLUDED.updated_at`,
		args...)
	return err
}

func (s *postgresStore) query(ctx context.Context, q string, args ...any) ([]*reminder.Reminder, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*reminder.Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders(from, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(from + i))
	}
	return b.String()
}
