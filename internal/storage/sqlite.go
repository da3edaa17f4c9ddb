package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

const claimableWhere = `is_active = 1 AND status IN ('pending', 'snoozed') AND remind_at <= ?
	AND (claim_token IS NULL OR claimed_until IS NULL OR claimed_until <= ?)`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; the claim CAS relies on it as well
	// as on its WHERE clause.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, r *reminder.Reminder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		reminderArgs(r)...)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, owner, id string) (*reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = ? AND owner = ?`, id, owner)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) Update(ctx context.Context, r *reminder.Reminder) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET kind = ?, ref_kind = ?, ref_id = ?, message = ?,
			ch_inapp = ?, ch_email = ?, ch_push = ?, remind_at = ?, status = ?, snooze_until = ?,
			repeat_interval = ?, is_active = ?, email_override = ?, updated_at = ?,
			last_delivered_at = ?, claim_token = ?, claimed_until = ?
		 WHERE id = ? AND owner = ?`,
		updateArgs(r)...)
	if err != nil {
		return err
	}
	return expectOne(res, reminder.ErrNotFound)
}

func (s *sqliteStore) Delete(ctx context.Context, owner, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return err
	}
	return expectOne(res, reminder.ErrNotFound)
}

func (s *sqliteStore) List(ctx context.Context, owner string, f ListFilter) ([]*reminder.Reminder, error) {
	q := `SELECT ` + reminderColumns + ` FROM reminders WHERE owner = ?`
	args := []any{owner}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.ActiveOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY remind_at, id LIMIT ? OFFSET ?`
	args = append(args, f.limit(), f.offset())
	return s.query(ctx, q, args...)
}

func (s *sqliteStore) FindActiveByTarget(ctx context.Context, owner string, t reminder.Target) (*reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE owner = ? AND ref_kind = ? AND ref_id = ? AND is_active = 1
		 ORDER BY created_at LIMIT 1`, owner, t.RefKind, t.RefID)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*reminder.Reminder, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMS := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM reminders WHERE `+claimableWhere+` ORDER BY remind_at, id LIMIT ?`,
		nowMS, nowMS, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Compare-and-set per row: a row that changed since the select (claimed
	// elsewhere, dismissed, rescheduled) no longer matches and is skipped.
	token := newClaimToken()
	until := now.Add(lease).UnixMilli()
	claimed := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE reminders SET claim_token = ?, claimed_until = ? WHERE id = ? AND `+claimableWhere,
			token, until, id, nowMS, nowMS)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed++
		}
	}
	if claimed == 0 {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE claim_token = ? ORDER BY remind_at, id`, token)
}

func (s *sqliteStore) Settle(ctx context.Context, r *reminder.Reminder) error {
	if r.ClaimToken == "" {
		return ErrClaimLost
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, remind_at = ?, snooze_until = ?, is_active = ?,
			last_delivered_at = ?, updated_at = ?, claim_token = NULL, claimed_until = NULL
		 WHERE id = ? AND claim_token = ?`,
		settleArgs(r)...)
	if err != nil {
		return err
	}
	return expectOne(res, ErrClaimLost)
}

func (s *sqliteStore) GetPreferences(ctx context.Context, owner string) (*reminder.Preferences, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner, email, push_target, default_channels, lead_minutes, updated_at
		 FROM preferences WHERE owner = ?`, owner)
	p, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) PutPreferences(ctx context.Context, p *reminder.Preferences) error {
	args, err := preferencesArgs(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences(owner, email, push_target, default_channels, lead_minutes, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(owner) DO UPDATE SET email = excluded.email, push_target = excluded.push_target,
			default_channels = excluded.default_channels, lead_minutes = excluded.lead_minutes,
			updated_at = excluded.updated_at`,
		args...)
	return err
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]*reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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

// updateArgs matches the SET list of Update followed by the id/owner key.
func updateArgs(r *reminder.Reminder) []any {
	a := reminderArgs(r)
	// a: 0 id, 1 owner, 2..4 kind/ref, 5 message, 6..8 channels, 9 remind_at,
	// 10 status, 11 snooze, 12 repeat, 13 active, 14 override, 15 created,
	// 16 updated, 17 delivered, 18 token, 19 claimed_until
	out := make([]any, 0, 19)
	out = append(out, a[2:15]...)
	out = append(out, a[16:]...)
	return append(out, r.ID, r.Owner)
}

func settleArgs(r *reminder.Reminder) []any {
	return []any{
		string(r.Status), r.RemindAt.UnixMilli(), nullMillis(r.SnoozeUntil), r.Active,
		nullMillis(r.LastDeliveredAt), r.UpdatedAt.UnixMilli(), r.ID, r.ClaimToken,
	}
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectOne(res rowsAffected, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
