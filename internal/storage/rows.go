package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"reminderd/internal/reminder"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Both SQL drivers store instants as unix milliseconds so the row codec is
// shared.
const reminderColumns = `id, owner, kind, ref_kind, ref_id, message,
	ch_inapp, ch_email, ch_push, remind_at, status, snooze_until,
	repeat_interval, is_active, email_override, created_at, updated_at,
	last_delivered_at, claim_token, claimed_until`

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc rowScanner) (*reminder.Reminder, error) {
	var (
		r                                     reminder.Reminder
		kind, status                          string
		refKind, refID, claimToken            sql.NullString
		remindAt, createdAt, updatedAt        int64
		snoozeUntil, lastDelivered, claimedAt sql.NullInt64
	)
	err := sc.Scan(
		&r.ID, &r.Owner, &kind, &refKind, &refID, &r.Message,
		&r.Channels.InApp, &r.Channels.Email, &r.Channels.Push, &remindAt, &status, &snoozeUntil,
		&r.RepeatInterval, &r.Active, &r.EmailOverride, &createdAt, &updatedAt,
		&lastDelivered, &claimToken, &claimedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = reminder.Kind(kind)
	r.Status = reminder.Status(status)
	if refID.Valid {
		r.Target = &reminder.Target{RefID: refID.String, RefKind: refKind.String}
	}
	r.RemindAt = fromMillis(remindAt)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	r.SnoozeUntil = fromNullMillis(snoozeUntil)
	r.LastDeliveredAt = fromNullMillis(lastDelivered)
	r.ClaimedUntil = fromNullMillis(claimedAt)
	if claimToken.Valid {
		r.ClaimToken = claimToken.String
	}
	return &r, nil
}

// reminderArgs returns values in reminderColumns order.
func reminderArgs(r *reminder.Reminder) []any {
	var refKind, refID any
	if r.Target != nil {
		refKind, refID = r.Target.RefKind, r.Target.RefID
	}
	return []any{
		r.ID, r.Owner, string(r.Kind), refKind, refID, r.Message,
		r.Channels.InApp, r.Channels.Email, r.Channels.Push, r.RemindAt.UnixMilli(), string(r.Status), nullMillis(r.SnoozeUntil),
		r.RepeatInterval, r.Active, r.EmailOverride, r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
		nullMillis(r.LastDeliveredAt), nullString(r.ClaimToken), nullMillis(r.ClaimedUntil),
	}
}

func scanPreferences(sc rowScanner) (*reminder.Preferences, error) {
	var (
		p               reminder.Preferences
		chans, leads    sql.NullString
		updatedAtMillis int64
	)
	if err := sc.Scan(&p.Owner, &p.Email, &p.PushTarget, &chans, &leads, &updatedAtMillis); err != nil {
		return nil, err
	}
	if chans.Valid && chans.String != "" {
		var c reminder.Channels
		if err := json.Unmarshal([]byte(chans.String), &c); err != nil {
			return nil, err
		}
		p.DefaultChannels = &c
	}
	if leads.Valid && leads.String != "" {
		if err := json.Unmarshal([]byte(leads.String), &p.LeadMinutes); err != nil {
			return nil, err
		}
	}
	p.UpdatedAt = fromMillis(updatedAtMillis)
	return &p, nil
}

func preferencesArgs(p *reminder.Preferences) ([]any, error) {
	var chans, leads any
	if p.DefaultChannels != nil {
		b, err := json.Marshal(p.DefaultChannels)
		if err != nil {
			return nil, err
		}
		chans = string(b)
	}
	if len(p.LeadMinutes) > 0 {
		b, err := json.Marshal(p.LeadMinutes)
		if err != nil {
			return nil, err
		}
		leads = string(b)
	}
	return []any{p.Owner, p.Email, p.PushTarget, chans, leads, p.UpdatedAt.UnixMilli()}, nil
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return reminder.TimePtr(fromMillis(v.Int64))
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
