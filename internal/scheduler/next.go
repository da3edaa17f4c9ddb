package scheduler

import (
	"time"

	"reminderd/internal/delivery"
	"reminderd/internal/reminder"
)

// Next applies a delivery outcome to a claimed reminder and returns the
// record to settle. r is not modified.
//
//   - delivered, repeating: RemindAt advances by exactly one interval from its
//     previous value; status pending, still active
//   - delivered, one-shot: sent and inactive
//   - not delivered: unchanged, so the next tick retries it
//
// Snooze is cleared on delivery in both delivered cases.
func Next(r *reminder.Reminder, out delivery.Outcome, now time.Time) *reminder.Reminder {
	n := r.Clone()
	if !out.Delivered {
		return n
	}
	n.LastDeliveredAt = reminder.TimePtr(now)
	n.UpdatedAt = now
	n.SnoozeUntil = nil
	if !n.Repeating() {
		n.Status = reminder.StatusSent
		n.Active = false
		return n
	}
	n.RemindAt = n.RemindAt.Add(time.Duration(n.RepeatInterval) * time.Minute)
	n.Status = reminder.StatusPending
	n.Active = true
	return n
}
