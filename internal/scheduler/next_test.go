package scheduler

import (
	"testing"
	"time"

	"reminderd/internal/delivery"
	"reminderd/internal/reminder"
)

func TestNext(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	snooze := now.Add(-time.Second)
	tests := []struct {
		name       string
		in         reminder.Reminder
		delivered  bool
		wantStatus reminder.Status
		wantActive bool
		wantAt     time.Time
	}{
		{
			name:       "one-shot delivered",
			in:         reminder.Reminder{RemindAt: now.Add(-time.Second), Status: reminder.StatusPending, Active: true},
			delivered:  true,
			wantStatus: reminder.StatusSent,
			wantActive: false,
			wantAt:     now.Add(-time.Second),
		},
		{
			name:       "repeating delivered",
			in:         reminder.Reminder{RemindAt: now.Add(-time.Second), RepeatInterval: 5, Status: reminder.StatusPending, Active: true},
			delivered:  true,
			wantStatus: reminder.StatusPending,
			wantActive: true,
			wantAt:     now.Add(-time.Second).Add(5 * time.Minute),
		},
		{
			name:       "repeating overdue advances one interval",
			in:         reminder.Reminder{RemindAt: now.Add(-150 * time.Minute), RepeatInterval: 60, Status: reminder.StatusPending, Active: true},
			delivered:  true,
			wantStatus: reminder.StatusPending,
			wantActive: true,
			wantAt:     now.Add(-90 * time.Minute),
		},
		{
			name:       "repeating delivered late",
			in:         reminder.Reminder{RemindAt: now.Add(-10 * time.Minute), RepeatInterval: 5, Status: reminder.StatusPending, Active: true},
			delivered:  true,
			wantStatus: reminder.StatusPending,
			wantActive: true,
			wantAt:     now.Add(-5 * time.Minute),
		},
		{
			name:       "snoozed delivered clears snooze",
			in:         reminder.Reminder{RemindAt: snooze, SnoozeUntil: &snooze, Status: reminder.StatusSnoozed, Active: true},
			delivered:  true,
			wantStatus: reminder.StatusSent,
			wantActive: false,
			wantAt:     snooze,
		},
		{
			name:       "not delivered unchanged",
			in:         reminder.Reminder{RemindAt: now.Add(-time.Hour), RepeatInterval: 5, Status: reminder.StatusPending, Active: true},
			delivered:  false,
			wantStatus: reminder.StatusPending,
			wantActive: true,
			wantAt:     now.Add(-time.Hour),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			got := Next(&in, delivery.Outcome{Delivered: tt.delivered}, now)
			if got.Status != tt.wantStatus || got.Active != tt.wantActive || !got.RemindAt.Equal(tt.wantAt) {
				t.Fatalf("got status=%s active=%v at=%v", got.Status, got.Active, got.RemindAt)
			}
			if tt.delivered {
				if got.SnoozeUntil != nil || got.LastDeliveredAt == nil {
					t.Fatalf("delivered bookkeeping wrong: %+v", got)
				}
				if got.Repeating() {
					step := time.Duration(tt.in.RepeatInterval) * time.Minute
					if !got.RemindAt.Equal(tt.in.RemindAt.Add(step)) {
						t.Fatalf("remindAt = %v, want previous + %v", got.RemindAt, step)
					}
				}
			} else if got.LastDeliveredAt != nil {
				t.Fatal("undelivered reminder marked delivered")
			}
			if in.Status != tt.in.Status || !in.RemindAt.Equal(tt.in.RemindAt) {
				t.Fatal("Next mutated its input")
			}
		})
	}
}
