package reminder

import "time"

// Status is the reminder state machine position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSnoozed   Status = "snoozed"
	StatusSent      Status = "sent"
	StatusDismissed Status = "dismissed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSnoozed, StatusSent, StatusDismissed:
		return true
	}
	return false
}

// Due reports whether a reminder in this status is eligible for delivery once
// its RemindAt has passed.
func (s Status) Due() bool { return s == StatusPending || s == StatusSnoozed }

// Channels holds the independent per-channel delivery switches.
type Channels struct {
	InApp bool `json:"inApp"`
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

func (c Channels) Any() bool { return c.InApp || c.Email || c.Push }

// Target points at the domain object (task, meeting, goal, ...) a reminder
// was created for.
type Target struct {
	RefID   string `json:"referenceId"`
	RefKind string `json:"referenceKind"`
}

func (t Target) Key() string { return t.RefKind + ":" + t.RefID }

// Reminder is the single persisted entity of the engine.
type Reminder struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Kind           Kind       `json:"kind"`
	Target         *Target    `json:"target,omitempty"`
	Message        string     `json:"message"`
	Channels       Channels   `json:"deliveryChannels"`
	RemindAt       time.Time  `json:"remindAt"`
	Status         Status     `json:"status"`
	SnoozeUntil    *time.Time `json:"snoozeUntil,omitempty"`
	RepeatInterval int        `json:"repeatInterval,omitempty"` // minutes; 0 = one-shot
	Active         bool       `json:"isActive"`
	EmailOverride  string     `json:"emailOverride,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	LastDeliveredAt *time.Time `json:"lastDeliveredAt,omitempty"`

	// Claim bookkeeping, owned by the store. A non-empty ClaimToken with a
	// ClaimedUntil in the future means a scheduler is delivering this reminder.
	ClaimToken   string     `json:"-"`
	ClaimedUntil *time.Time `json:"-"`
}

// Repeating reports whether the reminder reschedules after delivery.
func (r *Reminder) Repeating() bool { return r != nil && r.RepeatInterval > 0 }

// Claimable reports whether the scheduler may pick this reminder up at now.
func (r *Reminder) Claimable(now time.Time) bool {
	if r == nil || !r.Active || !r.Status.Due() || r.RemindAt.After(now) {
		return false
	}
	if r.ClaimToken != "" && r.ClaimedUntil != nil && r.ClaimedUntil.After(now) {
		return false
	}
	return true
}

// ClearClaim drops any scheduler claim. Lifecycle writes call this so a user
// change always wins over an in-flight delivery.
func (r *Reminder) ClearClaim() {
	r.ClaimToken = ""
	r.ClaimedUntil = nil
}

// Clone returns a deep copy.
func (r *Reminder) Clone() *Reminder {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Target != nil {
		t := *r.Target
		cp.Target = &t
	}
	cp.SnoozeUntil = cloneTime(r.SnoozeUntil)
	cp.LastDeliveredAt = cloneTime(r.LastDeliveredAt)
	cp.ClaimedUntil = cloneTime(r.ClaimedUntil)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }

// Preferences are the per-owner delivery defaults and profile destinations.
type Preferences struct {
	Owner           string       `json:"owner"`
	Email           string       `json:"email,omitempty"`
	PushTarget      string       `json:"pushTarget,omitempty"`
	DefaultChannels *Channels    `json:"defaultChannels,omitempty"`
	LeadMinutes     map[Kind]int `json:"leadMinutes,omitempty"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}
