package reminder

import "time"

// Kind classifies what a reminder is about. Originating modules use it for
// message templating; the engine uses it only to look up defaults.
type Kind string

const (
	KindTaskDue             Kind = "task_due"
	KindMeeting             Kind = "meeting"
	KindGoalDeadline        Kind = "goal_deadline"
	KindAppraisalSubmission Kind = "appraisal_submission"
	KindManagerFeedback     Kind = "manager_feedback"
	KindCustom              Kind = "custom"
)

// Kinds lists every known kind in a stable order.
var Kinds = []Kind{
	KindTaskDue,
	KindMeeting,
	KindGoalDeadline,
	KindAppraisalSubmission,
	KindManagerFeedback,
	KindCustom,
}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

// KindDefault is the fallback lead time and channel set for one kind.
type KindDefault struct {
	LeadMinutes int
	Channels    Channels
}

// KindDefaults is the lookup table consulted by UpsertForTarget and Create
// when neither the caller nor the owner's preferences decide.
type KindDefaults map[Kind]KindDefault

// DefaultKindDefaults returns the built-in table.
func DefaultKindDefaults() KindDefaults {
	ch := Channels{InApp: true, Email: true}
	return KindDefaults{
		KindTaskDue:             {LeadMinutes: 30, Channels: ch},
		KindMeeting:             {LeadMinutes: 15, Channels: ch},
		KindGoalDeadline:        {LeadMinutes: 1440, Channels: ch},
		KindAppraisalSubmission: {LeadMinutes: 1440, Channels: ch},
		KindManagerFeedback:     {LeadMinutes: 60, Channels: ch},
		KindCustom:              {LeadMinutes: 0, Channels: ch},
	}
}

// Merge returns a copy of d with entries from o taking precedence.
func (d KindDefaults) Merge(o KindDefaults) KindDefaults {
	out := make(KindDefaults, len(d)+len(o))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Lead resolves the lead time for kind: owner preference first, then the table.
func (d KindDefaults) Lead(kind Kind, prefs *Preferences) time.Duration {
	if prefs != nil {
		if m, ok := prefs.LeadMinutes[kind]; ok && m >= 0 {
			return time.Duration(m) * time.Minute
		}
	}
	if v, ok := d[kind]; ok {
		return time.Duration(v.LeadMinutes) * time.Minute
	}
	return 0
}

// Channels resolves the default channel set for kind: owner preference first,
// then the table, then in-app only.
func (d KindDefaults) Channels(kind Kind, prefs *Preferences) Channels {
	if prefs != nil && prefs.DefaultChannels != nil {
		return *prefs.DefaultChannels
	}
	if v, ok := d[kind]; ok {
		return v.Channels
	}
	return Channels{InApp: true}
}
