package reminder

import (
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MessageMaxLen = 200

	// Bounds shared by repeat intervals and snooze windows, in minutes.
	MinIntervalMinutes = 5
	MaxIntervalMinutes = 1440
)

// ValidateMessage enforces the 1..200 character bound.
func ValidateMessage(msg string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(msg))
	if n == 0 {
		return Invalid("message", "must not be empty")
	}
	if utf8.RuneCountInString(msg) > MessageMaxLen {
		return Invalid("message", "must be at most %d characters", MessageMaxLen)
	}
	return nil
}

func ValidateKind(k Kind) error {
	if !k.Valid() {
		return Invalid("kind", "unknown kind %q", string(k))
	}
	return nil
}

// ValidateRepeatInterval accepts 0 (no repeat) or [5, 1440] minutes.
func ValidateRepeatInterval(minutes int) error {
	if minutes == 0 {
		return nil
	}
	if minutes < MinIntervalMinutes || minutes > MaxIntervalMinutes {
		return Invalid("repeatInterval", "must be between %d and %d minutes", MinIntervalMinutes, MaxIntervalMinutes)
	}
	return nil
}

// ValidateSnooze accepts [5, 1440] minutes.
func ValidateSnooze(minutes int) error {
	if minutes < MinIntervalMinutes || minutes > MaxIntervalMinutes {
		return Invalid("minutes", "snooze must be between %d and %d minutes", MinIntervalMinutes, MaxIntervalMinutes)
	}
	return nil
}

// ValidateEmail accepts an empty value or a single bare address.
func ValidateEmail(field, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	a, err := mail.ParseAddress(addr)
	if err != nil || a.Address != addr {
		return Invalid(field, "not a valid email address")
	}
	return nil
}

// ValidateRemindAt rejects a zero instant and instants older than now-grace.
func ValidateRemindAt(at, now time.Time, grace time.Duration) error {
	if at.IsZero() {
		return Invalid("remindAt", "is required")
	}
	if at.Before(now.Add(-grace)) {
		return Invalid("remindAt", "must not be in the past")
	}
	return nil
}

func ValidateTarget(t *Target) error {
	if t == nil {
		return nil
	}
	if strings.TrimSpace(t.RefID) == "" {
		return Invalid("target", "referenceId is required")
	}
	if strings.TrimSpace(t.RefKind) == "" {
		return Invalid("target", "referenceKind is required")
	}
	return nil
}
