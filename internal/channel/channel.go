// Package channel defines the contract every delivery channel implements.
//
// Concrete senders live in subpackages: email (SMTP), push (Telegram or a
// JSON webhook) and inapp (websocket subscribers).
package channel

import (
	"context"
	"errors"
	"fmt"

	"reminderd/internal/reminder"
)

// Name identifies a delivery channel.
type Name string

const (
	InApp Name = "inapp"
	Email Name = "email"
	Push  Name = "push"
)

// Names lists channels in a stable order.
var Names = []Name{InApp, Email, Push}

// Enabled reports whether n is switched on in c.
func Enabled(c reminder.Channels, n Name) bool {
	switch n {
	case InApp:
		return c.InApp
	case Email:
		return c.Email
	case Push:
		return c.Push
	}
	return false
}

var (
	ErrNoDestination = errors.New("no destination for channel")
	ErrNotConfigured = errors.New("channel not configured")
)

// Message is what a channel renders for one delivery.
type Message struct {
	Subject    string
	Body       string
	ReminderID string
	Owner      string
	Kind       reminder.Kind

	// Reminder is the snapshot being delivered. In-app uses it for the
	// event payload; other channels only need the text fields.
	Reminder *reminder.Reminder
}

// Sender delivers a single message to a single destination. Send returns nil
// only when the downstream accepted the message.
type Sender interface {
	Send(ctx context.Context, dest string, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, dest string, msg Message) error

func (f SenderFunc) Send(ctx context.Context, dest string, msg Message) error {
	return f(ctx, dest, msg)
}

// Unavailable is a Sender that always fails; it stands in for channels that
// are disabled in config so enabled reminders still record a failure.
func Unavailable(name Name) Sender {
	return SenderFunc(func(context.Context, string, Message) error {
		return Permanent(fmt.Errorf("%s: %w", name, ErrNotConfigured))
	})
}

// Permanent marks an error as not worth retrying (bad address, rejected
// recipient). The delivery worker stops attempting the channel for this run.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Render builds the default message for r.
func Render(r *reminder.Reminder) Message {
	return Message{
		Subject:    "Reminder: " + truncate(r.Message, 60),
		Body:       r.Message,
		ReminderID: r.ID,
		Owner:      r.Owner,
		Kind:       r.Kind,
		Reminder:   r,
	}
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
