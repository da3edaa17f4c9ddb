package reminder

import (
	"context"
	"time"
)

// EventType names an in-app event on the owner's subscription topic.
type EventType string

const (
	EventNew       EventType = "newReminder"
	EventUpdated   EventType = "reminderUpdated"
	EventTriggered EventType = "reminderTriggered"
	EventDeleted   EventType = "reminderDeleted"
)

// Event is published to the owner's in-app topic.
type Event struct {
	Type     EventType `json:"type"`
	Reminder *Reminder `json:"reminder"`
	At       time.Time `json:"at"`
}

// Publisher pushes events to an owner's in-app subscribers. It is injected
// into the lifecycle service and the delivery worker.
type Publisher interface {
	Publish(ctx context.Context, owner string, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, owner string, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, owner string, ev Event) error {
	return f(ctx, owner, ev)
}

// NopPublisher drops every event.
var NopPublisher Publisher = PublisherFunc(func(context.Context, string, Event) error { return nil })
