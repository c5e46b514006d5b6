package worker

import (
	"context"
	"net/http"
)

// EventType names a worker event.
type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventFetch             EventType = "fetch"
	EventMessage           EventType = "message"
	EventPeriodicSync      EventType = "periodicsync"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
)

// Event is anything delivered to a worker's mailbox.
type Event interface {
	Type() EventType
}

type InstallEvent struct{}

type ActivateEvent struct{}

// FetchEvent carries an intercepted request. The URL must be absolute.
type FetchEvent struct {
	Request *http.Request
}

type MessageEvent struct {
	Message Message
}

type PeriodicSyncEvent struct {
	Tag string
}

// PushEvent carries the raw push payload. An empty payload is ignored.
type PushEvent struct {
	Data []byte
}

type NotificationClickEvent struct {
	Notification Notification
}

func (InstallEvent) Type() EventType           { return EventInstall }
func (ActivateEvent) Type() EventType          { return EventActivate }
func (FetchEvent) Type() EventType             { return EventFetch }
func (MessageEvent) Type() EventType           { return EventMessage }
func (PeriodicSyncEvent) Type() EventType      { return EventPeriodicSync }
func (PushEvent) Type() EventType              { return EventPush }
func (NotificationClickEvent) Type() EventType { return EventNotificationClick }

// serialized reports whether the event must run on the mailbox loop itself.
func serialized(ev Event) bool {
	switch ev.(type) {
	case InstallEvent, ActivateEvent:
		return true
	}
	return false
}

type envelope struct {
	ctx   context.Context
	event Event
	reply chan outcome
}

type outcome struct {
	value any
	err   error
}
