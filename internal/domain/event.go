package domain

import "time"

// EventType is the kind of change carried by a change-feed event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ParseEventType accepts both the lower-case form and the upper-case form
// used on the wire.
func ParseEventType(s string) (EventType, bool) {
	switch s {
	case "insert", "INSERT":
		return EventInsert, true
	case "update", "UPDATE":
		return EventUpdate, true
	case "delete", "DELETE":
		return EventDelete, true
	}
	return "", false
}

// Event is one change-feed notification. New is set for insert and update,
// Old for delete (and for update when the remote sends it).
type Event struct {
	Type            EventType
	Collection      string
	New             Record
	Old             Record
	CommitTimestamp time.Time
}

// RecordID returns the id the event refers to.
func (e Event) RecordID() string {
	if id := e.New.ID(); id != "" {
		return id
	}
	return e.Old.ID()
}

// Handler consumes events for one subscription. It is called sequentially.
type Handler func(Event)

// Subscription is a live change-feed registration. Close stops delivery; no
// handler call starts after Close returns.
type Subscription interface {
	Close() error
}
