package bus

import (
	"strings"
	"time"
)

// Event is a domain event. Kind is "<namespace>.<name>", for example
// "realtime.NEW_MESSAGE" or "sync.chats".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

// Matches reports whether the event falls under the namespace prefix. An
// empty namespace matches everything.
func (e Event) Matches(namespace string) bool {
	return strings.HasPrefix(e.Kind, namespace)
}
