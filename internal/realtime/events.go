package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/gateway"
)

// EventName is the wire name of a realtime event.
type EventName string

// Inbound events.
const (
	EventNewMessage      EventName = "NEW_MESSAGE"
	EventNewMessageAlert EventName = "NEW_MESSAGE_ALERT"
	EventStartTyping     EventName = "START_TYPING"
	EventStopTyping      EventName = "STOP_TYPING"
	EventOnlineUsers     EventName = "ONLINE_USERS"
	EventRefetchChats    EventName = "REFETCH_CHATS"
)

// Outbound events.
const (
	EventJoinChat  EventName = "JOIN_CHAT"
	EventLeaveChat EventName = "LEAVE_CHAT"
)

// ErrUnknownEvent is returned by Decode for event names outside the taxonomy.
var ErrUnknownEvent = errors.New("unknown realtime event")

// BusKind returns the bus event kind used to fan out name.
func BusKind(name EventName) string {
	return "realtime." + string(name)
}

// Event is one of NewMessage, NewMessageAlert, StartTyping, StopTyping,
// OnlineUsers or RefetchChats.
type Event interface {
	Name() EventName
	event()
}

// NewMessage carries a message pushed to a joined chat.
type NewMessage struct {
	ChatID  string          `json:"chatId"`
	Message gateway.Message `json:"message"`
}

// NewMessageAlert signals activity in a chat the client may not have joined.
type NewMessageAlert struct {
	ChatID string `json:"chatId"`
}

// TypingUser identifies who is typing. The server sends either _id or id.
type TypingUser struct {
	ID   string
	Name string
}

func (u *TypingUser) UnmarshalJSON(data []byte) error {
	var raw struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = raw.MongoID
	if u.ID == "" {
		u.ID = raw.ID
	}
	u.Name = raw.Name
	return nil
}

func (u TypingUser) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID   string `json:"_id"`
		Name string `json:"name,omitempty"`
	}{u.ID, u.Name})
}

// StartTyping reports that User began typing in ChatID.
type StartTyping struct {
	ChatID string     `json:"chatId"`
	User   TypingUser `json:"user"`
}

// StopTyping reports that User stopped typing in ChatID.
type StopTyping struct {
	ChatID string     `json:"chatId"`
	User   TypingUser `json:"user"`
}

// OnlineUsers is the full set of currently online user ids.
type OnlineUsers struct {
	UserIDs []string
}

// RefetchChats asks the client to reload its chat list.
type RefetchChats struct{}

func (NewMessage) Name() EventName      { return EventNewMessage }
func (NewMessageAlert) Name() EventName { return EventNewMessageAlert }
func (StartTyping) Name() EventName     { return EventStartTyping }
func (StopTyping) Name() EventName      { return EventStopTyping }
func (OnlineUsers) Name() EventName     { return EventOnlineUsers }
func (RefetchChats) Name() EventName    { return EventRefetchChats }

func (NewMessage) event()      {}
func (NewMessageAlert) event() {}
func (StartTyping) event()     {}
func (StopTyping) event()      {}
func (OnlineUsers) event()     {}
func (RefetchChats) event()    {}

// envelope is the wire format for every frame in both directions.
type envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode turns a wire frame into a typed event.
func Decode(name EventName, data json.RawMessage) (Event, error) {
	var (
		evt Event
		err error
	)
	switch name {
	case EventNewMessage:
		var e NewMessage
		err = unmarshal(data, &e)
		if err == nil && e.ChatID == "" {
			e.ChatID = e.Message.Chat
		}
		evt = e
	case EventNewMessageAlert:
		var e NewMessageAlert
		err = unmarshal(data, &e)
		evt = e
	case EventStartTyping:
		var e StartTyping
		err = unmarshal(data, &e)
		evt = e
	case EventStopTyping:
		var e StopTyping
		err = unmarshal(data, &e)
		evt = e
	case EventOnlineUsers:
		var e OnlineUsers
		err = unmarshal(data, &e.UserIDs)
		evt = e
	case EventRefetchChats:
		evt = RefetchChats{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return evt, nil
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
