package sync

import (
	"strings"

	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/store"
)

// Resource names a view that can be watched and refreshed.
type Resource string

const (
	ChatsResource         Resource = "chats"
	PresenceResource      Resource = "presence"
	NotificationsResource Resource = "notifications"
)

const (
	chatPrefix     = "chat:"
	messagesPrefix = "messages:"
	typingPrefix   = "typing:"
)

// ChatResource is the detail view of one chat.
func ChatResource(chatID string) Resource { return Resource(chatPrefix + chatID) }

// MessagesResource is the first message page of one chat.
func MessagesResource(chatID string) Resource { return Resource(messagesPrefix + chatID) }

// TypingResource is the set of users typing in one chat.
func TypingResource(chatID string) Resource { return Resource(typingPrefix + chatID) }

// split returns the resource family and the chat id it is scoped to, if any.
func (r Resource) split() (family, chatID string) {
	for _, p := range []string{chatPrefix, messagesPrefix, typingPrefix} {
		if id, ok := strings.CutPrefix(string(r), p); ok {
			return p, id
		}
	}
	return string(r), ""
}

func (r Resource) busKind() string {
	return "sync." + string(r)
}

// Update is delivered to watchers of a resource. Only the fields relevant to
// the resource are set.
type Update struct {
	Resource      Resource
	Chats         []store.Chat
	Chat          *store.Chat
	Messages      []store.Message
	Typing        []realtime.TypingUser
	Online        []string
	Notifications int
}
