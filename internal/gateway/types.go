package gateway

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/matheus3301/chatsync/internal/store"
)

// User is a server-side user profile.
type User struct {
	ID        string `json:"_id"`
	Name      string `json:"name"`
	Username  string `json:"username,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Bio       string `json:"bio,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// UserRef decodes either a bare user id or a full user object.
type UserRef struct {
	User
}

func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	return json.Unmarshal(data, &r.User)
}

// Avatar decodes a single URL string or a list of URLs, keeping the first.
type Avatar string

func (a *Avatar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		if len(list) > 0 {
			*a = Avatar(list[0])
		}
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Some servers send {public_id, url}.
		var obj store.Attachment
		if err2 := json.Unmarshal(data, &obj); err2 != nil {
			return err
		}
		s = obj.URL
	}
	*a = Avatar(s)
	return nil
}

// Message is a server-side message.
type Message struct {
	ID          string             `json:"_id"`
	Sender      UserRef            `json:"sender"`
	Content     string             `json:"content"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	Chat        string             `json:"chat"`
	CreatedAt   string             `json:"createdAt"`
}

// ToStore converts m for the local store. chatID is used when the payload
// does not carry the owning chat.
func (m *Message) ToStore(chatID string, status store.MessageStatus) store.Message {
	if m.Chat != "" {
		chatID = m.Chat
	}
	return store.Message{
		ID:          m.ID,
		ChatID:      chatID,
		SenderID:    m.Sender.ID,
		Content:     m.Content,
		Attachments: m.Attachments,
		CreatedAt:   m.CreatedAt,
		Status:      status,
	}
}

// LastMessage decodes either an embedded message or a bare content string.
type LastMessage struct {
	Content   string
	CreatedAt string
}

func (l *LastMessage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &l.Content)
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	l.Content = m.Content
	l.CreatedAt = m.CreatedAt
	return nil
}

// Chat is a server-side chat, either a list item or a full detail.
type Chat struct {
	ID              string       `json:"_id"`
	Name            string       `json:"name"`
	GroupChat       bool         `json:"groupChat"`
	Avatar          Avatar       `json:"avatar,omitempty"`
	Creator         *UserRef     `json:"creator,omitempty"`
	Members         []UserRef    `json:"members"`
	LastMessage     *LastMessage `json:"lastMessage,omitempty"`
	LastMessageTime string       `json:"lastMessageTime,omitempty"`
	UnreadCount     *int         `json:"unreadCount,omitempty"`
	CreatedAt       string       `json:"createdAt,omitempty"`
}

// ToStore converts c for the local store.
func (c *Chat) ToStore() store.Chat {
	sc := store.Chat{
		ID:              c.ID,
		Name:            c.Name,
		Avatar:          string(c.Avatar),
		IsGroup:         c.GroupChat,
		LastMessageTime: c.LastMessageTime,
		Members:         make([]string, 0, len(c.Members)),
	}
	if c.LastMessage != nil {
		sc.LastMessage = c.LastMessage.Content
		if c.LastMessage.CreatedAt != "" {
			sc.LastMessageTime = c.LastMessage.CreatedAt
		}
	}
	if c.UnreadCount != nil {
		sc.UnreadCount = *c.UnreadCount
	}
	for _, m := range c.Members {
		sc.Members = append(sc.Members, m.ID)
	}
	return sc
}

// Notification is a pending friend request.
type Notification struct {
	ID     string  `json:"_id"`
	Sender UserRef `json:"sender"`
}

// AuthResult is returned by Login and Register.
type AuthResult struct {
	Token   string `json:"token"`
	User    *User  `json:"user,omitempty"`
	Message string `json:"message,omitempty"`
}

// MessagePage is one page of a chat's history.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	TotalPages int       `json:"totalPages"`
}

// Upload is one file of a multipart attachment send.
type Upload struct {
	FileName string
	Content  io.Reader
}

// LoginRequest carries login credentials.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest carries sign-up fields.
type RegisterRequest struct {
	Name     string `json:"name" validate:"required"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=6"`
	Bio      string `json:"bio,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// ProfileUpdate carries optional profile changes.
type ProfileUpdate struct {
	Name   string `json:"name,omitempty"`
	Bio    string `json:"bio,omitempty"`
	Avatar string `json:"avatar,omitempty" validate:"omitempty,url"`
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type createGroupRequest struct {
	Name    string   `json:"name" validate:"required"`
	Members []string `json:"members" validate:"min=2,dive,required"`
}

type addMembersRequest struct {
	ChatID  string   `json:"chatId" validate:"required"`
	Members []string `json:"members" validate:"min=1,dive,required"`
}

type removeMemberRequest struct {
	ChatID string `json:"chatId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

type friendRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type acceptRequest struct {
	RequestID string `json:"requestId" validate:"required"`
	Accept    bool   `json:"accept"`
}
