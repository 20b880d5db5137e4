package store

import "fmt"

// Chat represents a cached conversation.
type Chat struct {
	ID              string
	Name            string
	Avatar          string
	IsGroup         bool
	LastMessage     string
	LastMessageTime string // ISO-8601
	UnreadCount     int
	Members         []string
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	PublicID string `json:"public_id"`
	URL      string `json:"url"`
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Valid reports whether s is a known delivery status.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead:
		return true
	}
	return false
}

// Message represents a cached message. Content is empty for attachment-only messages.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	Content     string
	Attachments []Attachment
	CreatedAt   string // ISO-8601, sorts lexicographically
	Status      MessageStatus
}

// MediaType is the coarse category of a cached file.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
	MediaFileType MediaType = "file"
)

// MediaFile tracks the local copy of a message attachment.
type MediaFile struct {
	ID        string
	MessageID string
	FileName  string
	FileType  MediaType
	LocalPath string
	RemoteURL string
	Size      int64
	CreatedAt int64
}

// InvalidStatusError is returned when a message status is not one of the known values.
type InvalidStatusError struct {
	Status MessageStatus
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid message status %q", e.Status)
}
