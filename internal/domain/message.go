package domain

import "time"

type MessageID string

// ContentType tells whether Content holds UTF-8 text or raw bytes.
// Binary content is stored as-is and transcoded only at the delivery boundary.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentBinary ContentType = "binary"
)

type Message struct {
	ID          MessageID   `json:"id"`
	RoomID      RoomID      `json:"rid"`
	SenderID    UserID      `json:"sender"`
	Content     []byte      `json:"-"`
	ContentType ContentType `json:"content_type"`
	Edited      bool        `json:"edited"`
	CreatedAt   time.Time   `json:"created_at"`
	EditedAt    time.Time   `json:"edited_at,omitempty"`
}
