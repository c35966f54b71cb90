package domain

import "time"

type User struct {
	ID           int64     `json:"user_id"`
	Username     string    `json:"username"`
	OnlineStatus bool      `json:"online_status"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayName returns the name shown next to a user's messages and presence.
func (u User) DisplayName() string {
	if u.Username == "" {
		return "Unknown"
	}
	return u.Username
}

type Media struct {
	ID         int64     `json:"media_id"`
	FileName   string    `json:"file_name"`
	FileType   string    `json:"file_type"`
	FileSize   int64     `json:"file_size"`
	FilePath   string    `json:"file_path"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Message is immutable once persisted.
type Message struct {
	ID        int64
	SenderID  int64
	GroupID   int64
	Content   *string
	MediaID   *int64
	Media     *Media
	CreatedAt time.Time
}

// Delivery is the per-recipient record of a group message.
type Delivery struct {
	MessageID int64
	UserID    int64
	Delivered bool
	CreatedAt time.Time
}

// PendingDelivery pairs an undelivered record with the message it refers to.
type PendingDelivery struct {
	Delivery Delivery
	Message  Message
}
