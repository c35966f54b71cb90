package fanout

import (
	"time"

	"github.com/Hanzala-Shadow/Echo/pkg/domain"
)

// MessagePayload is the frame pushed to recipients of a group message, both
// live and when draining a backlog.
type MessagePayload struct {
	Type       string        `json:"type"`
	MessageID  int64         `json:"message_id"`
	SenderID   int64         `json:"sender_id"`
	SenderName string        `json:"sender_name"`
	GroupID    int64         `json:"group_id"`
	Content    *string       `json:"content"`
	CreatedAt  string        `json:"created_at"`
	Delivered  bool          `json:"delivered"`
	Media      *MediaPayload `json:"media,omitempty"`
}

type MediaPayload struct {
	MediaID    int64  `json:"media_id"`
	FileName   string `json:"file_name"`
	FileType   string `json:"file_type"`
	FileSize   int64  `json:"file_size"`
	FilePath   string `json:"file_path"`
	UploadedAt string `json:"uploaded_at"`
}

// FormatTime renders timestamps as ISO-8601 in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewMessagePayload builds the recipient frame for msg.
func NewMessagePayload(msg domain.Message, senderName string, delivered bool) MessagePayload {
	p := MessagePayload{
		Type:       "message",
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		SenderName: senderName,
		GroupID:    msg.GroupID,
		Content:    msg.Content,
		CreatedAt:  FormatTime(msg.CreatedAt),
		Delivered:  delivered,
	}
	if msg.Media != nil {
		p.Media = &MediaPayload{
			MediaID:    msg.Media.ID,
			FileName:   msg.Media.FileName,
			FileType:   msg.Media.FileType,
			FileSize:   msg.Media.FileSize,
			FilePath:   msg.Media.FilePath,
			UploadedAt: FormatTime(msg.Media.UploadedAt),
		}
	}
	return p
}
