package store

import "time"

// GORM models used for persistence. Table names match the schema shared with
// the user/group management service.
type UserModel struct {
	UserID       int64  `gorm:"column:user_id;primaryKey;autoIncrement"`
	Username     string `gorm:"uniqueIndex;not null"`
	OnlineStatus bool   `gorm:"not null;default:false;index"`
	CreatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type GroupMemberModel struct {
	GroupID  int64 `gorm:"primaryKey;autoIncrement:false"`
	UserID   int64 `gorm:"primaryKey;autoIncrement:false;index"`
	JoinedAt time.Time
}

func (GroupMemberModel) TableName() string { return "group_members" }

type MediaModel struct {
	MediaID    int64     `gorm:"column:media_id;primaryKey;autoIncrement"`
	FileName   string    `gorm:"not null"`
	FileType   string    `gorm:"not null"`
	FileSize   int64     `gorm:"not null"`
	FilePath   string    `gorm:"not null"`
	UploadedAt time.Time `gorm:"not null"`
	GroupID    *int64
}

func (MediaModel) TableName() string { return "media_message" }

type MessageModel struct {
	MessageID int64       `gorm:"column:message_id;primaryKey;autoIncrement"`
	SenderID  int64       `gorm:"not null;index"`
	GroupID   int64       `gorm:"not null;index"`
	Content   *string     `gorm:"type:text"`
	MediaID   *int64      `gorm:"column:media_id"`
	Media     *MediaModel `gorm:"foreignKey:MediaID;references:MediaID"`
	CreatedAt time.Time   `gorm:"not null;index"`
}

func (MessageModel) TableName() string { return "messages" }

type DeliveryModel struct {
	MessageID int64         `gorm:"primaryKey;autoIncrement:false"`
	UserID    int64         `gorm:"primaryKey;autoIncrement:false;index:idx_delivery_pending,priority:1"`
	Delivered bool          `gorm:"not null;default:false;index:idx_delivery_pending,priority:2"`
	Message   *MessageModel `gorm:"foreignKey:MessageID;references:MessageID"`
	CreatedAt time.Time
}

func (DeliveryModel) TableName() string { return "message_delivery" }
