package store

import (
	"errors"

	"github.com/Hanzala-Shadow/Echo/pkg/domain"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations used by the realtime core.
// Users, groups and media are owned by the management service; the core
// only reads them and writes presence flags, messages and delivery records.
type Store interface {
	// users
	GetUserByID(id int64) (domain.User, bool, error)
	SetOnlineStatus(userID int64, online bool) error
	ListOnlineUserIDs() ([]int64, error)
	ResetOnlineStatus() error

	// groups and media
	ListGroupMemberIDs(groupID int64) ([]int64, error)
	GetMedia(id int64) (domain.Media, bool, error)

	// messages
	CreateMessage(domain.Message) (domain.Message, error)
	CreateDelivery(domain.Delivery) error
	// MarkDelivered flips a pending record to delivered. It reports false when
	// the record was already delivered or does not exist.
	MarkDelivered(messageID, userID int64) (bool, error)
	MarkUndelivered(messageID, userID int64) error
	// ListUndelivered returns the user's pending records in message creation
	// order.
	ListUndelivered(userID int64) ([]domain.PendingDelivery, error)
}
