package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Hanzala-Shadow/Echo/pkg/domain"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 73217321

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &GroupMemberModel{}, &MediaModel{}, &MessageModel{}, &DeliveryModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if db.Dialector.Name() == DriverPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes migrations across replicas starting together.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveUser registers or updates a user. Used by seeding and tests; user
// management itself lives outside this service.
func (s *GormStore) SaveUser(u domain.User) (domain.User, error) {
	model := userToModel(u)
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "online_status"}),
	}).Create(&model).Error
	if err != nil {
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

// AddGroupMember adds a user to a group. Adding an existing member is a no-op.
func (s *GormStore) AddGroupMember(groupID, userID int64) error {
	model := GroupMemberModel{GroupID: groupID, UserID: userID, JoinedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// SaveMedia records an uploaded attachment.
func (s *GormStore) SaveMedia(m domain.Media) (domain.Media, error) {
	model := mediaToModel(m)
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Media{}, err
	}
	return mediaFromModel(model), nil
}

// GetUserByID looks up a user by id.
func (s *GormStore) GetUserByID(id int64) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "user_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetOnlineStatus persists the presence flag of a user.
func (s *GormStore) SetOnlineStatus(userID int64, online bool) error {
	res := s.db.Model(&UserModel{}).Where("user_id = ?", userID).Update("online_status", online)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.Model(&UserModel{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// ListOnlineUserIDs returns the users whose persisted flag is online.
func (s *GormStore) ListOnlineUserIDs() ([]int64, error) {
	var ids []int64
	if err := s.db.Model(&UserModel{}).Where("online_status = ?", true).Order("user_id ASC").Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ResetOnlineStatus clears every persisted online flag.
func (s *GormStore) ResetOnlineStatus() error {
	return s.db.Model(&UserModel{}).Where("online_status = ?", true).Update("online_status", false).Error
}

// ListGroupMemberIDs resolves the current members of a group.
func (s *GormStore) ListGroupMemberIDs(groupID int64) ([]int64, error) {
	var ids []int64
	if err := s.db.Model(&GroupMemberModel{}).Where("group_id = ?", groupID).Order("user_id ASC").Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// GetMedia looks up an attachment by id.
func (s *GormStore) GetMedia(id int64) (domain.Media, bool, error) {
	var model MediaModel
	if err := s.db.First(&model, "media_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Media{}, false, nil
		}
		return domain.Media{}, false, err
	}
	return mediaFromModel(model), true, nil
}

// CreateMessage persists a message and returns it with its assigned id.
func (s *GormStore) CreateMessage(msg domain.Message) (domain.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	model := messageToModel(msg)
	if err := s.db.Omit(clause.Associations).Create(&model).Error; err != nil {
		return domain.Message{}, err
	}
	out := messageFromModel(model)
	out.Media = msg.Media
	return out, nil
}

// CreateDelivery inserts a delivery record.
func (s *GormStore) CreateDelivery(d domain.Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	model := DeliveryModel{
		MessageID: d.MessageID,
		UserID:    d.UserID,
		Delivered: d.Delivered,
		CreatedAt: d.CreatedAt,
	}
	return s.db.Omit(clause.Associations).Create(&model).Error
}

// MarkDelivered claims a pending record. Only one caller wins the claim.
func (s *GormStore) MarkDelivered(messageID, userID int64) (bool, error) {
	res := s.db.Model(&DeliveryModel{}).
		Where("message_id = ? AND user_id = ? AND delivered = ?", messageID, userID, false).
		Update("delivered", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkUndelivered releases a claim after a failed push.
func (s *GormStore) MarkUndelivered(messageID, userID int64) error {
	return s.db.Model(&DeliveryModel{}).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Update("delivered", false).Error
}

// ListUndelivered returns pending records ordered by message creation.
func (s *GormStore) ListUndelivered(userID int64) ([]domain.PendingDelivery, error) {
	var rows []DeliveryModel
	err := s.db.
		Joins("JOIN messages ON messages.message_id = message_delivery.message_id").
		Where("message_delivery.user_id = ? AND message_delivery.delivered = ?", userID, false).
		Order("messages.created_at ASC, messages.message_id ASC").
		Preload("Message.Media").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.PendingDelivery, 0, len(rows))
	for _, row := range rows {
		if row.Message == nil {
			continue
		}
		res = append(res, domain.PendingDelivery{
			Delivery: domain.Delivery{
				MessageID: row.MessageID,
				UserID:    row.UserID,
				Delivered: row.Delivered,
				CreatedAt: row.CreatedAt,
			},
			Message: messageFromModel(*row.Message),
		})
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		UserID:       u.ID,
		Username:     u.Username,
		OnlineStatus: u.OnlineStatus,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.UserID,
		Username:     m.Username,
		OnlineStatus: m.OnlineStatus,
		CreatedAt:    m.CreatedAt,
	}
}

func mediaToModel(m domain.Media) MediaModel {
	return MediaModel{
		MediaID:    m.ID,
		FileName:   m.FileName,
		FileType:   m.FileType,
		FileSize:   m.FileSize,
		FilePath:   m.FilePath,
		UploadedAt: m.UploadedAt,
	}
}

func mediaFromModel(m MediaModel) domain.Media {
	return domain.Media{
		ID:         m.MediaID,
		FileName:   m.FileName,
		FileType:   m.FileType,
		FileSize:   m.FileSize,
		FilePath:   m.FilePath,
		UploadedAt: m.UploadedAt,
	}
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		GroupID:   m.GroupID,
		Content:   m.Content,
		MediaID:   m.MediaID,
		CreatedAt: m.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:        m.MessageID,
		SenderID:  m.SenderID,
		GroupID:   m.GroupID,
		Content:   m.Content,
		MediaID:   m.MediaID,
		CreatedAt: m.CreatedAt,
	}
	if m.Media != nil {
		media := mediaFromModel(*m.Media)
		msg.Media = &media
	}
	return msg
}
