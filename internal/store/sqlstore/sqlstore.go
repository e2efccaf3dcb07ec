// Package sqlstore is the GORM-backed chat store (SQLite or MySQL). A chat
// is a row in chats plus its ordered rows in chat_messages.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/customgpt/internal/db"
	"github.com/zulandar/customgpt/internal/logging"
	"github.com/zulandar/customgpt/internal/models"
	"github.com/zulandar/customgpt/internal/store"
	"gorm.io/gorm"
)

// Store implements store.Store over a db.Handle.
type Store struct {
	handle *db.Handle
	clock  *store.Clock
	log    *logrus.Entry
}

var _ store.Store = (*Store)(nil)

// New returns a Store using h. The handle is health checked before every operation.
func New(h *db.Handle) *Store {
	return &Store{handle: h, clock: store.NewClock(), log: logging.For("sqlstore")}
}

// conn checks the backend and returns a context-bound session.
func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	if err := s.handle.HealthCheck(ctx); err != nil {
		s.log.WithError(err).Warn("health check failed")
		return nil, store.Unavailable(err)
	}
	gdb, err := s.handle.DB()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return gdb.WithContext(ctx), nil
}

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

// CreateChat inserts a chat holding only the root system message.
func (s *Store) CreateChat(ctx context.Context, name, configName string) (*models.Chat, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	name, configName = store.ChatDefaults(name, configName)
	now := s.clock.Now()
	chat := models.Chat{
		ChatID:        uuid.NewString(),
		ChatName:      name,
		ConfigName:    configName,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Messages:      []models.Message{models.NewRootMessage(now)},
	}
	if err := gdb.Create(&chat).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: create chat: %w", err)
	}
	s.log.WithField("chat_id", chat.ChatID).Debug("chat created")
	return &chat, nil
}

// ListChats returns one page of summaries, most recently updated first.
func (s *Store) ListChats(ctx context.Context, limit, skip int) (*store.ListResult, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	res := &store.ListResult{
		Chats: []models.ChatSummary{},
		Limit: store.ClampLimit(limit),
		Skip:  store.ClampSkip(skip),
	}
	if err := gdb.Model(&models.Chat{}).Count(&res.Total).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: count chats: %w", err)
	}
	err = gdb.Model(&models.Chat{}).
		Select("chat_id", "chat_name", "created_at", "last_updated_at").
		Order("last_updated_at DESC").
		Order("chat_id ASC").
		Limit(res.Limit).
		Offset(res.Skip).
		Scan(&res.Chats).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list chats: %w", err)
	}
	return res, nil
}

// GetChat returns the full chat with messages in append order.
func (s *Store) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return getChat(gdb, id)
}

// AppendMessage adds msg to the chat and bumps last_updated_at in one
// transaction. The chat row update comes first so concurrent appends to the
// same chat serialize on it.
func (s *Store) AppendMessage(ctx context.Context, id string, msg store.NewMessage) (string, *models.Chat, error) {
	if err := msg.Normalize(); err != nil {
		return "", nil, err
	}
	gdb, err := s.conn(ctx)
	if err != nil {
		return "", nil, err
	}

	messageID := uuid.NewString()
	err = gdb.Transaction(func(tx *gorm.DB) error {
		now, err := s.touch(tx, id, nil)
		if err != nil {
			return err
		}

		var next int
		if err := tx.Model(&models.Message{}).
			Where("chat_id = ?", id).
			Select("COALESCE(MAX(sequence), -1) + 1").
			Scan(&next).Error; err != nil {
			return fmt.Errorf("sqlstore: next sequence: %w", err)
		}

		m := msg.Message(messageID, now)
		m.ChatID = id
		m.Sequence = next
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("sqlstore: insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	s.log.WithFields(logrus.Fields{"chat_id": id, "message_id": messageID, "role": msg.Role}).Debug("message appended")
	chat, err := getChat(gdb, id)
	if err != nil {
		return "", nil, err
	}
	return messageID, chat, nil
}

// UpdateChatMetadata applies patch and always bumps last_updated_at.
func (s *Store) UpdateChatMetadata(ctx context.Context, id string, patch store.MetadataPatch) (*models.Chat, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if patch.ChatName != nil {
		fields["chat_name"] = *patch.ChatName
	}
	if patch.ConfigName != nil {
		fields["config_name"] = *patch.ConfigName
	}
	err = gdb.Transaction(func(tx *gorm.DB) error {
		_, err := s.touch(tx, id, fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	return getChat(gdb, id)
}

// Close tears down the underlying handle.
func (s *Store) Close(context.Context) error {
	return s.handle.Teardown()
}

// touch sets last_updated_at (plus any extra fields) on the chat row and
// returns the new timestamp.
func (s *Store) touch(tx *gorm.DB, id string, fields map[string]interface{}) (time.Time, error) {
	var current models.Chat
	err := tx.Select("chat_id", "last_updated_at").Where("chat_id = ?", id).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, store.ErrChatNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlstore: load chat: %w", err)
	}

	now := s.clock.After(current.LastUpdatedAt)
	updates := map[string]interface{}{"last_updated_at": now}
	for k, v := range fields {
		updates[k] = v
	}
	result := tx.Model(&models.Chat{}).Where("chat_id = ?", id).Updates(updates)
	if result.Error != nil {
		return time.Time{}, fmt.Errorf("sqlstore: update chat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return time.Time{}, store.ErrChatNotFound
	}
	return now, nil
}

func getChat(gdb *gorm.DB, id string) (*models.Chat, error) {
	var chat models.Chat
	err := gdb.Preload("Messages", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("sequence ASC")
	}).Where("chat_id = ?", id).Take(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get chat: %w", err)
	}
	return &chat, nil
}
