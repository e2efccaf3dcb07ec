// Package store defines chat persistence. Backends live in sqlstore and
// mongostore; both keep one logical document per chat.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/customgpt/internal/models"
)

var (
	// ErrDBUnavailable means the backend failed its health check.
	ErrDBUnavailable = errors.New("store: database unavailable")
	// ErrChatNotFound means no chat has the given id.
	ErrChatNotFound = errors.New("store: chat not found")
	// ErrInvalidInput means the request was malformed.
	ErrInvalidInput = errors.New("store: invalid input")
)

// List paging bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store persists chats. Every operation checks the backend first and fails
// with ErrDBUnavailable instead of queueing or retrying.
type Store interface {
	Ping(ctx context.Context) error
	CreateChat(ctx context.Context, name, configName string) (*models.Chat, error)
	ListChats(ctx context.Context, limit, skip int) (*ListResult, error)
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	AppendMessage(ctx context.Context, id string, msg NewMessage) (string, *models.Chat, error)
	UpdateChatMetadata(ctx context.Context, id string, patch MetadataPatch) (*models.Chat, error)
	Close(ctx context.Context) error
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	Role            string `json:"role"`
	InteractionType string `json:"interaction_type"`
	MessageContent  string `json:"message_content"`
	ParentID        string `json:"parent_id,omitempty"`
	Status          string `json:"status,omitempty"`
}

// Normalize validates m and fills parent and status defaults.
func (m *NewMessage) Normalize() error {
	var missing []string
	if m.Role == "" {
		missing = append(missing, "role")
	}
	if m.InteractionType == "" {
		missing = append(missing, "interaction_type")
	}
	if m.MessageContent == "" {
		missing = append(missing, "message_content")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	if !models.ValidRole(m.Role) {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, m.Role)
	}
	if !models.ValidInteractionType(m.InteractionType) {
		return fmt.Errorf("%w: unknown interaction_type %q", ErrInvalidInput, m.InteractionType)
	}
	if m.ParentID == "" {
		m.ParentID = models.RootMessageID
	}
	if m.Status == "" {
		m.Status = models.StatusSuccess
	}
	if !models.ValidStatus(m.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, m.Status)
	}
	return nil
}

// Message builds the stored message. Call Normalize first.
func (m NewMessage) Message(id string, at time.Time) models.Message {
	return models.Message{
		MessageID:       id,
		InteractionType: m.InteractionType,
		Role:            m.Role,
		CreatedAt:       at,
		MessageContent:  m.MessageContent,
		ParentID:        m.ParentID,
		Status:          m.Status,
	}
}

// MetadataPatch is a partial chat update. Nil fields are left alone.
type MetadataPatch struct {
	ChatName   *string `json:"chat_name,omitempty"`
	ConfigName *string `json:"config_name,omitempty"`
}

// ListResult is a page of chat summaries.
type ListResult struct {
	Chats []models.ChatSummary `json:"chats"`
	Total int64                `json:"total"`
	Limit int                  `json:"limit"`
	Skip  int                  `json:"skip"`
}

// ClampLimit applies the default and upper bound to a list limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// ClampSkip floors skip at zero.
func ClampSkip(skip int) int {
	if skip < 0 {
		return 0
	}
	return skip
}

// ChatDefaults applies the default chat and config names.
func ChatDefaults(name, configName string) (string, string) {
	if strings.TrimSpace(name) == "" {
		name = models.DefaultChatName
	}
	if strings.TrimSpace(configName) == "" {
		configName = models.DefaultConfigName
	}
	return name, configName
}

// Unavailable wraps a health check failure as ErrDBUnavailable.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
}
