package models

import "time"

// RootMessageID is the id of the synthetic system message every chat starts with.
// Messages without an explicit parent hang off it.
const RootMessageID = "root"

// Defaults applied when a chat is created without explicit metadata.
const (
	DefaultChatName   = "New Chat"
	DefaultConfigName = "default"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Interaction types.
const (
	InteractionChat       = "chat"
	InteractionCompletion = "completion"
)

// Message statuses.
const (
	StatusSuccess     = "success"
	StatusFailure     = "failure"
	StatusInterrupted = "interrupted"
)

// Chat is one persisted transcript. Both store backends serialize it as a
// single document; the gorm backend splits messages into their own table.
type Chat struct {
	ChatID        string    `gorm:"primaryKey;size:36" json:"chat_id" bson:"chat_id"`
	ChatName      string    `gorm:"size:256;not null" json:"chat_name" bson:"chat_name"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at" bson:"created_at"`
	LastUpdatedAt time.Time `gorm:"not null;index" json:"last_updated_at" bson:"last_updated_at"`
	ConfigName    string    `gorm:"size:128;not null" json:"config_name" bson:"config_name"`

	Messages []Message `gorm:"foreignKey:ChatID;references:ChatID" json:"messages" bson:"messages"`
}

// Message is a single turn in a chat. ParentID links messages into a tree
// rooted at RootMessageID.
type Message struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"-" bson:"-"`
	ChatID   string `gorm:"size:36;not null;index:idx_chat_sequence,priority:1" json:"-" bson:"-"`
	Sequence int    `gorm:"not null;index:idx_chat_sequence,priority:2" json:"-" bson:"-"`

	MessageID       string    `gorm:"size:64;not null" json:"message_id" bson:"message_id"`
	InteractionType string    `gorm:"size:16;not null" json:"interaction_type" bson:"interaction_type"`
	Role            string    `gorm:"size:16;not null" json:"role" bson:"role"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at" bson:"created_at"`
	MessageContent  string    `gorm:"type:mediumtext" json:"message_content" bson:"message_content"`
	ParentID        string    `gorm:"size:64" json:"parent_id" bson:"parent_id"`
	Status          string    `gorm:"size:16;not null" json:"status" bson:"status"`
}

// TableName pins the gorm table for messages.
func (Message) TableName() string { return "chat_messages" }

// ChatSummary is the list projection of a chat.
type ChatSummary struct {
	ChatID        string    `json:"chat_id" bson:"chat_id"`
	ChatName      string    `json:"chat_name" bson:"chat_name"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at" bson:"last_updated_at"`
}

// Summary returns the list projection of c.
func (c *Chat) Summary() ChatSummary {
	return ChatSummary{
		ChatID:        c.ChatID,
		ChatName:      c.ChatName,
		CreatedAt:     c.CreatedAt,
		LastUpdatedAt: c.LastUpdatedAt,
	}
}

// LastMessage returns the most recently appended message, or nil.
func (c *Chat) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// NewRootMessage builds the synthetic system message a chat starts with.
func NewRootMessage(at time.Time) Message {
	return Message{
		MessageID:       RootMessageID,
		InteractionType: InteractionChat,
		Role:            RoleSystem,
		CreatedAt:       at,
		MessageContent:  "",
		ParentID:        "",
		Status:          StatusSuccess,
	}
}

// ValidRole reports whether r is a known message role.
func ValidRole(r string) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ValidInteractionType reports whether t is a known interaction type.
func ValidInteractionType(t string) bool {
	return t == InteractionChat || t == InteractionCompletion
}

// ValidStatus reports whether s is a known message status.
func ValidStatus(s string) bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusInterrupted:
		return true
	}
	return false
}
