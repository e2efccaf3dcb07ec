package db

import (
	"fmt"

	"github.com/zulandar/customgpt/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the GORM models backing the chat store.
func AllModels() []interface{} {
	return []interface{}{
		&models.Chat{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates the chat tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
