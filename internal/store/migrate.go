package store

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/ifuryst/autoreel/internal/models"
)

// AutoMigrate creates or updates every table the pipeline owns.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Workflow{},
		&models.Schedule{},
		&models.QueueEntry{},
		&models.History{},
		&models.PlatformAccount{},
		&models.Profile{},
		&models.ErrorLog{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
