package db

import (
	"fmt"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model in migration order. Mutable tables
// first, then the append-only audit tables.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.TaskGroup{},
		&models.TaskGroupDep{},
		&models.ReviewCycle{},
		&models.Issue{},
		&models.MergeAttempt{},
		&models.ValidatorVerdict{},
		&models.Event{},
		&models.Notice{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
