package db

import (
	"fmt"

	"github.com/zulandar/donorlink/internal/config"
	"github.com/zulandar/donorlink/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the store holds.
func AllModels() []interface{} {
	return []interface{}{
		&models.Request{},
		&models.Pledge{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// OpenMemory opens a migrated in-memory sqlite store.
func OpenMemory() (*gorm.DB, error) {
	gdb, err := Connect(config.DatabaseConfig{Driver: config.DriverSQLite, Path: ":memory:"})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}
