// Package store opens and migrates the engine database.
package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/veildesk/veildesk/pkg/models"
)

// Open connects to the configured database. driver is "sqlite" or
// "postgres"; sqlite serves dev and tests, postgres production.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unknown db driver %q", driver)
	}
}

// Migrate creates or updates the engine's tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Balance{},
		&models.Order{},
		&models.Match{},
		&models.Counter{},
		&models.AccessGrant{},
		&models.ComplianceRecord{},
		&models.JournalEntry{},
	)
}

// NextID hands out the next id from a named monotonic counter. Ids are
// strictly increasing and never reused. Callers run inside the engine's
// serialized section, so read-increment-write is safe.
func NextID(tx *gorm.DB, name string) (uint64, error) {
	counter := models.Counter{Name: name}
	if err := tx.FirstOrCreate(&counter, models.Counter{Name: name}).Error; err != nil {
		return 0, err
	}
	counter.Value++
	if err := tx.Save(&counter).Error; err != nil {
		return 0, err
	}
	return counter.Value, nil
}
