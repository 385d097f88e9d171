package database

import (
	"fmt"
	"log/slog"

	"github.com/web-casa/dockwatch/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Init opens the SQLite database and runs auto-migration
func Init(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	// WAL keeps audit writes from blocking the paginated reads
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.Exec("PRAGMA journal_mode=WAL")

	if err := db.AutoMigrate(&model.AuditLog{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	slog.Info("database initialized", "path", dbPath)
	return db, nil
}
