package database

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/reportmail/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryPath opens a private in-memory database; used by tests.
const MemoryPath = "file::memory:"

// Open connects to the sqlite database at dbPath and migrates the schema.
func Open(dbPath string) (*gorm.DB, error) {
	if dbPath != MemoryPath {
		// Ensure the directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// A single connection keeps sqlite writes serialized and lets the in-memory
	// database survive between queries.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	slog.Debug("database initialized", "path", dbPath)
	return db, nil
}

// Migrate creates or updates the tables used by reportmail.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Watermark{},
		&models.Entry{},
		&models.RunLog{},
		&models.Lease{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}

	return sqlDB.Close()
}
