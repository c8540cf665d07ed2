package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DBConfig holds configuration options for database initialization
type DBConfig struct {
	// Path is the database file, or MemoryPath.
	Path     string
	LogLevel logger.LogLevel
}

// InitDatabase opens a SQLite database. The caller runs migrations.
func InitDatabase(config DBConfig) (*gorm.DB, error) {
	dsn := config.Path
	if config.Path != MemoryPath {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create data directory", "layer", "db", "dir", dir, "error", err)
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(config.LogLevel),
	})
	if err != nil {
		slog.Error("Failed to connect to database", "layer", "db", "dsn", dsn, "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Path == MemoryPath {
		// Every pooled connection would otherwise see its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	// The webhook server and CLI commands may write concurrently.
	pragmas := "PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;"
	if config.Path != MemoryPath {
		pragmas += `
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous  = NORMAL;`
	}
	if err := db.Exec(pragmas).Error; err != nil {
		slog.Error("Failed to configure database", "layer", "db", "error", err)
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	return db, nil
}
