// Package db opens the local SQLite history database.
package db

import (
	"context"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the history database at path and brings its schema up to date.
func InitDB(path string) (*gorm.DB, error) {
	slog.Debug("Initializing database", "layer", "db", "path", path)

	db, err := InitDatabase(DBConfig{
		Path:     path,
		LogLevel: getGormLogLevel(),
	})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrateAll(db); err != nil {
		return nil, err
	}

	slog.Debug("Database initialized successfully", "layer", "db", "path", path)
	return db, nil
}

// getGormLogLevel follows the application log level; SQL statements are
// shown only at debug.
func getGormLogLevel() logger.LogLevel {
	log := slog.Default()
	switch {
	case log.Enabled(context.TODO(), slog.LevelDebug):
		return logger.Info
	case log.Enabled(context.TODO(), slog.LevelWarn):
		return logger.Warn
	case log.Enabled(context.TODO(), slog.LevelError):
		return logger.Error
	default:
		return logger.Silent
	}
}
