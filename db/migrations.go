package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Migration is a data fix applied once, after the tables exist.
type Migration struct {
	ID   int
	Name string
	Up   func(*gorm.DB) error
}

// allMigrations is applied in order.
var allMigrations = []Migration{
	{
		ID:   1,
		Name: "0001_default_triggered_by",
		Up:   migration0001DefaultTriggeredBy,
	},
}

// AllModels returns every model managed by AutoMigrate.
func AllModels() []any {
	return []any{
		&MigrationModel{},
		&DeploymentModel{},
		&BuildJobModel{},
	}
}

// AutoMigrateAll creates or updates all tables, then applies pending migrations.
func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return err
	}
	return RunMigrations(db, len(allMigrations))
}

// RunMigrations applies migrations up to and including targetID; 0 or
// less applies all of them.
func RunMigrations(db *gorm.DB, targetID int) error {
	if targetID <= 0 {
		targetID = len(allMigrations)
	}
	for _, migration := range allMigrations {
		if migration.ID > targetID {
			break
		}
		applied, err := migrationApplied(db, migration.Name)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", migration.Name, err)
		}
		if applied {
			continue
		}
		if err := migration.Up(db); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
		}
		if err := recordMigration(db, migration.Name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
		}
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var count int64
	err := db.Model(&MigrationModel{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func recordMigration(db *gorm.DB, name string) error {
	return db.Create(&MigrationModel{Name: name, AppliedAt: time.Now()}).Error
}

// migration0001DefaultTriggeredBy fills rows written before the column
// had a default.
func migration0001DefaultTriggeredBy(db *gorm.DB) error {
	return db.Exec("UPDATE deployments SET triggered_by = 'cli' WHERE triggered_by IS NULL OR triggered_by = ''").Error
}
