package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/teamshare/internal/audit"
	"github.com/MarcoPoloResearchLab/teamshare/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite opens the SQLite file holding the audit archive and user
// identities, then brings its schema up to date.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, zapLogger); err != nil {
		return nil, err
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates the tables and applies pending data migrations.
func Migrate(db *gorm.DB, zapLogger *zap.Logger) error {
	if err := db.AutoMigrate(&audit.ArchivedEntry{}, &users.Identity{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, zapLogger)
}
