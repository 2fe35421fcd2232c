package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/teamshare/internal/audit"
	"github.com/MarcoPoloResearchLab/teamshare/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeArchiveDetails = "2024-06-01_normalize_audit_archive_details"
	migrationBackfillIdentitySeen    = "2024-06-01_backfill_identity_last_seen"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationNormalizeArchiveDetails, apply: normalizeArchiveDetails},
	{name: migrationBackfillIdentitySeen, apply: backfillIdentityLastSeen},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeArchiveDetails rewrites empty detail payloads to an empty JSON object.
func normalizeArchiveDetails(db *gorm.DB) error {
	return db.Model(&audit.ArchivedEntry{}).
		Where("details_json IS NULL OR TRIM(details_json) = ''").
		Update("details_json", "{}").Error
}

func backfillIdentityLastSeen(db *gorm.DB) error {
	return db.Model(&users.Identity{}).
		Where("last_seen_at IS NULL").
		Update("last_seen_at", gorm.Expr("created_at")).Error
}
