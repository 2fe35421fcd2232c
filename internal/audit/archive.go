package audit

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("audit: database handle is required")

// ArchivedEntry persists an entry evicted from the in-memory log.
type ArchivedEntry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	Action           string `gorm:"column:action;size:64;not null;index:idx_audit_archive_workspace,priority:2"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_audit_archive_workspace,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	TargetUserID     string `gorm:"column:target_user_id;size:190;not null;default:''"`
	TimestampMillis  int64  `gorm:"column:timestamp_ms;not null;index:idx_audit_archive_workspace,priority:3"`
	DetailsJSON      string `gorm:"column:details_json;type:text;not null;default:'{}'"`
	ArchivedAtMillis int64  `gorm:"column:archived_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ArchivedEntry) TableName() string {
	return "audit_archive"
}

// GormArchiver stores evicted entries in a SQL database.
type GormArchiver struct {
	db    *gorm.DB
	clock func() int64
}

// NewGormArchiver constructs an archiver backed by db.
func NewGormArchiver(db *gorm.DB, clock func() int64) (*GormArchiver, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormArchiver{db: db, clock: clock}, nil
}

// Archive inserts entries, ignoring ones already archived.
func (a *GormArchiver) Archive(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	archivedAt := int64(0)
	if a.clock != nil {
		archivedAt = a.clock()
	}
	rows := make([]ArchivedEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			continue
		}
		detailsJSON := "{}"
		if len(entry.Details) > 0 {
			encoded, err := json.Marshal(entry.Details)
			if err != nil {
				return err
			}
			detailsJSON = string(encoded)
		}
		rows = append(rows, ArchivedEntry{
			EntryID:          entry.ID,
			Action:           string(entry.Action),
			WorkspaceID:      entry.WorkspaceID,
			UserID:           entry.UserID,
			TargetUserID:     entry.TargetUserID,
			TimestampMillis:  entry.Timestamp.UnixMilli(),
			DetailsJSON:      detailsJSON,
			ArchivedAtMillis: archivedAt,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// ListArchived returns archived entries for a workspace, newest first.
func (a *GormArchiver) ListArchived(ctx context.Context, workspaceID string, limit int) ([]ArchivedEntry, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	var rows []ArchivedEntry
	err := a.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("timestamp_ms DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
