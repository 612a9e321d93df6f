package database

import (
	"errors"
	"time"

	"github.com/pablormago/SpotsAndroid-public-sub002/internal/spots"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCommentCountSentinel = "2026-10-01_comment_count_sentinel"
	migrationBlankVisibility      = "2026-10-01_blank_visibility"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCommentCountSentinel, apply: resolveCommentCountSentinel},
		{name: migrationBlankVisibility, apply: defaultBlankVisibility},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// resolveCommentCountSentinel rewrites rows that stored "needs backfill" as a negative
// count into the explicit unresolved state.
func resolveCommentCountSentinel(db *gorm.DB) error {
	return db.Model(&spots.Spot{}).
		Where("comment_count < 0").
		Updates(map[string]any{"comment_count": 0, "comment_count_resolved": false}).Error
}

func defaultBlankVisibility(db *gorm.DB) error {
	return db.Model(&spots.Spot{}).
		Where("visibility = ''").
		Update("visibility", string(spots.VisibilityPublic)).Error
}
