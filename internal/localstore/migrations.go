package localstore

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillNextAttempt = "2026-04-18_backfill_action_next_attempt"

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
		{name: migrationBackfillNextAttempt, apply: backfillActionNextAttempt},
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
			logger.Info("local store migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Actions written before the backoff gate existed carry a zero next-attempt
// time; treat them as immediately due.
func backfillActionNextAttempt(db *gorm.DB) error {
	return db.Model(&SyncAction{}).
		Where("next_attempt_s = 0 AND status = ?", ActionPending).
		Update("next_attempt_s", gorm.Expr("enqueued_at_s")).Error
}
