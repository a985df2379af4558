package database

import (
	"errors"
	"time"

	"github.com/AniOM76/om76-mcss/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationResetOrphanedActiveJobs = "2026-08-10_reset_orphaned_active_jobs"

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
		{name: migrationResetOrphanedActiveJobs, apply: resetOrphanedActiveJobs},
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

// resetOrphanedActiveJobs re-queues jobs a previous process left mid-flight
// so an unclean shutdown never strands work in the active state.
func resetOrphanedActiveJobs(db *gorm.DB) error {
	return db.Model(&queue.SyncJob{}).
		Where("status = ?", queue.JobStatusActive).
		Update("status", queue.JobStatusPending).Error
}
