package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/access"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/projects"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillOwnerMemberships = "2026-03-01_backfill_owner_memberships"

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
		{name: migrationBackfillOwnerMemberships, apply: backfillOwnerMemberships},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// backfillOwnerMemberships gives every project owner an owner-role membership row.
func backfillOwnerMemberships(tx *gorm.DB) error {
	if err := tx.Model(&projects.Member{}).
		Where("role <> ? AND EXISTS (SELECT 1 FROM projects p WHERE p.project_id = project_members.project_id AND p.owner_id = project_members.user_id)", access.RoleOwner).
		Update("role", access.RoleOwner).Error; err != nil {
		return err
	}

	var orphaned []projects.Project
	if err := tx.
		Where("NOT EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = projects.project_id AND m.user_id = projects.owner_id)").
		Find(&orphaned).Error; err != nil {
		return err
	}
	idProvider := ids.NewUUIDProvider()
	for _, project := range orphaned {
		memberID, err := idProvider.NewID()
		if err != nil {
			return err
		}
		member := projects.Member{
			MemberID:  memberID,
			ProjectID: project.ProjectID,
			UserID:    project.OwnerID,
			Role:      access.RoleOwner,
			InvitedBy: project.OwnerID,
			JoinedAt:  project.CreatedAt,
		}
		if err := tx.Create(&member).Error; err != nil {
			return err
		}
	}
	return nil
}
