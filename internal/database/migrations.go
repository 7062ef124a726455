package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/membership"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeCollaboratorRoles = "2026-10-01_normalize_collaborator_roles"
	migrationLowercaseUserEmails        = "2026-10-08_lowercase_user_emails"
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
		{name: migrationNormalizeCollaboratorRoles, apply: normalizeCollaboratorRoles},
		{name: migrationLowercaseUserEmails, apply: lowercaseUserEmails},
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
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early invitation rows stored roles in lower case; the policy table matches
// the upper-case wire names.
func normalizeCollaboratorRoles(db *gorm.DB) error {
	return db.Model(&membership.Collaborator{}).
		Where("role <> UPPER(role)").
		Update("role", gorm.Expr("UPPER(role)")).Error
}

func lowercaseUserEmails(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("email <> LOWER(email)").
		Update("email", gorm.Expr("LOWER(email)")).Error
}
