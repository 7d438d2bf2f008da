package database

import (
	"errors"
	"strings"
	"time"

	"github.com/sodar-core/sodar-sync/internal/projects"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedProjectRoles   = "2024-03-11_seed_project_roles"
	migrationTrimRemoteSiteURLs = "2024-06-02_trim_remote_site_urls"
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
		{name: migrationSeedProjectRoles, apply: seedProjectRoles},
		{name: migrationTrimRemoteSiteURLs, apply: trimRemoteSiteURLs},
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

func seedProjectRoles(db *gorm.DB) error {
	roles := make([]projects.Role, len(projects.DefaultRoles))
	copy(roles, projects.DefaultRoles)
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&roles).Error
}

func trimRemoteSiteURLs(db *gorm.DB) error {
	var sites []remotesites.RemoteSite
	if err := db.Where("url LIKE ?", "%/").Find(&sites).Error; err != nil {
		return err
	}
	for _, site := range sites {
		trimmed := strings.TrimRight(site.URL, "/")
		if err := db.Model(&remotesites.RemoteSite{}).
			Where("id = ?", site.ID).
			Update("url", trimmed).Error; err != nil {
			return err
		}
	}
	return nil
}
