package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/movieguru/internal/movies"
	"github.com/MarcoPoloResearchLab/movieguru/internal/settings"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropUnscopedMovies      = "2026-09-14_drop_unscoped_movie_cache"
	migrationNormalizeDarkThemeNames = "2026-10-02_normalize_dark_theme_config"
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
		{name: migrationDropUnscopedMovies, apply: dropUnscopedMovies},
		{name: migrationNormalizeDarkThemeNames, apply: normalizeDarkThemeConfig},
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

// dropUnscopedMovies removes cache rows written before results were
// partitioned per session. No live stream can read them.
func dropUnscopedMovies(db *gorm.DB) error {
	return db.Where("scope = ?", "").Delete(&movies.MovieRecord{}).Error
}

func normalizeDarkThemeConfig(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&settings.Record{}).
			Where("1 = 1").
			Update("dark_theme_config", gorm.Expr("lower(trim(dark_theme_config))")).Error; err != nil {
			return err
		}
		known := []string{
			string(settings.DarkThemeFollowSystem),
			string(settings.DarkThemeLight),
			string(settings.DarkThemeDark),
		}
		return tx.Model(&settings.Record{}).
			Where("dark_theme_config NOT IN ?", known).
			Update("dark_theme_config", string(settings.DarkThemeFollowSystem)).Error
	})
}
