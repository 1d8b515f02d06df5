package db

import (
	"errors"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cpapsync/internal/config"
)

// Connect opens a GORM database connection using CPAP_DATABASE_URL (PostgreSQL URL).
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("CPAP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("CPAP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the history, current-state and key tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{}, &Room{}, &APIKey{})
}

// EnsureBootstrapAPIKeys makes sure every token configured in the
// environment has a matching key row. A key whose prefix already exists is
// re-hashed and re-activated so rotating the secret in the environment
// takes effect on restart.
func EnsureBootstrapAPIKeys(db *gorm.DB, cfg *config.Config) error {
	for role, token := range cfg.BootstrapTokens() {
		if token == "" {
			continue
		}
		want, err := NewAPIKey("bootstrap-"+role, role, token)
		if err != nil {
			return err
		}

		// Use Find so "not found" doesn't log as error.
		var existing APIKey
		if err := db.Where("prefix = ?", want.Prefix).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if existing.ID == 0 {
			if err := db.Create(want).Error; err != nil {
				return err
			}
			continue
		}

		existing.Name = want.Name
		existing.Role = want.Role
		existing.SecretHash = want.SecretHash
		existing.Active = true
		if err := db.Save(&existing).Error; err != nil {
			return err
		}
	}
	return nil
}
