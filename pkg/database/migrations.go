package database

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/config"
)

// RunMigrations executes pending metadata-table migrations for the given
// relational backend. It is idempotent: only pending migrations run.
func RunMigrations(db *sql.DB, backend config.Backend, migrationsPath string, logger *zap.Logger) error {
	var (
		m   *migrate.Migrate
		err error
	)
	switch backend {
	case config.BackendPostgres:
		d, derr := migratepostgres.WithInstance(db, &migratepostgres.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create migration driver: %w", derr)
		}
		m, err = migrate.NewWithDatabaseInstance(
			fmt.Sprintf("file://%s", filepath.Join(migrationsPath, "postgres")),
			"postgres", d)
	case config.BackendMySQL:
		d, derr := migratemysql.WithInstance(db, &migratemysql.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create migration driver: %w", derr)
		}
		m, err = migrate.NewWithDatabaseInstance(
			fmt.Sprintf("file://%s", filepath.Join(migrationsPath, "mysql")),
			"mysql", d)
	default:
		return fmt.Errorf("migrations are relational-only, got backend %q", backend)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("Failed to close migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("Failed to close migration database", zap.Error(dbErr))
		}
	}()

	err = m.Up()
	if err == migrate.ErrNoChange {
		logger.Info("No migrations to apply (metadata tables up-to-date)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, _ := m.Version()
	logger.Info("Applied metadata migrations", zap.Uint("version", newVersion))
	return nil
}
