package migrations

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const migrationsTable = "stagetrack_schema_migrations"

// RunMigrationsUp applies all pending up migrations from the embedded files.
func RunMigrationsUp(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	m, closeFn, err := newMigrate(pool)
	if err != nil {
		return err
	}
	defer closeFn()

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read current schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty, fix it before migrating", from)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	to, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.Info("database schema up to date", zap.Uint("from_version", from), zap.Uint("version", to))
	return nil
}

// Version reports the applied schema version and whether it is dirty.
func Version(pool *pgxpool.Pool) (version uint, dirty bool, err error) {
	m, closeFn, err := newMigrate(pool)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrate(pool *pgxpool.Pool) (*migrate.Migrate, func(), error) {
	sourceDriver, err := iofs.New(migrationFiles, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("create iofs driver: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	dbDriver, err := pgx.WithInstance(sqlDB, &pgx.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("create pgx migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		_ = dbDriver.Close()
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, func() {
		_, _ = m.Close()
		_ = sqlDB.Close()
	}, nil
}
