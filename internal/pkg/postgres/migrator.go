package postgres

import (
	"context"
	"fmt"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
	"time"
)

type MigrationConfig struct {
	Timeout   time.Duration `json:"timeout"`
	TableName string        `json:"table_name"`
	Enabled   bool          `json:"enabled"`
}

type Migrator struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
	config *MigrationConfig
}

func NewMigrator(pool *pgxpool.Pool, config *MigrationConfig, logger *logger.Logger) *Migrator {
	return &Migrator{
		pool:   pool,
		logger: logger.Component("postgres/migrator"),
		config: config,
	}
}

// RunMigrations applies every embedded migration newer than the stored version.
func (m *Migrator) RunMigrations(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("migrations disabled, skipping")
		return nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	return m.withMigrator(ctx, func(migrator *migrate.Migrator) error {
		if err := migrator.LoadMigrations(migrations.MigrationFiles); err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}

		current, err := migrator.GetCurrentVersion(ctx)
		if err != nil {
			return fmt.Errorf("get current version: %w", err)
		}

		latest := int32(len(migrator.Migrations))
		if current >= latest {
			m.logger.Info("database schema up to date",
				"current_version", current,
				"latest_version", latest)
			return nil
		}

		migrator.OnStart = func(sequence int32, name, direction, _ string) {
			m.logger.Info("applying migration",
				"sequence", sequence,
				"name", name,
				"direction", direction)
		}

		if err = migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}

		final, err := migrator.GetCurrentVersion(ctx)
		if err != nil {
			return fmt.Errorf("get final version: %w", err)
		}

		m.logger.Info("migrations completed",
			"from_version", current,
			"to_version", final,
			"duration", time.Since(start))
		return nil
	})
}

func (m *Migrator) GetCurrentVersion(ctx context.Context) (int32, error) {
	var version int32
	err := m.withMigrator(ctx, func(migrator *migrate.Migrator) error {
		v, err := migrator.GetCurrentVersion(ctx)
		version = v
		return err
	})
	return version, err
}

func (m *Migrator) Health(ctx context.Context) error {
	if _, err := m.GetCurrentVersion(ctx); err != nil {
		return fmt.Errorf("migration health check failed: %w", err)
	}
	return nil
}

func (m *Migrator) withMigrator(ctx context.Context, fn func(*migrate.Migrator) error) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	migrator, err := migrate.NewMigrator(ctx, conn.Conn(), m.config.TableName)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	return fn(migrator)
}
