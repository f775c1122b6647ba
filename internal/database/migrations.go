package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/AshfordSecurity/carousel/internal/logger"
)

// Migration is one schema change, applied once and recorded in
// schema_migrations.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// allMigrations returns every migration in order. Append only; applied
// versions are never edited.
func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create campaigns and attempts tables",
			Up: `
				CREATE TABLE IF NOT EXISTS campaigns (
					id TEXT PRIMARY KEY,
					target_user TEXT NOT NULL,
					endpoint TEXT NOT NULL,
					verifier TEXT NOT NULL,
					state TEXT NOT NULL,
					issued BIGINT NOT NULL DEFAULT 0,
					completed BIGINT NOT NULL DEFAULT 0,
					counts TEXT NOT NULL DEFAULT '',
					concurrency INTEGER NOT NULL DEFAULT 0,
					concurrency_limit INTEGER NOT NULL DEFAULT 0,
					healthy_identities INTEGER NOT NULL DEFAULT 0,
					attempts_per_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
					started_at TIMESTAMP NOT NULL,
					finished_at TIMESTAMP,
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE TABLE IF NOT EXISTS attempts (
					id TEXT PRIMARY KEY,
					idem_key TEXT NOT NULL UNIQUE,
					campaign_id TEXT NOT NULL,
					candidate_index INTEGER NOT NULL,
					secret TEXT NOT NULL DEFAULT '',
					secret_digest TEXT NOT NULL,
					identity_id TEXT NOT NULL DEFAULT '',
					outcome TEXT NOT NULL,
					attempt INTEGER NOT NULL,
					status_code INTEGER NOT NULL DEFAULT 0,
					detail TEXT NOT NULL DEFAULT '',
					latency_ns BIGINT NOT NULL DEFAULT 0,
					timestamp TIMESTAMP NOT NULL,
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_attempts_campaign_id ON attempts(campaign_id);
				CREATE INDEX IF NOT EXISTS idx_attempts_campaign_outcome ON attempts(campaign_id, outcome);
				CREATE INDEX IF NOT EXISTS idx_campaigns_started_at ON campaigns(started_at);
			`,
		},
		{
			Version:     2,
			Description: "Record the authorizing engagement on campaigns",
			Up: `
				ALTER TABLE campaigns ADD COLUMN engagement TEXT NOT NULL DEFAULT '';
				CREATE INDEX IF NOT EXISTS idx_campaigns_engagement ON campaigns(engagement);
			`,
		},
	}
}

// MigrationRunner applies pending migrations inside per-migration
// transactions.
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{db: db, log: log.WithComponent("migrations")}
}

func (mr *MigrationRunner) Run(ctx context.Context) error {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := mr.appliedVersions(ctx)
	if err != nil {
		return err
	}

	migrations := allMigrations()
	sort.Slice(migrations, func(a, b int) bool {
		return migrations[a].Version < migrations[b].Version
	})

	pending := 0
	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := mr.apply(ctx, migration); err != nil {
			return fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Description, err)
		}
		pending++
	}

	if pending > 0 {
		mr.log.Infow("Schema migrations applied", "count", pending)
	}
	return nil
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	_, err := mr.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) appliedVersions(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations"); err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (mr *MigrationRunner) apply(ctx context.Context, migration Migration) error {
	mr.log.Infow("Applying migration",
		"version", migration.Version,
		"description", migration.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at)
		 VALUES (:version, :description, :applied_at)`,
		map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
			"applied_at":  time.Now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
