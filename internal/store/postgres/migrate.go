package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

const (
	migrationsTable     = "schema_migrations"
	migrationLocksTable = "schema_migration_locks"
)

// LoadMigrations discovers the NNNNN_name.[tx.]up.sql and down.sql pairs in
// fsys.
func LoadMigrations(fsys fs.FS) (*migrate.Migrations, error) {
	ms := migrate.NewMigrations()
	if err := ms.Discover(fsys); err != nil {
		return nil, fmt.Errorf("discover migrations: %w", err)
	}
	return ms, nil
}

// Migrate applies every pending migration from fsys and returns how many were
// applied. The migrations table is locked for the duration, so two migrate
// runs against one database fail fast instead of interleaving.
func Migrate(ctx context.Context, db *bun.DB, fsys fs.FS) (applied int, err error) {
	ms, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}

	m := migrate.NewMigrator(db, ms,
		migrate.WithTableName(migrationsTable),
		migrate.WithLocksTableName(migrationLocksTable),
		migrate.WithMarkAppliedOnSuccess(true),
	)
	if err := m.Init(ctx); err != nil {
		return 0, fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Lock(ctx); err != nil {
		return 0, err
	}
	defer func() {
		if uerr := m.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			err = errors.Join(err, fmt.Errorf("unlock migrations: %w", uerr))
		}
	}()

	group, err := m.Migrate(ctx)
	if group != nil {
		applied = len(group.Migrations)
	}
	if err != nil {
		// The group includes the migration that failed.
		if applied > 0 {
			applied--
		}
		return applied, fmt.Errorf("apply migrations: %w", err)
	}
	return applied, nil
}
