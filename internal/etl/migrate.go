// Package etl wires the extract, transform, load and view stages into a
// sequential pipeline and records every stage in a run log.
package etl

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/db"
	"github.com/sells-group/credits-etl/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID serializes concurrent migrate invocations across processes.
const migrationLockID = 8675309

// Migrate applies pending SQL migrations in filename order. The etl schema
// and its schema_migrations table are created first if missing.
func Migrate(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "etl.migrate"))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return model.NewError(model.KindStoreConnectivity, "etl: acquire migration lock", err)
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("failed to release migration lock", zap.Error(err))
		}
	}()

	if err := ensureMigrationTable(ctx, pool); err != nil {
		return err
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "etl: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))

		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return model.NewError(model.KindStoreConnectivity, "etl: apply migration "+name, err)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO etl.schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return model.NewError(model.KindStoreConnectivity, "etl: record migration "+name, err)
		}
	}

	log.Info("migrations up to date", zap.Int("available", len(names)), zap.Int("previously_applied", len(applied)))
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "etl: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	// Zero-padded names sort numerically.
	sort.Strings(names)
	return names, nil
}

func ensureMigrationTable(ctx context.Context, pool db.Pool) error {
	sql := `
		CREATE SCHEMA IF NOT EXISTS etl;
		CREATE TABLE IF NOT EXISTS etl.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := pool.Exec(ctx, sql); err != nil {
		return model.NewError(model.KindStoreConnectivity, "etl: ensure migration table", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool db.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM etl.schema_migrations")
	if err != nil {
		return nil, model.NewError(model.KindStoreConnectivity, "etl: query applied migrations", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "etl: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
