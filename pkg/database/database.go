// Package database opens the SQLite database in which the Layer Graph,
// the step cache index and the image catalog are persisted.
package database

import (
	"context"
	"database/sql"
	"log"

	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "layer_graph",
		statements: []string{
			`CREATE TABLE layers (
				id TEXT PRIMARY KEY,
				parent TEXT REFERENCES layers(id),
				step_fingerprint TEXT NOT NULL,
				blob BLOB NOT NULL
			)`,
			`CREATE INDEX layers_parent ON layers(parent)`,
		},
	},
	{
		version: 2,
		name:    "step_cache",
		statements: []string{
			`CREATE TABLE cache_entries (
				cache_key TEXT PRIMARY KEY,
				layer_id TEXT NOT NULL,
				last_used INTEGER NOT NULL
			)`,
			`CREATE INDEX cache_entries_last_used ON cache_entries(last_used)`,
		},
	},
	{
		version: 3,
		name:    "image_catalog",
		statements: []string{
			`CREATE TABLE images (
				reference TEXT PRIMARY KEY,
				image_id TEXT NOT NULL,
				created INTEGER NOT NULL
			)`,
		},
	},
}

// Open a SQLite database, creating it if it does not exist, and bring
// its schema up to date.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to open database %#v", path)
	}
	// SQLite permits a single writer. Serializing access in the
	// connection pool prevents SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to configure database %#v", path)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, util.StatusWrapf(err, "Failed to migrate database %#v", path)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		)
	`); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create schema_migrations table")
	}
	var currentVersion int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to obtain schema version")
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		log.Printf("Applying database migration %d: %s", m.version, m.name)
		if err := applyMigration(ctx, db, &m); err != nil {
			return util.StatusWrapf(err, "Failed to apply migration %d (%s)", m.version, m.name)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m *migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to start transaction")
	}
	defer tx.Rollback()

	for _, statement := range m.statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to execute statement")
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to record migration")
	}
	if err := tx.Commit(); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to commit transaction")
	}
	return nil
}
