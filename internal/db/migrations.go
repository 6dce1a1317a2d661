package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Migration represents a single database migration.
type Migration struct {
	Version    int64    // ordering key
	Name       string   // human-readable name
	Statements []string // SQL statements, applied in order inside one transaction
}

// Migrations returns the full ordered migration list for the dialect.
func Migrations(d Dialect) []Migration {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	return []Migration{
		{
			Version: 1,
			Name:    "initial_schema",
			Statements: []string{
				fmt.Sprintf(`CREATE TABLE authors (
	id %s,
	login TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
)`, pk),
				fmt.Sprintf(`CREATE TABLE author_tokens (
	id %s,
	author_id BIGINT NOT NULL REFERENCES authors(id),
	token TEXT NOT NULL UNIQUE
)`, pk),
				fmt.Sprintf(`CREATE TABLE crates (
	id %s,
	name TEXT NOT NULL UNIQUE,
	normalized_name TEXT NOT NULL UNIQUE,
	description TEXT,
	documentation TEXT,
	homepage TEXT,
	repository TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, pk),
				fmt.Sprintf(`CREATE TABLE crate_versions (
	id %s,
	crate_id BIGINT NOT NULL REFERENCES crates(id),
	vers TEXT NOT NULL,
	cksum TEXT NOT NULL,
	features TEXT NOT NULL DEFAULT '{}',
	links TEXT,
	yanked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (crate_id, vers)
)`, pk),
				`CREATE INDEX idx_crate_versions_crate_id ON crate_versions(crate_id)`,
				fmt.Sprintf(`CREATE TABLE version_dependencies (
	id %s,
	version_id BIGINT NOT NULL REFERENCES crate_versions(id),
	name TEXT NOT NULL,
	req TEXT NOT NULL,
	features TEXT NOT NULL DEFAULT '[]',
	optional BOOLEAN NOT NULL DEFAULT FALSE,
	default_features BOOLEAN NOT NULL DEFAULT TRUE,
	target TEXT,
	kind TEXT NOT NULL DEFAULT 'normal',
	registry TEXT,
	package TEXT
)`, pk),
				`CREATE INDEX idx_version_dependencies_version_id ON version_dependencies(version_id)`,
				fmt.Sprintf(`CREATE TABLE keywords (
	id %s,
	name TEXT NOT NULL UNIQUE
)`, pk),
				fmt.Sprintf(`CREATE TABLE crate_keywords (
	id %s,
	crate_id BIGINT NOT NULL REFERENCES crates(id),
	keyword_id BIGINT NOT NULL REFERENCES keywords(id),
	UNIQUE (crate_id, keyword_id)
)`, pk),
				fmt.Sprintf(`CREATE TABLE categories (
	id %s,
	name TEXT NOT NULL UNIQUE
)`, pk),
				fmt.Sprintf(`CREATE TABLE crate_categories (
	id %s,
	crate_id BIGINT NOT NULL REFERENCES crates(id),
	category_id BIGINT NOT NULL REFERENCES categories(id),
	UNIQUE (crate_id, category_id)
)`, pk),
				fmt.Sprintf(`CREATE TABLE crate_owners (
	id %s,
	crate_id BIGINT NOT NULL REFERENCES crates(id),
	author_id BIGINT NOT NULL REFERENCES authors(id),
	UNIQUE (crate_id, author_id)
)`, pk),
				fmt.Sprintf(`CREATE TABLE crate_authors (
	id %s,
	crate_id BIGINT NOT NULL REFERENCES crates(id),
	author_id BIGINT NOT NULL REFERENCES authors(id),
	UNIQUE (crate_id, author_id)
)`, pk),
			},
		},
		{
			Version: 2,
			Name:    "download_counters",
			Statements: []string{
				`ALTER TABLE crates ADD COLUMN downloads BIGINT NOT NULL DEFAULT 0`,
				`ALTER TABLE crate_versions ADD COLUMN downloads BIGINT NOT NULL DEFAULT 0`,
			},
		},
	}
}

// Migrate applies all pending migrations in order, each inside its own
// transaction.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL
)`); err != nil {
		return fmt.Errorf("initialize migrations table: %w", err)
	}

	applied := make(map[int64]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}

	pending := 0
	for _, m := range Migrations(db.Dialect) {
		if applied[m.Version] {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		db.logger.Info("applied migration",
			zap.Int64("version", m.Version),
			zap.String("name", m.Name))
		pending++
	}
	if pending == 0 {
		db.logger.Debug("no pending migrations")
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		db.Dialect.Rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, CURRENT_TIMESTAMP)`),
		m.Version, m.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
