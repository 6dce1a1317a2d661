// Package db implements the relational metadata store: the authoritative
// record of crates, versions, dependencies, keywords, categories, authors
// and ownership. It runs on PostgreSQL (pgx) or SQLite (mattn/go-sqlite3),
// selected by the connection string scheme.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Dialect identifies the SQL dialect in use.
type Dialect int

const (
	// DialectSQLite is the embedded SQLite backend.
	DialectSQLite Dialect = iota
	// DialectPostgres is the PostgreSQL backend.
	DialectPostgres
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// Rebind rewrites a query using ? placeholders into the dialect's
// placeholder style. SQLite keeps ?; PostgreSQL gets $1..$n.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB wraps a sql.DB with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect

	logger *zap.Logger
}

// Open connects to the database described by the URL and configures the
// connection pool. Supported schemes: "postgres://", "postgresql://" and
// "sqlite://<path>".
func Open(url string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		conn    *sql.DB
		dialect Dialect
		err     error
	)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialect = DialectPostgres
		conn, err = sql.Open("pgx", url)
	case strings.HasPrefix(url, "sqlite://"):
		dialect = DialectSQLite
		path := strings.TrimPrefix(url, "sqlite://")
		conn, err = sql.Open("sqlite3", path+"?_foreign_keys=on")
	default:
		return nil, fmt.Errorf("unsupported database url %q", url)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	configurePool(conn, dialect)

	db := &DB{
		DB:      conn,
		Dialect: dialect,
		logger:  logger.Named("db"),
	}
	return db, nil
}

// configurePool applies production connection pool settings. SQLite gets a
// single connection since the driver serializes writers anyway.
func configurePool(conn *sql.DB, dialect Dialect) {
	if dialect == DialectSQLite {
		conn.SetMaxOpenConns(1)
		return
	}
	conn.SetMaxOpenConns(100)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(10 * time.Minute)
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}
