package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRebind(t *testing.T) {
	query := `INSERT INTO crates (name, normalized_name) VALUES (?, ?)`

	assert.Equal(t, query, DialectSQLite.Rebind(query))
	assert.Equal(t,
		`INSERT INTO crates (name, normalized_name) VALUES ($1, $2)`,
		DialectPostgres.Rebind(query))
}

func TestConvertDBError(t *testing.T) {
	assert.Nil(t, ConvertDBError(nil))
	assert.ErrorIs(t, ConvertDBError(sql.ErrNoRows), ErrNotFound)

	pgUnique := &pgconn.PgError{Code: "23505"}
	assert.ErrorIs(t, ConvertDBError(pgUnique), ErrUniqueViolation)

	pgFK := &pgconn.PgError{Code: "23503"}
	assert.ErrorIs(t, ConvertDBError(pgFK), ErrForeignKeyViolation)

	sqliteUnique := sqlite3.Error{
		Code:         sqlite3.ErrConstraint,
		ExtendedCode: sqlite3.ErrConstraintUnique,
	}
	assert.ErrorIs(t, ConvertDBError(sqliteUnique), ErrUniqueViolation)

	other := errors.New("connection reset")
	assert.Equal(t, other, ConvertDBError(other))
}

func TestInsertVersionSurfacesDriverConflict(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	database := &DB{DB: conn, Dialect: DialectPostgres, logger: zap.NewNop()}
	store := NewStore(database, nil)

	mock.ExpectQuery(`INSERT INTO crate_versions`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "crate_versions_crate_id_vers_key"})

	err = store.InsertVersion(context.Background(), database, &Version{CrateID: 1, Vers: "0.1.0", Cksum: "aa"})
	assert.ErrorIs(t, err, ErrUniqueViolation)
	assert.NoError(t, mock.ExpectationsWereMet())
}
