package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting store operations compose into explicit transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store exposes the metadata operations of the registry. Methods take an
// explicit Querier so callers decide the transaction boundary.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a Store over the given database.
func NewStore(db *DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("store")}
}

// DB returns the underlying database handle, usable as a Querier for
// single-statement operations.
func (s *Store) DB() *DB { return s.db }

// Begin opens an explicit transaction.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) rebind(query string) string {
	return s.db.Dialect.Rebind(query)
}

// insertReturningID runs an INSERT and returns the generated id, using
// RETURNING on PostgreSQL and LastInsertId on SQLite.
func (s *Store) insertReturningID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	if s.db.Dialect == DialectPostgres {
		var id int64
		err := q.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, ConvertDBError(err)
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, ConvertDBError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

const crateColumns = `id, name, normalized_name, description, documentation, homepage, repository, downloads, created_at, updated_at`

func scanCrate(row interface{ Scan(...any) error }) (*Crate, error) {
	var c Crate
	err := row.Scan(&c.ID, &c.Name, &c.NormalizedName, &c.Description, &c.Documentation,
		&c.Homepage, &c.Repository, &c.Downloads, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	return &c, nil
}

// FindCrateByName looks up a crate by its normalized name. Returns
// ErrNotFound when absent.
func (s *Store) FindCrateByName(ctx context.Context, q Querier, normalized string) (*Crate, error) {
	row := q.QueryRowContext(ctx,
		s.rebind(`SELECT `+crateColumns+` FROM crates WHERE normalized_name = ?`), normalized)
	return scanCrate(row)
}

// InsertCrate inserts a new crate row, filling in ID and timestamps.
func (s *Store) InsertCrate(ctx context.Context, q Querier, c *Crate) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	id, err := s.insertReturningID(ctx, q,
		`INSERT INTO crates (name, normalized_name, description, documentation, homepage, repository, downloads, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.Name, c.NormalizedName, c.Description, c.Documentation, c.Homepage, c.Repository, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert crate %s: %w", c.Name, err)
	}
	c.ID = id
	return nil
}

// UpdateCrate refreshes a crate's mutable metadata and updated_at.
func (s *Store) UpdateCrate(ctx context.Context, q Querier, c *Crate) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := q.ExecContext(ctx,
		s.rebind(`UPDATE crates SET description = ?, documentation = ?, homepage = ?, repository = ?, updated_at = ? WHERE id = ?`),
		c.Description, c.Documentation, c.Homepage, c.Repository, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update crate %s: %w", c.Name, ConvertDBError(err))
	}
	return nil
}

// AllCrates returns every crate row, used to rebuild the search index at
// startup.
func (s *Store) AllCrates(ctx context.Context, q Querier) ([]Crate, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+crateColumns+` FROM crates ORDER BY id`)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()
	return collectCrates(rows)
}

// CratesByIDs returns the crate rows for the given ids, in the order the
// ids are listed.
func (s *Store) CratesByIDs(ctx context.Context, q Querier, ids []int64) ([]Crate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		s.rebind(`SELECT `+crateColumns+` FROM crates WHERE id IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()

	crates, err := collectCrates(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Crate, len(crates))
	for _, c := range crates {
		byID[c.ID] = c
	}
	ordered := make([]Crate, 0, len(crates))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

func collectCrates(rows *sql.Rows) ([]Crate, error) {
	var crates []Crate
	for rows.Next() {
		c, err := scanCrate(rows)
		if err != nil {
			return nil, err
		}
		crates = append(crates, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, ConvertDBError(err)
	}
	return crates, nil
}

const versionColumns = `id, crate_id, vers, cksum, features, links, yanked, downloads, created_at`

func scanVersion(row interface{ Scan(...any) error }) (*Version, error) {
	var (
		v        Version
		features string
	)
	err := row.Scan(&v.ID, &v.CrateID, &v.Vers, &v.Cksum, &features, &v.Links,
		&v.Yanked, &v.Downloads, &v.CreatedAt)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	if err := json.Unmarshal([]byte(features), &v.Features); err != nil {
		return nil, fmt.Errorf("decode version features: %w", err)
	}
	return &v, nil
}

// FindVersion looks up a version by (crate, vers). Returns ErrNotFound
// when absent.
func (s *Store) FindVersion(ctx context.Context, q Querier, crateID int64, vers string) (*Version, error) {
	row := q.QueryRowContext(ctx,
		s.rebind(`SELECT `+versionColumns+` FROM crate_versions WHERE crate_id = ? AND vers = ?`),
		crateID, vers)
	return scanVersion(row)
}

// InsertVersion inserts a new version row. The UNIQUE (crate_id, vers)
// constraint makes concurrent duplicate publishes surface as
// ErrUniqueViolation; exactly one of two racing inserts can succeed.
func (s *Store) InsertVersion(ctx context.Context, q Querier, v *Version) error {
	if v.Features == nil {
		v.Features = map[string][]string{}
	}
	features, err := json.Marshal(v.Features)
	if err != nil {
		return fmt.Errorf("encode version features: %w", err)
	}
	v.CreatedAt = time.Now().UTC()

	id, err := s.insertReturningID(ctx, q,
		`INSERT INTO crate_versions (crate_id, vers, cksum, features, links, yanked, downloads, created_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		v.CrateID, v.Vers, v.Cksum, string(features), v.Links, v.Yanked, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version %s: %w", v.Vers, err)
	}
	v.ID = id
	return nil
}

// SetYanked flips the yanked flag of a version. Returns ErrNotFound when
// the version does not exist.
func (s *Store) SetYanked(ctx context.Context, q Querier, crateID int64, vers string, yanked bool) error {
	res, err := q.ExecContext(ctx,
		s.rebind(`UPDATE crate_versions SET yanked = ? WHERE crate_id = ? AND vers = ?`),
		yanked, crateID, vers)
	if err != nil {
		return ConvertDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("version %s: %w", vers, ErrNotFound)
	}
	return nil
}

// ListVersions returns all versions of a crate in publish order.
func (s *Store) ListVersions(ctx context.Context, q Querier, crateID int64) ([]Version, error) {
	rows, err := q.QueryContext(ctx,
		s.rebind(`SELECT `+versionColumns+` FROM crate_versions WHERE crate_id = ? ORDER BY id`),
		crateID)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, ConvertDBError(err)
	}
	return versions, nil
}

// InsertDependencies inserts the dependency rows of a version.
func (s *Store) InsertDependencies(ctx context.Context, q Querier, versionID int64, deps []Dependency) error {
	for _, d := range deps {
		if d.Features == nil {
			d.Features = []string{}
		}
		features, err := json.Marshal(d.Features)
		if err != nil {
			return fmt.Errorf("encode dependency features: %w", err)
		}
		_, err = q.ExecContext(ctx,
			s.rebind(`INSERT INTO version_dependencies (version_id, name, req, features, optional, default_features, target, kind, registry, package)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			versionID, d.Name, d.Req, string(features), d.Optional, d.DefaultFeatures,
			d.Target, d.Kind, d.Registry, d.Package)
		if err != nil {
			return fmt.Errorf("insert dependency %s: %w", d.Name, ConvertDBError(err))
		}
	}
	return nil
}

// ListDependencies returns a version's dependency rows.
func (s *Store) ListDependencies(ctx context.Context, q Querier, versionID int64) ([]Dependency, error) {
	rows, err := q.QueryContext(ctx,
		s.rebind(`SELECT id, version_id, name, req, features, optional, default_features, target, kind, registry, package
FROM version_dependencies WHERE version_id = ? ORDER BY id`), versionID)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()

	var deps []Dependency
	for rows.Next() {
		var (
			d        Dependency
			features string
		)
		if err := rows.Scan(&d.ID, &d.VersionID, &d.Name, &d.Req, &features, &d.Optional,
			&d.DefaultFeatures, &d.Target, &d.Kind, &d.Registry, &d.Package); err != nil {
			return nil, ConvertDBError(err)
		}
		if err := json.Unmarshal([]byte(features), &d.Features); err != nil {
			return nil, fmt.Errorf("decode dependency features: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, ConvertDBError(err)
	}
	return deps, nil
}

// upsertNamedAndAttach upserts rows of a (id, name) lookup table and
// attaches them to a crate through the given join table. Keywords and
// categories share this lifecycle: attach on use, never implicitly
// deleted.
func (s *Store) upsertNamedAndAttach(ctx context.Context, q Querier, table, joinTable, joinColumn string, crateID int64, names []string) error {
	for _, name := range names {
		if _, err := q.ExecContext(ctx,
			s.rebind(`INSERT INTO `+table+` (name) VALUES (?) ON CONFLICT (name) DO NOTHING`), name); err != nil {
			return fmt.Errorf("upsert %s %q: %w", table, name, ConvertDBError(err))
		}
		var id int64
		if err := q.QueryRowContext(ctx,
			s.rebind(`SELECT id FROM `+table+` WHERE name = ?`), name).Scan(&id); err != nil {
			return fmt.Errorf("lookup %s %q: %w", table, name, ConvertDBError(err))
		}
		if _, err := q.ExecContext(ctx,
			s.rebind(`INSERT INTO `+joinTable+` (crate_id, `+joinColumn+`) VALUES (?, ?) ON CONFLICT (crate_id, `+joinColumn+`) DO NOTHING`),
			crateID, id); err != nil {
			return fmt.Errorf("attach %s %q: %w", table, name, ConvertDBError(err))
		}
	}
	return nil
}

// UpsertKeywordsAndAttach attaches keywords to a crate, creating missing
// keyword rows.
func (s *Store) UpsertKeywordsAndAttach(ctx context.Context, q Querier, crateID int64, names []string) error {
	return s.upsertNamedAndAttach(ctx, q, "keywords", "crate_keywords", "keyword_id", crateID, names)
}

// UpsertCategoriesAndAttach attaches categories to a crate, creating
// missing category rows.
func (s *Store) UpsertCategoriesAndAttach(ctx context.Context, q Querier, crateID int64, names []string) error {
	return s.upsertNamedAndAttach(ctx, q, "categories", "crate_categories", "category_id", crateID, names)
}

// UpsertAuthorsAndAttach records declared crate authorship (the free-form
// authors list of the crate metadata), creating author rows as needed.
// Declared authorship is distinct from ownership.
func (s *Store) UpsertAuthorsAndAttach(ctx context.Context, q Querier, crateID int64, names []string) error {
	for _, name := range names {
		login := strings.ToLower(strings.TrimSpace(name))
		if login == "" {
			continue
		}
		author, err := s.findOrCreateAuthor(ctx, q, login, name)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			s.rebind(`INSERT INTO crate_authors (crate_id, author_id) VALUES (?, ?) ON CONFLICT (crate_id, author_id) DO NOTHING`),
			crateID, author.ID); err != nil {
			return fmt.Errorf("attach author %q: %w", name, ConvertDBError(err))
		}
	}
	return nil
}

func (s *Store) findOrCreateAuthor(ctx context.Context, q Querier, login, name string) (*Author, error) {
	if _, err := q.ExecContext(ctx,
		s.rebind(`INSERT INTO authors (login, name) VALUES (?, ?) ON CONFLICT (login) DO NOTHING`),
		login, name); err != nil {
		return nil, fmt.Errorf("upsert author %q: %w", login, ConvertDBError(err))
	}
	return s.FindAuthorByLogin(ctx, q, login)
}

// FindAuthorByLogin looks up an author account by login.
func (s *Store) FindAuthorByLogin(ctx context.Context, q Querier, login string) (*Author, error) {
	var a Author
	err := q.QueryRowContext(ctx,
		s.rebind(`SELECT id, login, name FROM authors WHERE login = ?`), login).
		Scan(&a.ID, &a.Login, &a.Name)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	return &a, nil
}

// FindAuthorByToken resolves a registry token to its author account.
func (s *Store) FindAuthorByToken(ctx context.Context, q Querier, token string) (*Author, error) {
	var a Author
	err := q.QueryRowContext(ctx,
		s.rebind(`SELECT a.id, a.login, a.name FROM authors a
JOIN author_tokens t ON t.author_id = a.id WHERE t.token = ?`), token).
		Scan(&a.ID, &a.Login, &a.Name)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	return &a, nil
}

// CreateAuthor creates (or returns) an author account.
func (s *Store) CreateAuthor(ctx context.Context, q Querier, login, name string) (*Author, error) {
	return s.findOrCreateAuthor(ctx, q, strings.ToLower(login), name)
}

// CreateToken attaches a registry token to an author account.
func (s *Store) CreateToken(ctx context.Context, q Querier, authorID int64, token string) error {
	_, err := q.ExecContext(ctx,
		s.rebind(`INSERT INTO author_tokens (author_id, token) VALUES (?, ?)`), authorID, token)
	if err != nil {
		return fmt.Errorf("create token: %w", ConvertDBError(err))
	}
	return nil
}

// IsOwner reports whether the author owns the crate.
func (s *Store) IsOwner(ctx context.Context, q Querier, crateID, authorID int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		s.rebind(`SELECT 1 FROM crate_owners WHERE crate_id = ? AND author_id = ?`),
		crateID, authorID).Scan(&one)
	if err != nil {
		if errors.Is(ConvertDBError(err), ErrNotFound) {
			return false, nil
		}
		return false, ConvertDBError(err)
	}
	return true, nil
}

// ListOwners returns the owner accounts of a crate.
func (s *Store) ListOwners(ctx context.Context, q Querier, crateID int64) ([]Author, error) {
	rows, err := q.QueryContext(ctx,
		s.rebind(`SELECT a.id, a.login, a.name FROM authors a
JOIN crate_owners o ON o.author_id = a.id WHERE o.crate_id = ? ORDER BY a.login`), crateID)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()

	var owners []Author
	for rows.Next() {
		var a Author
		if err := rows.Scan(&a.ID, &a.Login, &a.Name); err != nil {
			return nil, ConvertDBError(err)
		}
		owners = append(owners, a)
	}
	if err := rows.Err(); err != nil {
		return nil, ConvertDBError(err)
	}
	return owners, nil
}

// AddOwner grants ownership of a crate to an author. Adding an existing
// owner is a no-op.
func (s *Store) AddOwner(ctx context.Context, q Querier, crateID, authorID int64) error {
	_, err := q.ExecContext(ctx,
		s.rebind(`INSERT INTO crate_owners (crate_id, author_id) VALUES (?, ?) ON CONFLICT (crate_id, author_id) DO NOTHING`),
		crateID, authorID)
	if err != nil {
		return fmt.Errorf("add owner: %w", ConvertDBError(err))
	}
	return nil
}

// RemoveOwner revokes ownership. Returns ErrNotFound when the author was
// not an owner.
func (s *Store) RemoveOwner(ctx context.Context, q Querier, crateID, authorID int64) error {
	res, err := q.ExecContext(ctx,
		s.rebind(`DELETE FROM crate_owners WHERE crate_id = ? AND author_id = ?`),
		crateID, authorID)
	if err != nil {
		return ConvertDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOwners returns the number of owners of a crate.
func (s *Store) CountOwners(ctx context.Context, q Querier, crateID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM crate_owners WHERE crate_id = ?`), crateID).Scan(&n)
	if err != nil {
		return 0, ConvertDBError(err)
	}
	return n, nil
}

// IncrementDownloads bumps the download counters of a crate and one of
// its versions. Best-effort on the caller's side.
func (s *Store) IncrementDownloads(ctx context.Context, q Querier, crateID, versionID int64) error {
	if _, err := q.ExecContext(ctx,
		s.rebind(`UPDATE crates SET downloads = downloads + 1 WHERE id = ?`), crateID); err != nil {
		return ConvertDBError(err)
	}
	if _, err := q.ExecContext(ctx,
		s.rebind(`UPDATE crate_versions SET downloads = downloads + 1 WHERE id = ?`), versionID); err != nil {
		return ConvertDBError(err)
	}
	return nil
}

// ListKeywords returns the keyword names attached to a crate.
func (s *Store) ListKeywords(ctx context.Context, q Querier, crateID int64) ([]string, error) {
	return s.listNamed(ctx, q, "keywords", "crate_keywords", "keyword_id", crateID)
}

// ListCategories returns the category names attached to a crate.
func (s *Store) ListCategories(ctx context.Context, q Querier, crateID int64) ([]string, error) {
	return s.listNamed(ctx, q, "categories", "crate_categories", "category_id", crateID)
}

func (s *Store) listNamed(ctx context.Context, q Querier, table, joinTable, joinColumn string, crateID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		s.rebind(`SELECT t.name FROM `+table+` t JOIN `+joinTable+` j ON j.`+joinColumn+` = t.id
WHERE j.crate_id = ? ORDER BY t.name`), crateID)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, ConvertDBError(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, ConvertDBError(err)
	}
	return names, nil
}
