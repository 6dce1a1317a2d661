package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/hirevo/alexandrie/internal/db"
	"github.com/hirevo/alexandrie/internal/index"
)

// Download resolves a version and returns a reader over its tarball
// bytes plus the version row (carrying the checksum). The download
// counter update is best-effort and never delays the response.
func (r *Registry) Download(ctx context.Context, name, vers string) (io.ReadCloser, *db.Version, error) {
	crate, version, err := r.findVersion(ctx, name, vers)
	if err != nil {
		return nil, nil, err
	}
	if version.Yanked && !r.cfg.DownloadYanked {
		return nil, nil, errYanked(name, vers)
	}

	data, err := r.blobs.ReadCrate(ctx, crate.Name, vers)
	if err != nil {
		return nil, nil, errStorage("read crate tarball", err)
	}

	go r.countDownload(crate.ID, version.ID, crate.Name, vers)
	return data, version, nil
}

func (r *Registry) countDownload(crateID, versionID int64, name, vers string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.meta.IncrementDownloads(ctx, r.meta.DB(), crateID, versionID); err != nil {
		r.logger.Warn("download counter update failed",
			zap.String("crate", name),
			zap.String("vers", vers),
			zap.Error(err))
	}
}

// Readme returns the rendered README HTML for a version.
func (r *Registry) Readme(ctx context.Context, name, vers string) (io.ReadCloser, error) {
	crate, _, err := r.findVersion(ctx, name, vers)
	if err != nil {
		return nil, err
	}
	data, err := r.blobs.ReadReadme(ctx, crate.Name, vers)
	if err != nil {
		return nil, errStorage("read crate readme", err)
	}
	return data, nil
}

// Yank marks a version as yanked. Unyank reverses it.
//
// Yank is a two-step protocol, simpler than publish: flip the metadata
// bit inside a transaction, then rewrite the index line; if the index
// mutation fails the transaction rolls back and nothing changed.
func (r *Registry) Yank(ctx context.Context, caller *db.Author, name, vers string) error {
	return r.setYanked(ctx, caller, name, vers, true)
}

// Unyank reverses a yank.
func (r *Registry) Unyank(ctx context.Context, caller *db.Author, name, vers string) error {
	return r.setYanked(ctx, caller, name, vers, false)
}

func (r *Registry) setYanked(ctx context.Context, caller *db.Author, name, vers string, yanked bool) error {
	normalized := NormalizeName(name)
	unlock := r.locks.lock(normalized)
	defer unlock()

	crate, err := r.findCrate(ctx, normalized, name)
	if err != nil {
		return err
	}
	owner, err := r.meta.IsOwner(ctx, r.meta.DB(), crate.ID, caller.ID)
	if err != nil {
		return errStorage("check crate ownership", err)
	}
	if !owner {
		return errNotAnOwner(name)
	}

	tx, err := r.meta.Begin(ctx)
	if err != nil {
		return errStorage("begin metadata transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := r.meta.SetYanked(ctx, tx, crate.ID, vers, yanked); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return errNotFound(fmt.Sprintf("version '%s' of crate '%s'", vers, name))
		}
		return errStorage("flip yanked flag", err)
	}
	if err := r.index.ModifyYank(crate.Name, vers, yanked); err != nil {
		switch {
		case errors.Is(err, index.ErrCrateNotFound), errors.Is(err, index.ErrVersionNotFound):
			return errNotFound(fmt.Sprintf("version '%s' of crate '%s'", vers, name))
		default:
			return errStorage("rewrite index line", err)
		}
	}
	if err := tx.Commit(); err != nil {
		// The index line is already flipped; put it back.
		if revertErr := r.index.ModifyYank(crate.Name, vers, !yanked); revertErr != nil {
			r.logger.Error("yank revert failed, stores are inconsistent",
				zap.String("crate", name),
				zap.String("vers", vers),
				zap.NamedError("revert_error", revertErr),
				zap.NamedError("commit_error", err))
			return errInconsistent(fmt.Sprintf("yank of '%s#%s' could not be reverted", name, vers), revertErr)
		}
		return errStorage("commit metadata transaction", err)
	}
	committed = true
	return nil
}

// ListOwners returns the accounts allowed to publish the crate.
func (r *Registry) ListOwners(ctx context.Context, name string) ([]db.Author, error) {
	crate, err := r.findCrate(ctx, NormalizeName(name), name)
	if err != nil {
		return nil, err
	}
	owners, err := r.meta.ListOwners(ctx, r.meta.DB(), crate.ID)
	if err != nil {
		return nil, errStorage("list owners", err)
	}
	return owners, nil
}

// AddOwner grants publish rights to another account. The caller must be
// an owner already.
func (r *Registry) AddOwner(ctx context.Context, caller *db.Author, name, login string) error {
	crate, err := r.ownedCrate(ctx, caller, name)
	if err != nil {
		return err
	}
	target, err := r.meta.FindAuthorByLogin(ctx, r.meta.DB(), login)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return errNotFound(fmt.Sprintf("user '%s'", login))
		}
		return errStorage("look up user", err)
	}
	if err := r.meta.AddOwner(ctx, r.meta.DB(), crate.ID, target.ID); err != nil {
		return errStorage("add owner", err)
	}
	return nil
}

// RemoveOwner revokes publish rights. At least one owner must remain.
func (r *Registry) RemoveOwner(ctx context.Context, caller *db.Author, name, login string) error {
	// The owner count check and the delete must not interleave with
	// another removal, or two removals on a two-owner crate could both
	// pass the check and leave the crate ownerless.
	unlock := r.locks.lock(NormalizeName(name))
	defer unlock()

	crate, err := r.ownedCrate(ctx, caller, name)
	if err != nil {
		return err
	}
	target, err := r.meta.FindAuthorByLogin(ctx, r.meta.DB(), login)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return errNotFound(fmt.Sprintf("user '%s'", login))
		}
		return errStorage("look up user", err)
	}

	count, err := r.meta.CountOwners(ctx, r.meta.DB(), crate.ID)
	if err != nil {
		return errStorage("count owners", err)
	}
	if count <= 1 {
		return errInvalidMetadata("owners", "cannot remove the last owner of a crate")
	}
	if err := r.meta.RemoveOwner(ctx, r.meta.DB(), crate.ID, target.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return errNotFound(fmt.Sprintf("user '%s' is not an owner", login))
		}
		return errStorage("remove owner", err)
	}
	return nil
}

// SearchResult is a search hit hydrated from the metadata store.
type SearchResult struct {
	Crate db.Crate
	Score float64
}

// Search ranks crates against the query and hydrates the hits from the
// metadata store. The second result is the total number of matches
// before pagination.
func (r *Registry) Search(ctx context.Context, query string, limit, offset int) ([]SearchResult, int, error) {
	hits, total := r.search.Search(query, limit, offset)
	if len(hits) == 0 {
		return nil, total, nil
	}

	ids := make([]int64, len(hits))
	scores := make(map[int64]float64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
		scores[hit.ID] = hit.Score
	}
	crates, err := r.meta.CratesByIDs(ctx, r.meta.DB(), ids)
	if err != nil {
		return nil, 0, errStorage("hydrate search results", err)
	}

	results := make([]SearchResult, len(crates))
	for i, c := range crates {
		results[i] = SearchResult{Crate: c, Score: scores[c.ID]}
	}
	return results, total, nil
}

// CrateInfo is the full metadata view of a crate: the row itself, its
// attached keywords and categories, every published version, and the
// dependencies of the most recently published one.
type CrateInfo struct {
	Crate        db.Crate
	Keywords     []string
	Categories   []string
	Versions     []db.Version
	Dependencies []db.Dependency
}

// Info gathers everything the metadata store knows about a crate.
func (r *Registry) Info(ctx context.Context, name string) (*CrateInfo, error) {
	crate, err := r.findCrate(ctx, NormalizeName(name), name)
	if err != nil {
		return nil, err
	}
	q := r.meta.DB()

	keywords, err := r.meta.ListKeywords(ctx, q, crate.ID)
	if err != nil {
		return nil, errStorage("list keywords", err)
	}
	categories, err := r.meta.ListCategories(ctx, q, crate.ID)
	if err != nil {
		return nil, errStorage("list categories", err)
	}
	versions, err := r.meta.ListVersions(ctx, q, crate.ID)
	if err != nil {
		return nil, errStorage("list versions", err)
	}
	var deps []db.Dependency
	if len(versions) > 0 {
		deps, err = r.meta.ListDependencies(ctx, q, versions[len(versions)-1].ID)
		if err != nil {
			return nil, errStorage("list dependencies", err)
		}
	}

	return &CrateInfo{
		Crate:        *crate,
		Keywords:     keywords,
		Categories:   categories,
		Versions:     versions,
		Dependencies: deps,
	}, nil
}

// Versions returns all published versions of a crate in publish order.
func (r *Registry) Versions(ctx context.Context, name string) (*db.Crate, []db.Version, error) {
	crate, err := r.findCrate(ctx, NormalizeName(name), name)
	if err != nil {
		return nil, nil, err
	}
	versions, err := r.meta.ListVersions(ctx, r.meta.DB(), crate.ID)
	if err != nil {
		return nil, nil, errStorage("list versions", err)
	}
	return crate, versions, nil
}

func (r *Registry) findCrate(ctx context.Context, normalized, display string) (*db.Crate, error) {
	crate, err := r.meta.FindCrateByName(ctx, r.meta.DB(), normalized)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, errNotFound(fmt.Sprintf("crate '%s'", display))
		}
		return nil, errStorage("look up crate", err)
	}
	return crate, nil
}

func (r *Registry) findVersion(ctx context.Context, name, vers string) (*db.Crate, *db.Version, error) {
	crate, err := r.findCrate(ctx, NormalizeName(name), name)
	if err != nil {
		return nil, nil, err
	}
	version, err := r.meta.FindVersion(ctx, r.meta.DB(), crate.ID, vers)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, errNotFound(fmt.Sprintf("version '%s' of crate '%s'", vers, name))
		}
		return nil, nil, errStorage("look up version", err)
	}
	return crate, version, nil
}

func (r *Registry) ownedCrate(ctx context.Context, caller *db.Author, name string) (*db.Crate, error) {
	crate, err := r.findCrate(ctx, NormalizeName(name), name)
	if err != nil {
		return nil, err
	}
	owner, err := r.meta.IsOwner(ctx, r.meta.DB(), crate.ID, caller.ID)
	if err != nil {
		return nil, errStorage("check crate ownership", err)
	}
	if !owner {
		return nil, errNotAnOwner(name)
	}
	return crate, nil
}
