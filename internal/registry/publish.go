package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/hirevo/alexandrie/internal/db"
	"github.com/hirevo/alexandrie/internal/index"
)

// Publish ingests one crate upload end to end: parse, validate, stage
// the metadata transaction, commit the index, write the blobs, commit
// the metadata, update the search engine.
//
// The ordering matters. The metadata commit is the last reversible step:
// if anything after the index commit fails, the index is reverted and
// the transaction rolled back, so a visible index entry always implies a
// committed (or imminently committed) metadata row.
func (r *Registry) Publish(ctx context.Context, caller *db.Author, body io.Reader) (*index.Record, error) {
	env, err := ParseEnvelope(body, r.cfg.MaxCrateSize)
	if err != nil {
		return nil, err
	}
	meta, err := ParseMetadata(env.MetadataJSON, r.cfg.Limits)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(env.Tarball)
	cksum := hex.EncodeToString(sum[:])
	readme := renderReadme(meta, env.Tarball)

	normalized := NormalizeName(meta.Name)
	unlock := r.locks.lock(normalized)
	defer unlock()

	tx, err := r.meta.Begin(ctx)
	if err != nil {
		return nil, errStorage("begin metadata transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	crate, err := r.stageCrate(ctx, tx, caller, meta, normalized)
	if err != nil {
		return nil, err
	}
	if err := r.stageVersion(ctx, tx, crate, meta, cksum); err != nil {
		return nil, err
	}

	// Index commit. The crate lock orders publishes of this crate; the
	// repository's own lock serializes cross-crate commits. The index line
	// and the blob keys carry the first-published spelling (crate.Name),
	// so "serde-json" published onto an existing "serde_json" appends to
	// the same index file and stores under the same blob prefix.
	snapshot, existed, err := r.index.Snapshot(crate.Name)
	if err != nil {
		return nil, errStorage("snapshot index file", err)
	}
	rec := meta.ToRecord(cksum)
	rec.Name = crate.Name
	if err := r.index.AddRecord(rec); err != nil {
		if errors.Is(err, index.ErrVersionExists) {
			return nil, errDuplicateVersion(crate.Name, meta.Vers)
		}
		return nil, errStorage("commit index entry", err)
	}

	comp := compensation{
		name:     crate.Name,
		vers:     meta.Vers,
		snapshot: snapshot,
		existed:  existed,
		message:  fmt.Sprintf("Revert update of crate '%s#%s'", crate.Name, meta.Vers),
	}

	if err := r.blobs.StoreCrate(ctx, crate.Name, meta.Vers, bytes.NewReader(env.Tarball)); err != nil {
		return nil, r.compensate(comp, errStorage("store crate tarball", err))
	}
	comp.wroteCrate = true
	if readme != nil {
		if err := r.blobs.StoreReadme(ctx, crate.Name, meta.Vers, readme); err != nil {
			return nil, r.compensate(comp, errStorage("store crate readme", err))
		}
		comp.wroteReadme = true
	}

	if err := r.commitMetadata(tx); err != nil {
		return nil, r.compensate(comp, errStorage("commit metadata transaction", err))
	}
	committed = true

	// Past the metadata commit the publish has succeeded; the search
	// update is best-effort and converges on next rebuild.
	r.search.Index(searchDoc(crate))

	r.logger.Info("crate published",
		zap.String("crate", crate.Name),
		zap.String("vers", meta.Vers),
		zap.String("publisher", caller.Login))
	return &rec, nil
}

// stageCrate upserts the crate row and enforces ownership: an existing
// crate requires the caller to already be an owner, a new crate makes
// the caller its first owner.
func (r *Registry) stageCrate(ctx context.Context, tx metaTx, caller *db.Author, meta *CrateMeta, normalized string) (*db.Crate, error) {
	crate, err := r.meta.FindCrateByName(ctx, tx, normalized)
	switch {
	case err == nil:
		owner, err := r.meta.IsOwner(ctx, tx, crate.ID, caller.ID)
		if err != nil {
			return nil, errStorage("check crate ownership", err)
		}
		if !owner {
			return nil, errNotAnOwner(meta.Name)
		}
		crate.Description = meta.Description
		crate.Documentation = meta.Documentation
		crate.Homepage = meta.Homepage
		crate.Repository = meta.Repository
		if err := r.meta.UpdateCrate(ctx, tx, crate); err != nil {
			return nil, errStorage("update crate row", err)
		}
	case errors.Is(err, db.ErrNotFound):
		crate = &db.Crate{
			Name:           meta.Name,
			NormalizedName: normalized,
			Description:    meta.Description,
			Documentation:  meta.Documentation,
			Homepage:       meta.Homepage,
			Repository:     meta.Repository,
		}
		if err := r.meta.InsertCrate(ctx, tx, crate); err != nil {
			return nil, errStorage("insert crate row", err)
		}
		if err := r.meta.AddOwner(ctx, tx, crate.ID, caller.ID); err != nil {
			return nil, errStorage("record first owner", err)
		}
	default:
		return nil, errStorage("look up crate", err)
	}
	return crate, nil
}

// stageVersion inserts the version, dependency and attribute rows. The
// UNIQUE (crate_id, vers) constraint is the authoritative duplicate
// check; two racing publishes of the same version cannot both pass it.
func (r *Registry) stageVersion(ctx context.Context, tx metaTx, crate *db.Crate, meta *CrateMeta, cksum string) error {
	version := &db.Version{
		CrateID:  crate.ID,
		Vers:     meta.Vers,
		Cksum:    cksum,
		Features: meta.Features,
		Links:    meta.Links,
	}
	if err := r.meta.InsertVersion(ctx, tx, version); err != nil {
		if errors.Is(err, db.ErrUniqueViolation) {
			return errDuplicateVersion(crate.Name, meta.Vers)
		}
		return errStorage("insert version row", err)
	}

	deps := make([]db.Dependency, 0, len(meta.Deps))
	for _, dep := range meta.Deps {
		kind := dep.Kind
		if kind == "" {
			kind = "normal"
		}
		deps = append(deps, db.Dependency{
			VersionID:       version.ID,
			Name:            dep.Name,
			Req:             dep.VersionReq,
			Features:        dep.Features,
			Optional:        dep.Optional,
			DefaultFeatures: dep.DefaultFeatures,
			Target:          dep.Target,
			Kind:            kind,
			Registry:        dep.Registry,
			Package:         dep.ExplicitNameInToml,
		})
	}
	if err := r.meta.InsertDependencies(ctx, tx, version.ID, deps); err != nil {
		return errStorage("insert dependency rows", err)
	}

	if err := r.meta.UpsertKeywordsAndAttach(ctx, tx, crate.ID, meta.Keywords); err != nil {
		return errStorage("attach keywords", err)
	}
	if err := r.meta.UpsertCategoriesAndAttach(ctx, tx, crate.ID, meta.Categories); err != nil {
		return errStorage("attach categories", err)
	}
	if err := r.meta.UpsertAuthorsAndAttach(ctx, tx, crate.ID, meta.Authors); err != nil {
		return errStorage("attach authors", err)
	}
	return nil
}

// compensation carries what is needed to undo the irreversible tail of a
// publish: the index snapshot to restore and which blobs this publish
// managed to write before failing.
type compensation struct {
	name        string
	vers        string
	snapshot    []byte
	existed     bool
	message     string
	wroteCrate  bool
	wroteReadme bool
}

// compensate undoes the index commit and the blob writes after a later
// pipeline step failed, restoring a state from which the same publish can
// be retried. When the index revert itself fails the stores disagree and
// the error becomes terminal; the log carries what an operator needs to
// repair by hand.
func (r *Registry) compensate(c compensation, cause *Error) error {
	// The request context may already be canceled; cleanup gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.wroteCrate {
		if err := r.blobs.DeleteCrate(ctx, c.name, c.vers); err != nil {
			r.logger.Error("orphan tarball cleanup failed",
				zap.String("crate", c.name),
				zap.String("vers", c.vers),
				zap.Error(err))
		}
	}
	if c.wroteReadme {
		if err := r.blobs.DeleteReadme(ctx, c.name, c.vers); err != nil {
			r.logger.Error("orphan readme cleanup failed",
				zap.String("crate", c.name),
				zap.String("vers", c.vers),
				zap.Error(err))
		}
	}

	if err := r.index.Revert(c.name, c.snapshot, c.existed, c.message); err != nil {
		r.logger.Error("index revert failed, stores are inconsistent",
			zap.String("crate", c.name),
			zap.String("vers", c.vers),
			zap.NamedError("revert_error", err),
			zap.NamedError("publish_error", cause))
		return errInconsistent(fmt.Sprintf("publish of '%s#%s' could not be reverted", c.name, c.vers), err)
	}
	r.logger.Warn("publish failed, index reverted",
		zap.String("crate", c.name),
		zap.String("vers", c.vers),
		zap.Error(cause))
	return cause
}
