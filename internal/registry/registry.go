// Package registry orchestrates the publish and query paths across the
// four stores: the git-backed index, the crate blob store, the relational
// metadata store, and the in-process search engine.
package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hirevo/alexandrie/internal/db"
	"github.com/hirevo/alexandrie/internal/index"
	"github.com/hirevo/alexandrie/internal/search"
	"github.com/hirevo/alexandrie/internal/storage"
)

// DefaultMaxCrateSize is the publish size limit when none is configured.
const DefaultMaxCrateSize = 50 << 20

// Config holds the registry's policy knobs.
type Config struct {
	// MaxCrateSize caps the tarball length declared in a publish upload.
	MaxCrateSize int64

	// DownloadYanked permits downloading yanked versions, so existing
	// lockfiles keep resolving. Cargo's own registries permit it.
	DownloadYanked bool

	// Limits bounds the variable-size metadata fields.
	Limits Limits
}

// DefaultConfig returns the stock policy: 50 MiB uploads, yanked
// downloads permitted.
func DefaultConfig() Config {
	return Config{
		MaxCrateSize:   DefaultMaxCrateSize,
		DownloadYanked: true,
		Limits:         DefaultLimits(),
	}
}

// Registry is the crate storage and index core. One instance is shared
// by all requests; per-crate publishes are serialized by an internal
// keyed lock.
type Registry struct {
	index  *index.Repository
	blobs  storage.Store
	meta   *db.Store
	search *search.Engine
	cfg    Config
	logger *zap.Logger

	locks *keyedMutex

	// commitMetadata seam for fault injection in tests.
	commitMetadata func(tx metaTx) error
}

type metaTx interface {
	db.Querier
	Commit() error
	Rollback() error
}

// New assembles a registry over the given stores.
func New(idx *index.Repository, blobs storage.Store, meta *db.Store, eng *search.Engine, cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCrateSize <= 0 {
		cfg.MaxCrateSize = DefaultMaxCrateSize
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	return &Registry{
		index:          idx,
		blobs:          blobs,
		meta:           meta,
		search:         eng,
		cfg:            cfg,
		logger:         logger.Named("registry"),
		locks:          newKeyedMutex(),
		commitMetadata: func(tx metaTx) error { return tx.Commit() },
	}
}

// RebuildSearch repopulates the search engine from the metadata store.
// Called at startup, since the engine is an in-process cache.
func (r *Registry) RebuildSearch(ctx context.Context) error {
	crates, err := r.meta.AllCrates(ctx, r.meta.DB())
	if err != nil {
		return fmt.Errorf("rebuild search index: %w", err)
	}
	docs := make([]search.Document, 0, len(crates))
	for _, c := range crates {
		docs = append(docs, searchDoc(&c))
	}
	r.search.Rebuild(docs)
	r.logger.Info("search index rebuilt", zap.Int("crates", len(docs)))
	return nil
}

func searchDoc(c *db.Crate) search.Document {
	doc := search.Document{ID: c.ID, Name: c.Name}
	if c.Description != nil {
		doc.Description = *c.Description
	}
	return doc
}
