package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hirevo/alexandrie/internal/config"
	"github.com/hirevo/alexandrie/internal/db"
	"github.com/hirevo/alexandrie/internal/index"
	"github.com/hirevo/alexandrie/internal/registry"
	"github.com/hirevo/alexandrie/internal/search"
	"github.com/hirevo/alexandrie/internal/storage"
)

// app bundles every component a command may need.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	database *db.DB
	meta     *db.Store
	index    *index.Repository
	blobs    storage.Store
	registry *registry.Registry
}

func (a *app) close() {
	if a.database != nil {
		a.database.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	database, err := db.Open(cfg.Database.URL, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	meta := db.NewStore(database, logger)

	idx, err := index.Open(index.Config{
		Path:        cfg.Index.Path,
		Remote:      cfg.Index.Remote,
		AuthorName:  cfg.Index.AuthorName,
		AuthorEmail: cfg.Index.AuthorEmail,
		Logger:      logger,
	})
	if err != nil {
		database.Close()
		logger.Sync()
		return nil, err
	}

	blobs, err := openStorage(cfg)
	if err != nil {
		database.Close()
		logger.Sync()
		return nil, err
	}

	reg := registry.New(idx, blobs, meta, search.NewEngine(), registry.Config{
		MaxCrateSize:   cfg.Registry.MaxCrateSize,
		DownloadYanked: cfg.Registry.DownloadYanked,
		Limits:         registry.DefaultLimits(),
	}, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		meta:     meta,
		index:    idx,
		blobs:    blobs,
		registry: reg,
	}, nil
}

func openStorage(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Kind {
	case "disk":
		return storage.NewDiskStore(cfg.Storage.Path)
	case "s3":
		return storage.NewS3Store(storage.S3Config{
			Endpoint:        cfg.Storage.Endpoint,
			Bucket:          cfg.Storage.Bucket,
			KeyPrefix:       cfg.Storage.Prefix,
			Region:          cfg.Storage.Region,
			AccessKeyID:     cfg.Storage.AccessKey,
			SecretAccessKey: cfg.Storage.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
}
