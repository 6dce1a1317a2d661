// Package storage implements the pluggable byte store for crate tarballs
// and rendered README documents. Two backends are provided: a local on-disk
// store and an S3-compatible object store. Both expose the same interface
// and are selected at configuration time.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Common storage error types
var (
	// ErrAlreadyExists is returned when storing a blob under a key that is
	// already occupied. Blobs are written exactly once and never overwritten.
	ErrAlreadyExists = errors.New("blob already exists")

	// ErrNotFound is returned when reading a blob that does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidKey is returned when a crate name or version would produce
	// an unsafe storage key.
	ErrInvalidKey = errors.New("invalid storage key")
)

// Store is the capability set held by the publish pipeline. Implementations
// must guarantee per-key atomicity: a reader never observes a partial write.
type Store interface {
	// StoreCrate durably writes a crate tarball. It fails with
	// ErrAlreadyExists if a tarball for this (name, version) pair exists.
	StoreCrate(ctx context.Context, name, version string, data io.Reader) error

	// ReadCrate returns a reader over the stored tarball bytes.
	ReadCrate(ctx context.Context, name, version string) (io.ReadCloser, error)

	// StoreReadme durably writes the rendered README HTML for a version.
	StoreReadme(ctx context.Context, name, version string, html []byte) error

	// ReadReadme returns a reader over the rendered README HTML.
	ReadReadme(ctx context.Context, name, version string) (io.ReadCloser, error)

	// DeleteCrate removes a stored tarball so a failed publish can be
	// retried. Deleting a missing blob is a no-op.
	DeleteCrate(ctx context.Context, name, version string) error

	// DeleteReadme removes a stored README. Deleting a missing blob is a
	// no-op.
	DeleteReadme(ctx context.Context, name, version string) error
}

const (
	extCrate  = ".crate"
	extReadme = ".html"
)

// blobKey builds the storage key for a blob: lowercased crate name,
// a slash, the version string and the blob kind extension.
func blobKey(name, version, ext string) (string, error) {
	if err := validateComponent(name); err != nil {
		return "", fmt.Errorf("crate name %q: %w", name, err)
	}
	if err := validateComponent(version); err != nil {
		return "", fmt.Errorf("version %q: %w", version, err)
	}
	return strings.ToLower(name) + "/" + version + ext, nil
}

// validateComponent rejects key components that could escape the store root.
func validateComponent(s string) error {
	if s == "" {
		return ErrInvalidKey
	}
	if strings.ContainsAny(s, "/\\") {
		return ErrInvalidKey
	}
	if s == "." || s == ".." || strings.Contains(s, "..") {
		return ErrInvalidKey
	}
	return nil
}
