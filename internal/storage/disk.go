package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DiskStore is the local filesystem backend. Blobs live under the
// configured root as "<lowercased-name>/<version>.crate" (or ".html").
//
// Writes are atomic: data is written to a temp file in the destination
// directory, fsynced, and renamed into place.
type DiskStore struct {
	root string
}

// NewDiskStore creates a DiskStore rooted at the given directory,
// creating it if necessary.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

// StoreCrate implements Store.
func (s *DiskStore) StoreCrate(ctx context.Context, name, version string, data io.Reader) error {
	return s.store(ctx, name, version, extCrate, data)
}

// ReadCrate implements Store.
func (s *DiskStore) ReadCrate(ctx context.Context, name, version string) (io.ReadCloser, error) {
	return s.read(ctx, name, version, extCrate)
}

// StoreReadme implements Store.
func (s *DiskStore) StoreReadme(ctx context.Context, name, version string, html []byte) error {
	return s.store(ctx, name, version, extReadme, bytes.NewReader(html))
}

// ReadReadme implements Store.
func (s *DiskStore) ReadReadme(ctx context.Context, name, version string) (io.ReadCloser, error) {
	return s.read(ctx, name, version, extReadme)
}

// DeleteCrate implements Store.
func (s *DiskStore) DeleteCrate(ctx context.Context, name, version string) error {
	return s.delete(ctx, name, version, extCrate)
}

// DeleteReadme implements Store.
func (s *DiskStore) DeleteReadme(ctx context.Context, name, version string) error {
	return s.delete(ctx, name, version, extReadme)
}

func (s *DiskStore) store(ctx context.Context, name, version, ext string, data io.Reader) error {
	key, err := blobKey(name, version, ext)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dest := filepath.Join(s.root, filepath.FromSlash(key))
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blob write mkdir: %w", err)
	}

	// Atomic write via temp + rename, fsynced before the rename so the
	// blob is durable once it becomes visible.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("blob write tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blob write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blob write sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob write close: %w", err)
	}

	// Re-check under the final name: a concurrent writer may have won the
	// race between the Stat above and now. Rename would silently clobber.
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob write rename: %w", err)
	}
	return nil
}

func (s *DiskStore) delete(ctx context.Context, name, version, ext string) error {
	key, err := blobKey(name, version, ext)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, filepath.FromSlash(key))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob delete: %w", err)
	}
	return nil
}

func (s *DiskStore) read(ctx context.Context, name, version, ext string) (io.ReadCloser, error) {
	key, err := blobKey(name, version, ext)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("blob read: %w", err)
	}
	return f, nil
}
