package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	payload := []byte("\x1f\x8b\x08fake-tarball-bytes")

	err = store.StoreCrate(ctx, "Serde", "1.0.0", bytes.NewReader(payload))
	require.NoError(t, err)

	rc, err := store.ReadCrate(ctx, "serde", "1.0.0")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDiskStoreKeyIsLowercased(t *testing.T) {
	root := t.TempDir()
	store, err := NewDiskStore(root)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.StoreCrate(ctx, "Foo-Bar", "0.1.0", bytes.NewReader([]byte("x"))))

	_, err = os.Stat(filepath.Join(root, "foo-bar", "0.1.0.crate"))
	assert.NoError(t, err)
}

func TestDiskStoreDuplicateWrite(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.StoreCrate(ctx, "foo", "0.1.0", bytes.NewReader([]byte("first"))))

	err = store.StoreCrate(ctx, "foo", "0.1.0", bytes.NewReader([]byte("second")))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// The original bytes must be untouched.
	rc, err := store.ReadCrate(ctx, "foo", "0.1.0")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestDiskStoreMissingBlob(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.ReadCrate(context.Background(), "ghost", "0.1.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStoreReadme(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	html := []byte("<h1>foo</h1>")
	require.NoError(t, store.StoreReadme(ctx, "foo", "0.1.0", html))

	rc, err := store.ReadReadme(ctx, "foo", "0.1.0")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, html, got)
}

func TestDiskStoreDelete(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.StoreCrate(ctx, "foo", "0.1.0", bytes.NewReader([]byte("bytes"))))

	require.NoError(t, store.DeleteCrate(ctx, "foo", "0.1.0"))
	_, err = store.ReadCrate(ctx, "foo", "0.1.0")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent blob is a no-op, and the key can be written again.
	require.NoError(t, store.DeleteCrate(ctx, "foo", "0.1.0"))
	require.NoError(t, store.DeleteReadme(ctx, "foo", "0.1.0"))
	require.NoError(t, store.StoreCrate(ctx, "foo", "0.1.0", bytes.NewReader([]byte("again"))))
}

func TestDiskStoreRejectsTraversal(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	cases := []struct {
		name    string
		version string
	}{
		{"../escape", "0.1.0"},
		{"foo/bar", "0.1.0"},
		{"foo", "../0.1.0"},
		{"..", "0.1.0"},
		{"", "0.1.0"},
		{"foo", ""},
	}
	for _, tc := range cases {
		err := store.StoreCrate(ctx, tc.name, tc.version, bytes.NewReader([]byte("x")))
		assert.ErrorIs(t, err, ErrInvalidKey, "name=%q version=%q", tc.name, tc.version)

		_, err = store.ReadCrate(ctx, tc.name, tc.version)
		assert.ErrorIs(t, err, ErrInvalidKey, "name=%q version=%q", tc.name, tc.version)
	}
}
