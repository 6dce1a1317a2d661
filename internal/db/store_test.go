package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	database, err := Open("sqlite://"+filepath.Join(t.TempDir(), "registry.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.Migrate(context.Background()))
	return NewStore(database, nil)
}

func strptr(s string) *string { return &s }

func TestMigrateIsIdempotent(t *testing.T) {
	database, err := Open("sqlite://"+filepath.Join(t.TempDir(), "registry.db"), nil)
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx))
	require.NoError(t, database.Migrate(ctx))
}

func TestCrateLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	crate := &Crate{
		Name:           "Serde_JSON",
		NormalizedName: "serde-json",
		Description:    strptr("a serializer"),
	}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), crate))
	assert.NotZero(t, crate.ID)

	found, err := store.FindCrateByName(ctx, store.DB(), "serde-json")
	require.NoError(t, err)
	assert.Equal(t, "Serde_JSON", found.Name)
	assert.Equal(t, "a serializer", *found.Description)

	found.Description = strptr("a fast serializer")
	require.NoError(t, store.UpdateCrate(ctx, store.DB(), found))

	again, err := store.FindCrateByName(ctx, store.DB(), "serde-json")
	require.NoError(t, err)
	assert.Equal(t, "a fast serializer", *again.Description)

	_, err = store.FindCrateByName(ctx, store.DB(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateCrateName(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertCrate(ctx, store.DB(), &Crate{Name: "foo", NormalizedName: "foo"}))
	err := store.InsertCrate(ctx, store.DB(), &Crate{Name: "Foo", NormalizedName: "foo"})
	assert.ErrorIs(t, err, ErrUniqueViolation)
}

func TestVersionUniqueness(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	crate := &Crate{Name: "foo", NormalizedName: "foo"}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), crate))

	v := &Version{CrateID: crate.ID, Vers: "0.1.0", Cksum: "aa"}
	require.NoError(t, store.InsertVersion(ctx, store.DB(), v))
	assert.NotZero(t, v.ID)

	dup := &Version{CrateID: crate.ID, Vers: "0.1.0", Cksum: "bb"}
	err := store.InsertVersion(ctx, store.DB(), dup)
	assert.ErrorIs(t, err, ErrUniqueViolation)

	// A different version of the same crate is fine.
	require.NoError(t, store.InsertVersion(ctx, store.DB(), &Version{CrateID: crate.ID, Vers: "0.2.0", Cksum: "cc"}))

	versions, err := store.ListVersions(ctx, store.DB(), crate.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "0.1.0", versions[0].Vers)
	assert.Equal(t, "0.2.0", versions[1].Vers)
}

func TestVersionFeaturesRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	crate := &Crate{Name: "foo", NormalizedName: "foo"}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), crate))

	v := &Version{
		CrateID:  crate.ID,
		Vers:     "0.1.0",
		Cksum:    "aa",
		Features: map[string][]string{"default": {"std"}, "extra": {}},
		Links:    strptr("git2"),
	}
	require.NoError(t, store.InsertVersion(ctx, store.DB(), v))

	found, err := store.FindVersion(ctx, store.DB(), crate.ID, "0.1.0")
	require.NoError(t, err)
	assert.Equal(t, v.Features, found.Features)
	assert.Equal(t, "git2", *found.Links)
	assert.False(t, found.Yanked)
}

func TestSetYanked(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	crate := &Crate{Name: "foo", NormalizedName: "foo"}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), crate))
	require.NoError(t, store.InsertVersion(ctx, store.DB(), &Version{CrateID: crate.ID, Vers: "0.1.0", Cksum: "aa"}))

	require.NoError(t, store.SetYanked(ctx, store.DB(), crate.ID, "0.1.0", true))
	v, err := store.FindVersion(ctx, store.DB(), crate.ID, "0.1.0")
	require.NoError(t, err)
	assert.True(t, v.Yanked)

	require.NoError(t, store.SetYanked(ctx, store.DB(), crate.ID, "0.1.0", false))
	v, err = store.FindVersion(ctx, store.DB(), crate.ID, "0.1.0")
	require.NoError(t, err)
	assert.False(t, v.Yanked)

	err = store.SetYanked(ctx, store.DB(), crate.ID, "9.9.9", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDependencies(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	crate := &Crate{Name: "foo", NormalizedName: "foo"}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), crate))
	v := &Version{CrateID: crate.ID, Vers: "0.1.0", Cksum: "aa"}
	require.NoError(t, store.InsertVersion(ctx, store.DB(), v))

	deps := []Dependency{
		{Name: "serde", Req: "^1.0", Features: []string{"derive"}, DefaultFeatures: true, Kind: "normal"},
		{Name: "winapi", Req: "^0.3", Optional: true, Kind: "build", Target: strptr("cfg(windows)")},
	}
	require.NoError(t, store.InsertDependencies(ctx, store.DB(), v.ID, deps))

	got, err := store.ListDependencies(ctx, store.DB(), v.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "serde", got[0].Name)
	assert.Equal(t, []string{"derive"}, got[0].Features)
	assert.Equal(t, "cfg(windows)", *got[1].Target)
	assert.Equal(t, "build", got[1].Kind)
}

func TestKeywordsAndCategories(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	crate := &Crate{Name: "foo", NormalizedName: "foo"}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), crate))

	require.NoError(t, store.UpsertKeywordsAndAttach(ctx, store.DB(), crate.ID, []string{"serialization", "json"}))
	// Re-attaching is idempotent.
	require.NoError(t, store.UpsertKeywordsAndAttach(ctx, store.DB(), crate.ID, []string{"json"}))
	require.NoError(t, store.UpsertCategoriesAndAttach(ctx, store.DB(), crate.ID, []string{"encoding"}))

	keywords, err := store.ListKeywords(ctx, store.DB(), crate.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"json", "serialization"}, keywords)

	categories, err := store.ListCategories(ctx, store.DB(), crate.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"encoding"}, categories)
}

func TestOwnership(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	crate := &Crate{Name: "foo", NormalizedName: "foo"}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), crate))

	alice, err := store.CreateAuthor(ctx, store.DB(), "alice", "Alice")
	require.NoError(t, err)
	bob, err := store.CreateAuthor(ctx, store.DB(), "bob", "Bob")
	require.NoError(t, err)

	require.NoError(t, store.AddOwner(ctx, store.DB(), crate.ID, alice.ID))

	isOwner, err := store.IsOwner(ctx, store.DB(), crate.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, isOwner)

	isOwner, err = store.IsOwner(ctx, store.DB(), crate.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, isOwner)

	require.NoError(t, store.AddOwner(ctx, store.DB(), crate.ID, bob.ID))
	owners, err := store.ListOwners(ctx, store.DB(), crate.ID)
	require.NoError(t, err)
	require.Len(t, owners, 2)

	n, err := store.CountOwners(ctx, store.DB(), crate.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.RemoveOwner(ctx, store.DB(), crate.ID, bob.ID))
	err = store.RemoveOwner(ctx, store.DB(), crate.ID, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokens(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	alice, err := store.CreateAuthor(ctx, store.DB(), "alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, store.CreateToken(ctx, store.DB(), alice.ID, "secret-token"))

	found, err := store.FindAuthorByToken(ctx, store.DB(), "secret-token")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, found.ID)

	_, err = store.FindAuthorByToken(ctx, store.DB(), "wrong")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionRollback(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	crate := &Crate{Name: "foo", NormalizedName: "foo"}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), crate))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.InsertVersion(ctx, tx, &Version{CrateID: crate.ID, Vers: "0.1.0", Cksum: "aa"}))
	require.NoError(t, tx.Rollback())

	_, err = store.FindVersion(ctx, store.DB(), crate.ID, "0.1.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementDownloads(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	crate := &Crate{Name: "foo", NormalizedName: "foo"}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), crate))
	v := &Version{CrateID: crate.ID, Vers: "0.1.0", Cksum: "aa"}
	require.NoError(t, store.InsertVersion(ctx, store.DB(), v))

	require.NoError(t, store.IncrementDownloads(ctx, store.DB(), crate.ID, v.ID))
	require.NoError(t, store.IncrementDownloads(ctx, store.DB(), crate.ID, v.ID))

	found, err := store.FindCrateByName(ctx, store.DB(), "foo")
	require.NoError(t, err)
	assert.Equal(t, int64(2), found.Downloads)
}

func TestCratesByIDsPreservesOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := &Crate{Name: "a", NormalizedName: "a"}
	b := &Crate{Name: "b", NormalizedName: "b"}
	require.NoError(t, store.InsertCrate(ctx, store.DB(), a))
	require.NoError(t, store.InsertCrate(ctx, store.DB(), b))

	crates, err := store.CratesByIDs(ctx, store.DB(), []int64{b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, crates, 2)
	assert.Equal(t, "b", crates[0].Name)
	assert.Equal(t, "a", crates[1].Name)
}
