package index

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirevo/alexandrie/internal/index/gitobj"
)

func testRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(Config{
		Path:        t.TempDir(),
		AuthorName:  "Alexandrie",
		AuthorEmail: "registry@example.com",
	})
	require.NoError(t, err)
	return repo
}

func testRecord(name, vers string) Record {
	return Record{
		Name:     name,
		Vers:     vers,
		Deps:     []Dependency{},
		Cksum:    "d91b1b82a41c45c1c94d3811b1f1c3c52d1b8e5e3a0c4b5f26549a4a2a4ae180",
		Features: map[string][]string{},
	}
}

func headCommit(t *testing.T, repo *Repository) *gitobj.Commit {
	t.Helper()
	head, err := repo.git.Head()
	require.NoError(t, err)
	require.False(t, head.IsZero())
	commit, err := repo.git.ReadCommit(head)
	require.NoError(t, err)
	return commit
}

func TestAddRecordCreatesFileAndCommit(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.AddRecord(testRecord("foo", "0.1.0")))

	raw, err := os.ReadFile(filepath.Join(repo.root, "3", "f", "foo"))
	require.NoError(t, err)
	records, err := DecodeRecords(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "0.1.0", records[0].Vers)
	assert.False(t, records[0].Yanked)

	commit := headCommit(t, repo)
	assert.Equal(t, "Updating crate 'foo#0.1.0'\n", commit.Message)
	assert.Equal(t, "Alexandrie", commit.Author.Name)

	// The committed tree carries exactly the file that changed.
	blob, err := repo.git.LookupPath(commit.Tree, "3/f/foo")
	require.NoError(t, err)
	assert.Equal(t, raw, blob)
}

func TestAddRecordAppendsInPublishOrder(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.AddRecord(testRecord("serde", "0.2.0")))
	require.NoError(t, repo.AddRecord(testRecord("serde", "0.1.0")))

	records, err := repo.AllRecords("serde")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "0.2.0", records[0].Vers)
	assert.Equal(t, "0.1.0", records[1].Vers)
}

func TestAddRecordRejectsDuplicateVersion(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.AddRecord(testRecord("foo", "0.1.0")))

	before, err := os.ReadFile(filepath.Join(repo.root, "3", "f", "foo"))
	require.NoError(t, err)
	headBefore, err := repo.git.Head()
	require.NoError(t, err)

	err = repo.AddRecord(testRecord("foo", "0.1.0"))
	assert.ErrorIs(t, err, ErrVersionExists)

	// No mutation, no extra commit.
	after, err := os.ReadFile(filepath.Join(repo.root, "3", "f", "foo"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	headAfter, err := repo.git.Head()
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter)
}

func TestYankThenUnyankIsIdentity(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.AddRecord(testRecord("foo", "0.1.0")))
	require.NoError(t, repo.AddRecord(testRecord("foo", "0.2.0")))

	path := filepath.Join(repo.root, "3", "f", "foo")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, repo.ModifyYank("foo", "0.1.0", true))

	mid, err := os.ReadFile(path)
	require.NoError(t, err)
	records, err := DecodeRecords(bytes.NewReader(mid))
	require.NoError(t, err)
	assert.True(t, records[0].Yanked)
	assert.False(t, records[1].Yanked)

	commit := headCommit(t, repo)
	assert.Equal(t, "Yanking crate 'foo#0.1.0'\n", commit.Message)

	require.NoError(t, repo.ModifyYank("foo", "0.1.0", false))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "yank then unyank must be the identity on the file")

	commit = headCommit(t, repo)
	assert.Equal(t, "Unyanking crate 'foo#0.1.0'\n", commit.Message)
}

func TestModifyYankNoopSkipsCommit(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.AddRecord(testRecord("foo", "0.1.0")))

	headBefore, err := repo.git.Head()
	require.NoError(t, err)

	// Already unyanked; toggling to false must not create a commit.
	require.NoError(t, repo.ModifyYank("foo", "0.1.0", false))

	headAfter, err := repo.git.Head()
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter)
}

func TestModifyYankMissing(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.AddRecord(testRecord("foo", "0.1.0")))

	err := repo.ModifyYank("foo", "9.9.9", true)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	err = repo.ModifyYank("ghost", "0.1.0", true)
	assert.ErrorIs(t, err, ErrCrateNotFound)
}

func TestRevertRestoresSnapshot(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.AddRecord(testRecord("foo", "0.1.0")))

	snapshot, existed, err := repo.Snapshot("foo")
	require.NoError(t, err)
	require.True(t, existed)

	require.NoError(t, repo.AddRecord(testRecord("foo", "0.2.0")))
	require.NoError(t, repo.Revert("foo", snapshot, existed, "Revert update of crate 'foo#0.2.0'"))

	raw, err := os.ReadFile(filepath.Join(repo.root, "3", "f", "foo"))
	require.NoError(t, err)
	assert.Equal(t, snapshot, raw)

	commit := headCommit(t, repo)
	assert.Equal(t, "Revert update of crate 'foo#0.2.0'\n", commit.Message)
}

func TestRevertRemovesNewFile(t *testing.T) {
	repo := testRepository(t)

	snapshot, existed, err := repo.Snapshot("foo")
	require.NoError(t, err)
	require.False(t, existed)

	require.NoError(t, repo.AddRecord(testRecord("foo", "0.1.0")))
	require.NoError(t, repo.Revert("foo", snapshot, existed, "Revert update of crate 'foo#0.1.0'"))

	_, err = os.Stat(filepath.Join(repo.root, "3", "f", "foo"))
	assert.True(t, os.IsNotExist(err))
}

func TestRegistryConfigRoundTrip(t *testing.T) {
	repo := testRepository(t)

	want := &RegistryConfig{
		DL:  "https://crates.example.com/api/v1/crates/{crate}/{version}/download",
		API: "https://crates.example.com",
	}
	require.NoError(t, repo.WriteConfig(want))

	got, err := repo.Config()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
