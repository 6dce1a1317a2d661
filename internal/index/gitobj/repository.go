package gitobj

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBranch is the branch the index repository commits to. Cargo's
// registry protocol clones whatever HEAD points at; "master" matches the
// convention of existing crate indexes.
const DefaultBranch = "master"

// Repository is an opened non-bare git repository: a working tree plus
// its .git directory.
type Repository struct {
	workDir string
	gitDir  string
	store   *Store
}

// Init creates the repository skeleton under workDir if it is not already
// a git repository, then opens it.
func Init(workDir string) (*Repository, error) {
	gitDir := filepath.Join(workDir, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		for _, dir := range []string{
			filepath.Join(gitDir, "objects"),
			filepath.Join(gitDir, "refs", "heads"),
		} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("git init: %w", err)
			}
		}
		head := fmt.Sprintf("ref: refs/heads/%s\n", DefaultBranch)
		if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte(head), 0o644); err != nil {
			return nil, fmt.Errorf("git init: %w", err)
		}
		config := "[core]\n\trepositoryformatversion = 0\n\tfilemode = true\n\tbare = false\n"
		if err := os.WriteFile(filepath.Join(gitDir, "config"), []byte(config), 0o644); err != nil {
			return nil, fmt.Errorf("git init: %w", err)
		}
	}
	return Open(workDir)
}

// Open opens an existing repository.
func Open(workDir string) (*Repository, error) {
	gitDir := filepath.Join(workDir, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return nil, fmt.Errorf("open repository %s: %w", workDir, err)
	}
	return &Repository{
		workDir: workDir,
		gitDir:  gitDir,
		store:   NewStore(gitDir),
	}, nil
}

// WorkDir returns the working tree root.
func (r *Repository) WorkDir() string { return r.workDir }

// Store returns the repository's object store.
func (r *Repository) Store() *Store { return r.store }

// Head resolves HEAD to a commit hash. On an unborn branch (no commits
// yet) it returns the zero hash and no error.
func (r *Repository) Head() (Hash, error) {
	raw, err := os.ReadFile(filepath.Join(r.gitDir, "HEAD"))
	if err != nil {
		return Hash{}, fmt.Errorf("read HEAD: %w", err)
	}
	target := strings.TrimSpace(string(raw))

	if ref, ok := strings.CutPrefix(target, "ref: "); ok {
		refRaw, err := os.ReadFile(filepath.Join(r.gitDir, filepath.FromSlash(ref)))
		if os.IsNotExist(err) {
			return Hash{}, nil
		}
		if err != nil {
			return Hash{}, fmt.Errorf("read ref %s: %w", ref, err)
		}
		return ParseHash(string(refRaw))
	}
	return ParseHash(target)
}

// updateRef points the branch ref at the given commit. The write is
// atomic via temp + rename.
func (r *Repository) updateRef(branch string, h Hash) error {
	refPath := filepath.Join(r.gitDir, "refs", "heads", branch)
	tmp, err := os.CreateTemp(filepath.Dir(refPath), ".tmp-ref-*")
	if err != nil {
		return fmt.Errorf("update ref: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := fmt.Fprintf(tmp, "%s\n", h); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("update ref: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("update ref: %w", err)
	}
	if err := os.Rename(tmpName, refPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("update ref: %w", err)
	}
	return nil
}

// Commit snapshots the working tree and records it as a new commit on the
// default branch, returning the commit hash.
//
//  1. Walk the working tree (skipping .git) and write blob/tree objects
//  2. Resolve HEAD for the parent commit (absent on the first commit)
//  3. Write the commit object
//  4. Advance the branch ref
func (r *Repository) Commit(author, email, message string, when time.Time) (Hash, error) {
	treeHash, err := r.writeTree(r.workDir)
	if err != nil {
		return Hash{}, fmt.Errorf("commit: %w", err)
	}

	var parents []Hash
	parent, err := r.Head()
	if err != nil {
		return Hash{}, fmt.Errorf("commit: %w", err)
	}
	if !parent.IsZero() {
		parents = append(parents, parent)
	}

	commit := &Commit{
		Tree:    treeHash,
		Parents: parents,
		Author: Signature{
			Name:  author,
			Email: email,
			When:  when,
		},
		Message: message,
	}
	commitHash, err := r.store.Write(TypeCommit, MarshalCommit(commit))
	if err != nil {
		return Hash{}, fmt.Errorf("commit: write commit: %w", err)
	}

	if err := r.updateRef(DefaultBranch, commitHash); err != nil {
		return Hash{}, fmt.Errorf("commit: %w", err)
	}
	return commitHash, nil
}

// ReadCommit reads and parses a commit object.
func (r *Repository) ReadCommit(h Hash) (*Commit, error) {
	objType, data, err := r.store.Read(h)
	if err != nil {
		return nil, err
	}
	if objType != TypeCommit {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, TypeCommit)
	}
	return UnmarshalCommit(data)
}

// writeTree recursively writes blob and tree objects for the directory
// and returns the tree hash. Empty directories are skipped, matching
// git's behavior of not tracking them.
func (r *Repository) writeTree(dir string) (Hash, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return Hash{}, fmt.Errorf("write tree %s: %w", dir, err)
	}

	var entries []TreeEntry
	for _, de := range dirents {
		name := de.Name()
		if name == ".git" {
			continue
		}
		full := filepath.Join(dir, name)

		if de.IsDir() {
			sub, err := r.writeTree(full)
			if err != nil {
				return Hash{}, err
			}
			if sub.IsZero() {
				continue
			}
			entries = append(entries, TreeEntry{Mode: TreeModeDir, Name: name, Hash: sub})
			continue
		}

		data, err := os.ReadFile(full)
		if err != nil {
			return Hash{}, fmt.Errorf("write tree: read %s: %w", full, err)
		}
		blobHash, err := r.store.Write(TypeBlob, data)
		if err != nil {
			return Hash{}, err
		}
		entries = append(entries, TreeEntry{Mode: TreeModeFile, Name: name, Hash: blobHash})
	}

	if len(entries) == 0 {
		// Signal an empty directory to the caller; the root tree may
		// still legitimately be empty on the very first commit.
		if dir != r.workDir {
			return Hash{}, nil
		}
	}
	return r.store.Write(TypeTree, MarshalTree(entries))
}

// LookupPath resolves a slash-separated path inside the given tree and
// returns the blob content, or os.ErrNotExist when absent.
func (r *Repository) LookupPath(tree Hash, path string) ([]byte, error) {
	parts := strings.Split(path, "/")
	current := tree
	for i, part := range parts {
		objType, data, err := r.store.Read(current)
		if err != nil {
			return nil, err
		}
		if objType != TypeTree {
			return nil, fmt.Errorf("lookup %s: %s is not a tree", path, current)
		}
		entries, err := UnmarshalTree(data)
		if err != nil {
			return nil, err
		}

		var found *TreeEntry
		for j := range entries {
			if entries[j].Name == part {
				found = &entries[j]
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("lookup %s: %w", path, os.ErrNotExist)
		}

		if i == len(parts)-1 {
			objType, blob, err := r.store.Read(found.Hash)
			if err != nil {
				return nil, err
			}
			if objType != TypeBlob {
				return nil, fmt.Errorf("lookup %s: not a blob", path)
			}
			return blob, nil
		}
		current = found.Hash
	}
	return nil, fmt.Errorf("lookup %s: %w", path, os.ErrNotExist)
}
