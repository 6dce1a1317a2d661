package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hirevo/alexandrie/internal/index/gitobj"
)

// Common index error types
var (
	// ErrCrateNotFound is returned when no index file exists for a crate.
	ErrCrateNotFound = errors.New("crate not found in index")

	// ErrVersionExists is returned when adding a record whose version is
	// already listed in the crate's index file.
	ErrVersionExists = errors.New("version already exists in index")

	// ErrVersionNotFound is returned when mutating a version that is not
	// listed in the crate's index file.
	ErrVersionNotFound = errors.New("version not found in index")
)

// RegistryConfig is the config.json committed at the index root, read by
// Cargo to locate the download and API endpoints.
type RegistryConfig struct {
	DL                string   `json:"dl"`
	API               string   `json:"api,omitempty"`
	AllowedRegistries []string `json:"allowed-registries,omitempty"`
}

// Config holds the parameters for opening an index repository.
type Config struct {
	// Path is the index working tree root.
	Path string

	// Remote is an optional upstream URL. When set, Refresh pulls from it
	// and successful commits are pushed to it best-effort.
	Remote string

	// AuthorName and AuthorEmail form the commit identity.
	AuthorName  string
	AuthorEmail string

	Logger *zap.Logger
}

// Repository is the git-backed registry index. All mutations take an
// exclusive lock for the whole of stage+commit, so git clients only ever
// observe committed states.
type Repository struct {
	mu sync.Mutex

	git    *gitobj.Repository
	root   string
	remote string

	authorName  string
	authorEmail string

	logger *zap.Logger
}

// Open opens (initializing if needed) the index repository at cfg.Path.
func Open(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	git, err := gitobj.Init(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Repository{
		git:         git,
		root:        cfg.Path,
		remote:      cfg.Remote,
		authorName:  cfg.AuthorName,
		authorEmail: cfg.AuthorEmail,
		logger:      cfg.Logger.Named("index"),
	}, nil
}

// Config reads the registry configuration committed at the index root.
func (r *Repository) Config() (*RegistryConfig, error) {
	raw, err := os.ReadFile(filepath.Join(r.root, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("read index config: %w", err)
	}
	var cfg RegistryConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse index config: %w", err)
	}
	return &cfg, nil
}

// WriteConfig writes config.json and commits it. Used when initializing a
// fresh registry index.
func (r *Repository) WriteConfig(cfg *RegistryConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index config: %w", err)
	}
	raw = append(raw, '\n')

	prev, existed, err := r.fileSnapshot("config.json")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(r.root, "config.json"), raw, 0o644); err != nil {
		return fmt.Errorf("write index config: %w", err)
	}
	if err := r.commit("Configuring the registry"); err != nil {
		r.restoreFile("config.json", prev, existed)
		return err
	}
	return nil
}

// AddRecord appends a new version line to the crate's index file and
// commits the change. The file is read fully first: a line carrying the
// same version fails with ErrVersionExists and leaves the index
// untouched.
func (r *Repository) AddRecord(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel := RecordPath(rec.Name)
	if rel == "" {
		return fmt.Errorf("add record: empty crate name")
	}

	prev, existed, err := r.fileSnapshot(rel)
	if err != nil {
		return err
	}
	if existed {
		records, err := DecodeRecords(bytes.NewReader(prev))
		if err != nil {
			return fmt.Errorf("add record %s: %w", rec.Name, err)
		}
		for _, existing := range records {
			if existing.Vers == rec.Vers {
				return fmt.Errorf("%s#%s: %w", rec.Name, rec.Vers, ErrVersionExists)
			}
		}
	}

	line, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	// Strictly append; non-mutated lines keep their exact bytes.
	content := prev
	if existed && len(content) > 0 && content[len(content)-1] != '\n' {
		content = append(content, '\n')
	}
	content = append(content, line...)

	if err := r.writeFile(rel, content); err != nil {
		return err
	}
	if err := r.commit(fmt.Sprintf("Updating crate '%s#%s'", rec.Name, rec.Vers)); err != nil {
		r.restoreFile(rel, prev, existed)
		return err
	}
	return nil
}

// ModifyYank rewrites the crate's index file, toggling the yanked flag of
// the matching version line and nothing else. Non-mutated lines are
// preserved byte for byte.
func (r *Repository) ModifyYank(name, vers string, yanked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel := RecordPath(name)
	prev, existed, err := r.fileSnapshot(rel)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("%s: %w", name, ErrCrateNotFound)
	}

	lines := splitLines(prev)
	found := false
	for i, line := range lines {
		rec, err := DecodeRecord(line)
		if err != nil {
			return fmt.Errorf("yank %s: %w", name, err)
		}
		if rec.Vers != vers {
			continue
		}
		found = true
		if rec.Yanked == yanked {
			// Nothing to change; avoid an empty commit.
			return nil
		}
		rec.Yanked = yanked
		encoded, err := EncodeRecord(rec)
		if err != nil {
			return err
		}
		lines[i] = bytes.TrimSuffix(encoded, []byte("\n"))
		break
	}
	if !found {
		return fmt.Errorf("%s#%s: %w", name, vers, ErrVersionNotFound)
	}

	content := bytes.Join(lines, []byte("\n"))
	content = append(content, '\n')

	if err := r.writeFile(rel, content); err != nil {
		return err
	}

	verb := "Yanking"
	if !yanked {
		verb = "Unyanking"
	}
	if err := r.commit(fmt.Sprintf("%s crate '%s#%s'", verb, name, vers)); err != nil {
		r.restoreFile(rel, prev, existed)
		return err
	}
	return nil
}

// Snapshot returns the current raw content of the crate's index file, for
// use as a compensation baseline. The second result reports whether the
// file exists.
func (r *Repository) Snapshot(name string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileSnapshot(RecordPath(name))
}

// Revert restores the crate's index file to a previously captured
// snapshot and commits the restoration. It is the compensation step of
// the publish pipeline.
func (r *Repository) Revert(name string, snapshot []byte, existed bool, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel := RecordPath(name)
	cur, curExisted, err := r.fileSnapshot(rel)
	if err != nil {
		return err
	}
	if curExisted == existed && bytes.Equal(cur, snapshot) {
		return nil
	}

	if err := r.restoreFile(rel, snapshot, existed); err != nil {
		return err
	}
	if err := r.commit(message); err != nil {
		// Put the tree back the way it was so the worktree matches HEAD.
		r.restoreFile(rel, cur, curExisted)
		return err
	}
	return nil
}

// AllRecords returns every version line of the crate's index file in
// publish order.
func (r *Repository) AllRecords(name string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, existed, err := r.fileSnapshot(RecordPath(name))
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, fmt.Errorf("%s: %w", name, ErrCrateNotFound)
	}
	return DecodeRecords(bytes.NewReader(raw))
}

// Refresh pulls the latest index changes from the upstream remote via a
// fast-forward-only pull. It is a no-op when no remote is configured.
func (r *Repository) Refresh(ctx context.Context) error {
	if r.remote == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := exec.CommandContext(ctx, "git", "pull", "--ff-only", r.remote, gitobj.DefaultBranch)
	cmd.Dir = r.root
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("index refresh: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// commit records the staged working tree. When a remote is configured the
// new commit is pushed best-effort; a push failure is logged, not
// surfaced, since the local commit is the authoritative state.
func (r *Repository) commit(message string) error {
	hash, err := r.git.Commit(r.authorName, r.authorEmail, message, time.Now())
	if err != nil {
		return fmt.Errorf("index commit: %w", err)
	}
	r.logger.Debug("index commit",
		zap.String("hash", hash.String()),
		zap.String("message", message))

	if r.remote != "" {
		cmd := exec.Command("git", "push", r.remote, gitobj.DefaultBranch)
		cmd.Dir = r.root
		if out, err := cmd.CombinedOutput(); err != nil {
			r.logger.Warn("index push failed",
				zap.Error(err),
				zap.ByteString("output", bytes.TrimSpace(out)))
		}
	}
	return nil
}

func (r *Repository) fileSnapshot(rel string) ([]byte, bool, error) {
	raw, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read index file %s: %w", rel, err)
	}
	return raw, true, nil
}

func (r *Repository) writeFile(rel string, content []byte) error {
	abs := filepath.Join(r.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("write index file %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("write index file %s: %w", rel, err)
	}
	return nil
}

func (r *Repository) restoreFile(rel string, snapshot []byte, existed bool) error {
	abs := filepath.Join(r.root, filepath.FromSlash(rel))
	if !existed {
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("restore index file %s: %w", rel, err)
		}
		return nil
	}
	return r.writeFile(rel, snapshot)
}

func splitLines(content []byte) [][]byte {
	trimmed := bytes.TrimSuffix(content, []byte("\n"))
	if len(trimmed) == 0 {
		return nil
	}
	return bytes.Split(trimmed, []byte("\n"))
}
