// Package gitobj implements the subset of git plumbing the registry index
// needs: loose object storage, tree snapshots, commits and branch refs.
// Objects are written in git's canonical loose format (zlib-compressed
// "type len\0content", SHA-1 addressed), so the resulting repository is
// readable by stock git and by Cargo.
package gitobj

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Hash is a raw 20-byte SHA-1 object id.
type Hash [20]byte

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the all-zero id.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a 40-character hex object id.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != len(h) {
		return h, fmt.Errorf("invalid object id %q", s)
	}
	copy(h[:], raw)
	return h, nil
}

// Object type constants.
const (
	TypeBlob   = "blob"
	TypeTree   = "tree"
	TypeCommit = "commit"
)

// HashObject computes the id of an object without storing it.
func HashObject(objType string, data []byte) Hash {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", objType, len(data))
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Store is a loose-object store under a .git directory, using git's
// 2-character fan-out layout: objects/ab/cdef0123...
type Store struct {
	gitDir string
}

// NewStore creates a Store for the given .git directory.
func NewStore(gitDir string) *Store {
	return &Store{gitDir: gitDir}
}

func (s *Store) objectPath(h Hash) string {
	name := h.String()
	return filepath.Join(s.gitDir, "objects", name[:2], name[2:])
}

// Has reports whether the store contains an object with the given hash.
func (s *Store) Has(h Hash) bool {
	_, err := os.Stat(s.objectPath(h))
	return err == nil
}

// Write stores an object and returns its id. Writes are atomic: the
// compressed object is written to a temp file and renamed into place.
func (s *Store) Write(objType string, data []byte) (Hash, error) {
	h := HashObject(objType, data)

	// Fast path: already exists.
	if s.Has(h) {
		return h, nil
	}

	dir := filepath.Dir(s.objectPath(h))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Hash{}, fmt.Errorf("object write mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-obj-*")
	if err != nil {
		return Hash{}, fmt.Errorf("object write tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	zw := zlib.NewWriter(tmp)
	if _, err := fmt.Fprintf(zw, "%s %d\x00", objType, len(data)); err == nil {
		_, err = zw.Write(data)
	}
	if err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmpName)
		return Hash{}, fmt.Errorf("object write: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Hash{}, fmt.Errorf("object write flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Hash{}, fmt.Errorf("object write close: %w", err)
	}

	if err := os.Rename(tmpName, s.objectPath(h)); err != nil {
		os.Remove(tmpName)
		return Hash{}, fmt.Errorf("object write rename: %w", err)
	}
	return h, nil
}

// Read retrieves an object by id, returning its type and content.
func (s *Store) Read(h Hash) (string, []byte, error) {
	f, err := os.Open(s.objectPath(h))
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}

	// Parse envelope: "type len\0content"
	nulIdx := bytes.IndexByte(raw, 0)
	if nulIdx < 0 {
		return "", nil, fmt.Errorf("object read %s: invalid format (no NUL)", h)
	}
	header := string(raw[:nulIdx])
	content := raw[nulIdx+1:]

	objType, lenStr, ok := strings.Cut(header, " ")
	if !ok {
		return "", nil, fmt.Errorf("object read %s: invalid header %q", h, header)
	}
	length, err := strconv.Atoi(lenStr)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: invalid length %q: %w", h, lenStr, err)
	}
	if len(content) != length {
		return "", nil, fmt.Errorf("object read %s: length mismatch (header=%d, actual=%d)", h, length, len(content))
	}
	return objType, content, nil
}
