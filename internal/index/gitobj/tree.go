package gitobj

import (
	"bytes"
	"fmt"
	"sort"
)

// Tree mode constants, git's canonical mode strings.
const (
	TreeModeDir  = "40000"
	TreeModeFile = "100644"
)

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Mode string
	Name string
	Hash Hash
}

// MarshalTree serializes tree entries to git's binary tree format:
// "<mode> <name>\0" followed by the 20 raw hash bytes, per entry.
// Entries are sorted the way git sorts them, with directory names
// compared as if they had a trailing slash.
func MarshalTree(entries []TreeEntry) []byte {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})

	var buf bytes.Buffer
	for _, e := range sorted {
		fmt.Fprintf(&buf, "%s %s\x00", e.Mode, e.Name)
		buf.Write(e.Hash[:])
	}
	return buf.Bytes()
}

func treeSortKey(e TreeEntry) string {
	if e.Mode == TreeModeDir {
		return e.Name + "/"
	}
	return e.Name
}

// UnmarshalTree parses git's binary tree format.
func UnmarshalTree(data []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for len(data) > 0 {
		nulIdx := bytes.IndexByte(data, 0)
		if nulIdx < 0 || len(data) < nulIdx+1+20 {
			return nil, fmt.Errorf("unmarshal tree: truncated entry")
		}
		mode, name, ok := bytes.Cut(data[:nulIdx], []byte(" "))
		if !ok {
			return nil, fmt.Errorf("unmarshal tree: invalid entry header %q", data[:nulIdx])
		}
		var h Hash
		copy(h[:], data[nulIdx+1:nulIdx+1+20])
		entries = append(entries, TreeEntry{
			Mode: string(mode),
			Name: string(name),
			Hash: h,
		})
		data = data[nulIdx+1+20:]
	}
	return entries, nil
}
