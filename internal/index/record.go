// Package index maintains the git-backed registry index: a working tree
// of JSON-line files, one per crate, which Cargo clients clone and pull.
package index

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
)

// Record is one line of an index file, describing a single published
// version of a crate.
type Record struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []Dependency        `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	Links    *string             `json:"links,omitempty"`
}

// Dependency is one declared dependency of an index record.
type Dependency struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target"`
	Kind            string   `json:"kind"`
	Registry        *string  `json:"registry"`
	Package         *string  `json:"package"`
}

// normalize replaces nil collections so the encoded JSON always carries
// "deps":[] and "features":{} rather than null.
func (r *Record) normalize() {
	if r.Deps == nil {
		r.Deps = []Dependency{}
	}
	for i := range r.Deps {
		if r.Deps[i].Features == nil {
			r.Deps[i].Features = []string{}
		}
	}
	if r.Features == nil {
		r.Features = map[string][]string{}
	}
}

// EncodeRecord serializes a record as a single LF-terminated JSON line.
func EncodeRecord(rec Record) ([]byte, error) {
	rec.normalize()
	line, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode index record: %w", err)
	}
	return append(line, '\n'), nil
}

// DecodeRecord parses a single index line.
func DecodeRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, fmt.Errorf("decode index record: %w", err)
	}
	rec.normalize()
	return rec, nil
}

// DecodeRecords parses every line of an index file.
func DecodeRecords(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read index file: %w", err)
	}
	return records, nil
}

// RecordPath returns the relative, forward-slash path of the index file
// for a crate. The mapping is a total function of the lowercased name:
// 1-char names under "1/", 2-char under "2/", 3-char under "3/<first>/",
// longer names under "<first-two>/<next-two>/".
func RecordPath(name string) string {
	n := strings.ToLower(name)
	switch len(n) {
	case 0:
		return ""
	case 1:
		return path.Join("1", n)
	case 2:
		return path.Join("2", n)
	case 3:
		return path.Join("3", n[:1], n)
	default:
		return path.Join(n[0:2], n[2:4], n)
	}
}
