package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/hirevo/alexandrie/internal/index"
)

var crateNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// CrateMeta is the metadata JSON block of a publish upload, as the Cargo
// client sends it.
type CrateMeta struct {
	Name          string              `json:"name"`
	Vers          string              `json:"vers"`
	Deps          []DependencyMeta    `json:"deps"`
	Features      map[string][]string `json:"features"`
	Authors       []string            `json:"authors"`
	Description   *string             `json:"description"`
	Documentation *string             `json:"documentation"`
	Homepage      *string             `json:"homepage"`
	Readme        *string             `json:"readme"`
	ReadmeFile    *string             `json:"readme_file"`
	Keywords      []string            `json:"keywords"`
	Categories    []string            `json:"categories"`
	License       *string             `json:"license"`
	LicenseFile   *string             `json:"license_file"`
	Repository    *string             `json:"repository"`
	Links         *string             `json:"links"`
}

// DependencyMeta is one dependency declaration in the publish metadata.
// Cargo sends the registry-side crate name in Name and, when the manifest
// renamed the dependency, the local alias in ExplicitNameInToml.
type DependencyMeta struct {
	Name               string   `json:"name"`
	VersionReq         string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	Registry           *string  `json:"registry"`
	ExplicitNameInToml *string  `json:"explicit_name_in_toml"`
}

// Limits bounds the variable-size parts of the publish metadata.
type Limits struct {
	MaxKeywords       int
	MaxKeywordLength  int
	MaxCategories     int
	MaxCategoryLength int
}

// DefaultLimits mirrors the bounds crates.io applies.
func DefaultLimits() Limits {
	return Limits{
		MaxKeywords:       10,
		MaxKeywordLength:  20,
		MaxCategories:     5,
		MaxCategoryLength: 64,
	}
}

// ParseMetadata decodes and validates the metadata JSON of a publish
// upload. It fails before any side effect.
func ParseMetadata(data []byte, limits Limits) (*CrateMeta, error) {
	var meta CrateMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errInvalidMetadata("metadata", "malformed JSON")
	}
	if err := meta.validate(limits); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *CrateMeta) validate(limits Limits) error {
	if !crateNameRe.MatchString(m.Name) {
		return errInvalidMetadata("name",
			"must start with a letter and contain only letters, digits, hyphens and underscores (64 max)")
	}
	if _, err := semver.StrictNewVersion(m.Vers); err != nil {
		return errInvalidMetadata("vers", fmt.Sprintf("'%s' is not a valid semver version", m.Vers))
	}
	for _, dep := range m.Deps {
		if !crateNameRe.MatchString(dep.Name) {
			return errInvalidMetadata("deps", fmt.Sprintf("'%s' is not a valid crate name", dep.Name))
		}
		if dep.ExplicitNameInToml != nil && !crateNameRe.MatchString(*dep.ExplicitNameInToml) {
			return errInvalidMetadata("deps",
				fmt.Sprintf("'%s' is not a valid dependency rename", *dep.ExplicitNameInToml))
		}
		if _, err := semver.NewConstraint(dep.VersionReq); err != nil {
			return errInvalidMetadata("deps",
				fmt.Sprintf("'%s' is not a valid version requirement for '%s'", dep.VersionReq, dep.Name))
		}
		switch dep.Kind {
		case "", "normal", "build", "dev":
		default:
			return errInvalidMetadata("deps", fmt.Sprintf("'%s' is not a valid dependency kind", dep.Kind))
		}
	}
	if len(m.Keywords) > limits.MaxKeywords {
		return errInvalidMetadata("keywords", fmt.Sprintf("at most %d keywords allowed", limits.MaxKeywords))
	}
	for _, kw := range m.Keywords {
		if kw == "" || len(kw) > limits.MaxKeywordLength {
			return errInvalidMetadata("keywords",
				fmt.Sprintf("keywords must be 1 to %d characters long", limits.MaxKeywordLength))
		}
	}
	if len(m.Categories) > limits.MaxCategories {
		return errInvalidMetadata("categories", fmt.Sprintf("at most %d categories allowed", limits.MaxCategories))
	}
	for _, cat := range m.Categories {
		if cat == "" || len(cat) > limits.MaxCategoryLength {
			return errInvalidMetadata("categories",
				fmt.Sprintf("categories must be 1 to %d characters long", limits.MaxCategoryLength))
		}
	}
	return nil
}

// NormalizeName folds a crate name for uniqueness checks: lowercased,
// with underscores collapsed into hyphens. The original spelling is kept
// for display and for index/storage keys.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// ToRecord projects the metadata into the index line for this version.
// Renamed dependencies follow the index convention: the line's dep name
// is the alias the crate's code uses, and "package" carries the real
// registry name.
func (m *CrateMeta) ToRecord(cksum string) index.Record {
	deps := make([]index.Dependency, 0, len(m.Deps))
	for _, dep := range m.Deps {
		kind := dep.Kind
		if kind == "" {
			kind = "normal"
		}
		entry := index.Dependency{
			Name:            dep.Name,
			Req:             dep.VersionReq,
			Features:        dep.Features,
			Optional:        dep.Optional,
			DefaultFeatures: dep.DefaultFeatures,
			Target:          dep.Target,
			Kind:            kind,
			Registry:        dep.Registry,
		}
		if dep.ExplicitNameInToml != nil {
			pkg := dep.Name
			entry.Name = *dep.ExplicitNameInToml
			entry.Package = &pkg
		}
		deps = append(deps, entry)
	}
	return index.Record{
		Name:     m.Name,
		Vers:     m.Vers,
		Deps:     deps,
		Cksum:    cksum,
		Features: m.Features,
		Yanked:   false,
		Links:    m.Links,
	}
}
