package db

import "time"

// Crate is a row of the crates table. The normalized name (lowercased,
// with '_' folded into '-') is what uniqueness is enforced on; the
// original spelling is preserved for display.
type Crate struct {
	ID             int64
	Name           string
	NormalizedName string
	Description    *string
	Documentation  *string
	Homepage       *string
	Repository     *string
	Downloads      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Version is a row of the crate_versions table. A version is immutable
// once published, except for the yanked flag.
type Version struct {
	ID        int64
	CrateID   int64
	Vers      string
	Cksum     string
	Features  map[string][]string
	Links     *string
	Yanked    bool
	Downloads int64
	CreatedAt time.Time
}

// Dependency is a row of the version_dependencies table.
type Dependency struct {
	ID              int64
	VersionID       int64
	Name            string
	Req             string
	Features        []string
	Optional        bool
	DefaultFeatures bool
	Target          *string
	Kind            string
	Registry        *string
	Package         *string
}

// Author is a row of the authors table. Authors double as registry
// accounts (owners) and as declared crate authors.
type Author struct {
	ID    int64
	Login string
	Name  string
}
