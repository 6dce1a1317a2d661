package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMeta() string {
	return `{
		"name": "foo",
		"vers": "0.1.0",
		"deps": [
			{"name": "serde", "version_req": "^1.0", "features": ["derive"],
			 "optional": false, "default_features": true, "target": null,
			 "kind": "normal", "registry": null}
		],
		"features": {"default": ["std"]},
		"authors": ["Jane Doe <jane@example.com>"],
		"description": "a test crate",
		"keywords": ["testing"],
		"categories": ["development-tools"]
	}`
}

func TestParseMetadataValid(t *testing.T) {
	meta, err := ParseMetadata([]byte(validMeta()), DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, "foo", meta.Name)
	assert.Equal(t, "0.1.0", meta.Vers)
	require.Len(t, meta.Deps, 1)
	assert.Equal(t, "serde", meta.Deps[0].Name)
	assert.Equal(t, "^1.0", meta.Deps[0].VersionReq)
}

func TestParseMetadataRejections(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"malformed json", `{"name":`},
		{"empty name", `{"name":"","vers":"1.0.0"}`},
		{"name starts with digit", `{"name":"1password","vers":"1.0.0"}`},
		{"name too long", `{"name":"a` + strings.Repeat("b", 64) + `","vers":"1.0.0"}`},
		{"name with slash", `{"name":"foo/bar","vers":"1.0.0"}`},
		{"bad version", `{"name":"foo","vers":"not-semver"}`},
		{"partial version", `{"name":"foo","vers":"1.0"}`},
		{"bad dep name", `{"name":"foo","vers":"1.0.0","deps":[{"name":"-bad","version_req":"^1"}]}`},
		{"bad dep req", `{"name":"foo","vers":"1.0.0","deps":[{"name":"ok","version_req":"not a req"}]}`},
		{"bad dep kind", `{"name":"foo","vers":"1.0.0","deps":[{"name":"ok","version_req":"^1","kind":"weird"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMetadata([]byte(tc.json), DefaultLimits())
			require.Error(t, err)
			assert.Equal(t, KindInvalidMetadata, AsError(err).Kind)
		})
	}
}

func TestParseMetadataCargoRequirementGrammar(t *testing.T) {
	for _, req := range []string{"^1.0", "~1.2.3", "*", ">= 1.0, < 2.0", "=0.4.1", "1.2.*"} {
		json := `{"name":"foo","vers":"1.0.0","deps":[{"name":"dep","version_req":"` + req + `"}]}`
		_, err := ParseMetadata([]byte(json), DefaultLimits())
		assert.NoError(t, err, "requirement %q", req)
	}
}

func TestParseMetadataKeywordAndCategoryBounds(t *testing.T) {
	limits := Limits{MaxKeywords: 2, MaxKeywordLength: 5, MaxCategories: 1, MaxCategoryLength: 5}

	_, err := ParseMetadata([]byte(`{"name":"foo","vers":"1.0.0","keywords":["a","b","c"]}`), limits)
	assert.Error(t, err)

	_, err = ParseMetadata([]byte(`{"name":"foo","vers":"1.0.0","keywords":["toolong"]}`), limits)
	assert.Error(t, err)

	_, err = ParseMetadata([]byte(`{"name":"foo","vers":"1.0.0","categories":["a","b"]}`), limits)
	assert.Error(t, err)

	_, err = ParseMetadata([]byte(`{"name":"foo","vers":"1.0.0","keywords":["ok"],"categories":["ok"]}`), limits)
	assert.NoError(t, err)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "serde-json", NormalizeName("serde_json"))
	assert.Equal(t, "serde-json", NormalizeName("Serde-JSON"))
	assert.Equal(t, "foo", NormalizeName("foo"))
}

func TestToRecordRenamedDependency(t *testing.T) {
	alias := "local_name"
	meta, err := ParseMetadata([]byte(`{
		"name": "foo", "vers": "1.0.0",
		"deps": [{"name": "real-crate", "version_req": "^1", "explicit_name_in_toml": "`+alias+`"}]
	}`), DefaultLimits())
	require.NoError(t, err)

	rec := meta.ToRecord("abc123")
	require.Len(t, rec.Deps, 1)
	assert.Equal(t, alias, rec.Deps[0].Name)
	require.NotNil(t, rec.Deps[0].Package)
	assert.Equal(t, "real-crate", *rec.Deps[0].Package)
	assert.Equal(t, "normal", rec.Deps[0].Kind)
	assert.Equal(t, "abc123", rec.Cksum)
	assert.False(t, rec.Yanked)
}
