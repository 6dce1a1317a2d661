package index

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPath(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"a", "1/a"},
		{"ab", "2/ab"},
		{"foo", "3/f/foo"},
		{"serde", "se/rd/serde"},
		{"tokio-util", "to/ki/tokio-util"},
		{"SERDE", "se/rd/serde"},
		{"Foo", "3/f/foo"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RecordPath(tc.name), "name=%q", tc.name)
	}
}

func TestRecordPathDeterministic(t *testing.T) {
	names := []string{"a", "ab", "abc", "abcd", "quite-a-long-crate-name"}
	seen := make(map[string]string)
	for _, name := range names {
		p := RecordPath(name)
		assert.Equal(t, p, RecordPath(name))
		prev, dup := seen[p]
		assert.False(t, dup, "names %q and %q collide on %q", prev, name, p)
		seen[p] = name
	}
}

func TestEncodeRecordWireFormat(t *testing.T) {
	target := "cfg(windows)"
	rec := Record{
		Name: "foo",
		Vers: "0.1.0",
		Deps: []Dependency{{
			Name:            "winapi",
			Req:             "^0.3",
			Features:        []string{"winuser"},
			Optional:        false,
			DefaultFeatures: true,
			Target:          &target,
			Kind:            "normal",
		}},
		Cksum:    "d91b1b82a41c45c1c94d3811b1f1c3c52d1b8e5e3a0c4b5f26549a4a2a4ae180",
		Features: map[string][]string{"default": {"std"}},
		Yanked:   false,
	}

	line, err := EncodeRecord(rec)
	require.NoError(t, err)

	s := string(line)
	assert.True(t, strings.HasSuffix(s, "\n"), "line must be LF-terminated")
	assert.Contains(t, s, `"name":"foo"`)
	assert.Contains(t, s, `"vers":"0.1.0"`)
	assert.Contains(t, s, `"default_features":true`)
	assert.Contains(t, s, `"target":"cfg(windows)"`)
	assert.Contains(t, s, `"registry":null`)
	assert.Contains(t, s, `"package":null`)
	assert.Contains(t, s, `"yanked":false`)
	assert.NotContains(t, s, `"links"`)
}

func TestRecordRoundTrip(t *testing.T) {
	links := "git2"
	registry := "https://example.com/index"
	pkg := "real-name"
	rec := Record{
		Name: "foo",
		Vers: "1.2.3-beta.1",
		Deps: []Dependency{{
			Name:            "renamed",
			Req:             ">=1.0, <2.0",
			Features:        []string{},
			Optional:        true,
			DefaultFeatures: false,
			Kind:            "build",
			Registry:        &registry,
			Package:         &pkg,
		}},
		Cksum:    strings.Repeat("ab", 32),
		Features: map[string][]string{},
		Yanked:   true,
		Links:    &links,
	}

	line, err := EncodeRecord(rec)
	require.NoError(t, err)

	parsed, err := DecodeRecord(line)
	require.NoError(t, err)
	assert.Equal(t, rec, parsed)
}

func TestEncodeRecordNormalizesNilCollections(t *testing.T) {
	line, err := EncodeRecord(Record{Name: "foo", Vers: "0.1.0"})
	require.NoError(t, err)
	assert.Contains(t, string(line), `"deps":[]`)
	assert.Contains(t, string(line), `"features":{}`)
}

func TestDecodeRecordsSkipsBlankLines(t *testing.T) {
	input := `{"name":"foo","vers":"0.1.0","deps":[],"cksum":"aa","features":{},"yanked":false}` + "\n\n" +
		`{"name":"foo","vers":"0.2.0","deps":[],"cksum":"bb","features":{},"yanked":true}` + "\n"

	records, err := DecodeRecords(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "0.1.0", records[0].Vers)
	assert.True(t, records[1].Yanked)
}
