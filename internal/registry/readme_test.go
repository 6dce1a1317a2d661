package registry

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crateTarball builds a gzipped tar the way cargo package lays one out,
// with every file under a "{name}-{vers}/" prefix.
func crateTarball(t *testing.T, name, vers string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for path, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name + "-" + vers + "/" + path,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestRenderReadmeInline(t *testing.T) {
	readme := "# Hello\n\nSome *markdown*."
	meta := &CrateMeta{Name: "foo", Vers: "0.1.0", Readme: &readme}

	html := renderReadme(meta, nil)
	require.NotNil(t, html)
	assert.Contains(t, string(html), "<h1")
	assert.Contains(t, string(html), "<em>markdown</em>")
}

func TestRenderReadmeSanitizesHTML(t *testing.T) {
	readme := "ok\n\n<script>alert('x')</script>"
	meta := &CrateMeta{Name: "foo", Vers: "0.1.0", Readme: &readme}

	html := renderReadme(meta, nil)
	require.NotNil(t, html)
	assert.NotContains(t, string(html), "<script>")
}

func TestRenderReadmeFromTarball(t *testing.T) {
	tarball := crateTarball(t, "foo", "0.1.0", map[string]string{
		"Cargo.toml": "[package]",
		"README.md":  "# From the tarball",
	})
	meta := &CrateMeta{Name: "foo", Vers: "0.1.0"}

	html := renderReadme(meta, tarball)
	require.NotNil(t, html)
	assert.Contains(t, string(html), "From the tarball")
}

func TestRenderReadmeHonorsReadmeFile(t *testing.T) {
	tarball := crateTarball(t, "foo", "0.1.0", map[string]string{
		"README.md": "wrong one",
		"NOTES.md":  "# the real readme",
	})
	file := "NOTES.md"
	meta := &CrateMeta{Name: "foo", Vers: "0.1.0", ReadmeFile: &file}

	html := renderReadme(meta, tarball)
	require.NotNil(t, html)
	assert.Contains(t, string(html), "the real readme")
}

func TestRenderReadmeDegradesOnGarbage(t *testing.T) {
	meta := &CrateMeta{Name: "foo", Vers: "0.1.0"}
	assert.Nil(t, renderReadme(meta, []byte("not a gzip stream")))
}

func TestRenderReadmeMissingFromTarball(t *testing.T) {
	tarball := crateTarball(t, "foo", "0.1.0", map[string]string{"Cargo.toml": "[package]"})
	meta := &CrateMeta{Name: "foo", Vers: "0.1.0"}
	assert.Nil(t, renderReadme(meta, tarball))
}
