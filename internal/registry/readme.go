package registry

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

// maxReadmeSize bounds how much README markdown is pulled out of a
// tarball before rendering is abandoned.
const maxReadmeSize = 2 << 20

var readmePolicy = bluemonday.UGCPolicy()

// renderReadme produces the sanitized README HTML for a publish, or nil
// when there is nothing to render. The inline readme field wins; failing
// that, the crate's README file is pulled from the tarball. Any failure
// degrades to no readme, it never fails the publish.
func renderReadme(meta *CrateMeta, tarball []byte) []byte {
	var markdown []byte
	switch {
	case meta.Readme != nil && *meta.Readme != "":
		markdown = []byte(*meta.Readme)
	default:
		extracted, err := extractReadme(meta, tarball)
		if err != nil || extracted == nil {
			return nil
		}
		markdown = extracted
	}
	return renderMarkdown(markdown)
}

func renderMarkdown(markdown []byte) []byte {
	unsafe := blackfriday.Run(markdown)
	return readmePolicy.SanitizeBytes(unsafe)
}

// extractReadme scans the gzipped tar for the crate's README file. Cargo
// packages every file under a "{name}-{vers}/" prefix.
func extractReadme(meta *CrateMeta, tarball []byte) ([]byte, error) {
	wanted := "README.md"
	if meta.ReadmeFile != nil && *meta.ReadmeFile != "" {
		wanted = *meta.ReadmeFile
	}
	prefix := fmt.Sprintf("%s-%s/", meta.Name, meta.Vers)

	gz, err := gzip.NewReader(bytes.NewReader(tarball))
	if err != nil {
		return nil, fmt.Errorf("open tarball: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scan tarball: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !strings.EqualFold(strings.TrimPrefix(hdr.Name, prefix), wanted) {
			continue
		}
		if hdr.Size > maxReadmeSize {
			return nil, nil
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxReadmeSize))
		if err != nil {
			return nil, fmt.Errorf("read readme: %w", err)
		}
		return content, nil
	}
}
