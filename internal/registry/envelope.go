package registry

import (
	"encoding/binary"
	"errors"
	"io"
)

// maxMetadataSize bounds the metadata JSON block. Real crate manifests
// are a few kilobytes; anything near this limit is garbage input.
const maxMetadataSize = 8 << 20

// Envelope is a decoded publish upload: a length-prefixed metadata JSON
// block followed by a length-prefixed tarball.
type Envelope struct {
	MetadataJSON []byte
	Tarball      []byte
}

// ParseEnvelope decodes the publish wire format:
//
//	u32_le metadata length | metadata JSON | u32_le tarball length | tarball
//
// The declared lengths must exactly consume the input. The tarball size
// limit is enforced after reading its length prefix, before any of the
// tarball bytes are read.
func ParseEnvelope(r io.Reader, maxCrateSize int64) (*Envelope, error) {
	metaLen, err := readLength(r)
	if err != nil {
		return nil, errInvalidMetadata("upload", "truncated metadata length prefix")
	}
	if metaLen == 0 || int64(metaLen) > maxMetadataSize {
		return nil, errInvalidMetadata("upload", "unreasonable metadata length")
	}

	metadata := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metadata); err != nil {
		return nil, errInvalidMetadata("upload", "truncated metadata block")
	}

	tarLen, err := readLength(r)
	if err != nil {
		return nil, errInvalidMetadata("upload", "truncated tarball length prefix")
	}
	if int64(tarLen) > maxCrateSize {
		return nil, errPayloadTooLarge(tarLen, maxCrateSize)
	}
	if tarLen == 0 {
		return nil, errInvalidMetadata("upload", "empty tarball")
	}

	tarball := make([]byte, tarLen)
	if _, err := io.ReadFull(r, tarball); err != nil {
		return nil, errInvalidMetadata("upload", "truncated tarball block")
	}

	// The two length prefixes must account for the whole body.
	var trailer [1]byte
	if _, err := io.ReadFull(r, trailer[:]); !errors.Is(err, io.EOF) {
		return nil, errInvalidMetadata("upload", "trailing bytes after tarball")
	}

	return &Envelope{MetadataJSON: metadata, Tarball: tarball}, nil
}

func readLength(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
