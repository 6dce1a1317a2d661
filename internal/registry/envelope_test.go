package registry

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildEnvelope(metadata, tarball []byte) []byte {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(metadata)))
	buf.Write(prefix[:])
	buf.Write(metadata)
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(tarball)))
	buf.Write(prefix[:])
	buf.Write(tarball)
	return buf.Bytes()
}

func TestParseEnvelopeRoundTrip(t *testing.T) {
	metadata := []byte(`{"name":"foo"}`)
	tarball := []byte{0x1f, 0x8b, 0x08, 0x00, 0x01, 0x02}

	env, err := ParseEnvelope(bytes.NewReader(buildEnvelope(metadata, tarball)), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, metadata, env.MetadataJSON)
	assert.Equal(t, tarball, env.Tarball)
}

func TestParseEnvelopeOversizeTarball(t *testing.T) {
	metadata := []byte(`{"name":"foo"}`)

	// Declare a 200 MB tarball without sending the bytes; the size check
	// must fire on the length prefix alone.
	var buf bytes.Buffer
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(metadata)))
	buf.Write(prefix[:])
	buf.Write(metadata)
	binary.LittleEndian.PutUint32(prefix[:], 200<<20)
	buf.Write(prefix[:])

	_, err := ParseEnvelope(&buf, 100<<20)
	require.Error(t, err)
	assert.Equal(t, KindPayloadTooLarge, AsError(err).Kind)
}

func TestParseEnvelopeTruncated(t *testing.T) {
	full := buildEnvelope([]byte(`{"name":"foo"}`), []byte("tar bytes"))

	for cut := 0; cut < len(full); cut++ {
		_, err := ParseEnvelope(bytes.NewReader(full[:cut]), 1<<20)
		require.Error(t, err, "cut at %d", cut)
		assert.Equal(t, KindInvalidMetadata, AsError(err).Kind, "cut at %d", cut)
	}
}

func TestParseEnvelopeTrailingBytes(t *testing.T) {
	body := append(buildEnvelope([]byte(`{}`), []byte("tar")), 0xff)
	_, err := ParseEnvelope(bytes.NewReader(body), 1<<20)
	require.Error(t, err)
	assert.Equal(t, KindInvalidMetadata, AsError(err).Kind)
}

func TestParseEnvelopeEmptyParts(t *testing.T) {
	_, err := ParseEnvelope(bytes.NewReader(buildEnvelope(nil, []byte("tar"))), 1<<20)
	assert.Error(t, err)

	_, err = ParseEnvelope(bytes.NewReader(buildEnvelope([]byte(`{}`), nil)), 1<<20)
	assert.Error(t, err)
}
