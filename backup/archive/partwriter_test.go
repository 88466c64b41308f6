package archive

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestPartWriterSplitsOnBoundary(t *testing.T) {
	dir := t.TempDir()
	pw, err := NewPartWriter(dir, 10)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("a"), 25)
	n, err := pw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	parts, err := pw.Finish()
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, int64(10), parts[0].Size)
	assert.Equal(t, int64(10), parts[1].Size)
	assert.Equal(t, int64(5), parts[2].Size)
	assert.Equal(t, "payload.part000001", parts[0].Name)
	assert.Equal(t, "payload.part000003", parts[2].Name)

	for _, p := range parts {
		raw, err := os.ReadFile(filepath.Join(dir, p.Name))
		require.NoError(t, err)
		sum := blake3.Sum256(raw)
		decoded, err := hex.DecodeString(p.Hash)
		require.NoError(t, err)
		assert.Equal(t, sum[:], decoded)
	}
}

func TestPartWriterExactBoundaryProducesNoEmptyTrailingPart(t *testing.T) {
	dir := t.TempDir()
	pw, err := NewPartWriter(dir, 8)
	require.NoError(t, err)

	_, err = pw.Write(bytes.Repeat([]byte("b"), 16))
	require.NoError(t, err)

	parts, err := pw.Finish()
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, int64(8), parts[0].Size)
	assert.Equal(t, int64(8), parts[1].Size)
}

func TestPartWriterEmptyStreamProducesNoParts(t *testing.T) {
	dir := t.TempDir()
	pw, err := NewPartWriter(dir, 8)
	require.NoError(t, err)

	parts, err := pw.Finish()
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestPartWriterHandlesRandomMultiWriteStream(t *testing.T) {
	dir := t.TempDir()
	pw, err := NewPartWriter(dir, 1024)
	require.NoError(t, err)

	var all bytes.Buffer
	for i := 0; i < 7; i++ {
		chunk := make([]byte, 300)
		_, _ = rand.Read(chunk)
		all.Write(chunk)
		_, err := pw.Write(chunk)
		require.NoError(t, err)
	}

	parts, err := pw.Finish()
	require.NoError(t, err)

	var reassembled bytes.Buffer
	for _, p := range parts {
		raw, err := os.ReadFile(filepath.Join(dir, p.Name))
		require.NoError(t, err)
		reassembled.Write(raw)
	}
	assert.Equal(t, all.Bytes(), reassembled.Bytes())
}
