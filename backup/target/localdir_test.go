package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDirPutAndGetBytes(t *testing.T) {
	base := t.TempDir()
	tgt := NewLocalDir(base)
	ctx := context.Background()

	require.NoError(t, tgt.PutBytes(ctx, "job1/run1/manifest.json", []byte(`{"a":1}`), "application/json"))
	data, err := tgt.GetBytes(ctx, "job1/run1/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// No leftover .partial file.
	_, err = os.Stat(filepath.Join(base, "job1/run1/manifest.json.partial"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalDirHeadSize(t *testing.T) {
	base := t.TempDir()
	tgt := NewLocalDir(base)
	ctx := context.Background()

	_, ok, err := tgt.HeadSize(ctx, "job1/run1/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tgt.PutBytes(ctx, "job1/run1/payload.part000001", []byte("hello"), ""))
	size, ok, err := tgt.HeadSize(ctx, "job1/run1/payload.part000001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), size)
}

func TestLocalDirPutFileAndGetToFile(t *testing.T) {
	base := t.TempDir()
	tgt := NewLocalDir(base)
	ctx := context.Background()

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "part")
	require.NoError(t, os.WriteFile(srcPath, []byte("part-bytes"), 0o644))

	require.NoError(t, tgt.PutFile(ctx, "job1/run1/payload.part000001", srcPath))

	destDir := t.TempDir()
	dest := filepath.Join(destDir, "restored-part")
	require.NoError(t, tgt.GetToFile(ctx, "job1/run1/payload.part000001", dest, int64(len("part-bytes"))))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "part-bytes", string(data))

	// Size mismatch fails and leaves no partial.
	err = tgt.GetToFile(ctx, "job1/run1/payload.part000001", dest, 999)
	assert.Error(t, err)
	_, statErr := os.Stat(dest + ".partial")
	assert.True(t, os.IsNotExist(statErr))
}

func TestLocalDirPropfindAndDelete(t *testing.T) {
	base := t.TempDir()
	tgt := NewLocalDir(base)
	ctx := context.Background()

	require.NoError(t, tgt.PutBytes(ctx, "job1/run1/manifest.json", []byte("{}"), ""))
	require.NoError(t, tgt.PutBytes(ctx, "job1/run1/complete.json", []byte("{}"), ""))

	entries, err := tgt.PropfindDepth1(ctx, "job1/run1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = tgt.PropfindDepth1(ctx, "job1/run1/manifest.json")
	assert.IsType(t, &ErrNotDirectory{}, err)

	existed, err := tgt.Delete(ctx, "job1/run1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = tgt.Delete(ctx, "job1/run1")
	require.NoError(t, err)
	assert.False(t, existed)
}
