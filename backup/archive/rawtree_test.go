package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybackup/engine/backup/artifact"
	"github.com/relaybackup/engine/backup/entries"
	"github.com/relaybackup/engine/backup/jobspec"
	"github.com/relaybackup/engine/backup/walker"
)

func TestWriteRawTreeCopiesFilesVerbatim(t *testing.T) {
	root := t.TempDir()
	writeSourceTree(t, root, map[string]string{
		"a.txt":     "hello",
		"sub/b.txt": "world",
	})

	stage := t.TempDir()
	var entriesBuf bytes.Buffer
	ew, err := entries.NewWriter(&entriesBuf)
	require.NoError(t, err)

	source := jobspec.FilesystemSource{
		Root:          root,
		SymlinkPolicy: jobspec.SymlinkKeep,
		ErrorPolicy:   jobspec.ErrorFailFast,
	}
	_, err = WriteRawTree(stage, source, ew, &walker.Issues{})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(stage, artifact.RawTreeDataDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	content, err = os.ReadFile(filepath.Join(stage, artifact.RawTreeDataDir, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))

	_, err = os.Stat(filepath.Join(stage, artifact.RawTreeDataDir, "a.txt.partial"))
	assert.True(t, os.IsNotExist(err))

	er, err := entries.NewReader(&entriesBuf)
	require.NoError(t, err)
	defer er.Close()
	records, err := er.All()
	require.NoError(t, err)

	var fileCount int
	for _, r := range records {
		if r.Kind == entries.KindFile {
			fileCount++
			assert.NotEmpty(t, r.Hash)
		}
	}
	assert.Equal(t, 2, fileCount)
}
