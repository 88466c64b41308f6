package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybackup/engine/backup/entries"
	"github.com/relaybackup/engine/backup/jobspec"
	"github.com/relaybackup/engine/backup/walker"
)

func writeSourceTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func readAllParts(t *testing.T, dir string) []byte {
	t.Helper()
	entriesDir, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entriesDir {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sortStrings(names)
	var out bytes.Buffer
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		out.Write(data)
	}
	return out.Bytes()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func TestWriteTarZstdPartsProducesExtractableArchive(t *testing.T) {
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
		Root:           root,
		SymlinkPolicy:  jobspec.SymlinkKeep,
		HardlinkPolicy: jobspec.HardlinkCopy,
		ErrorPolicy:    jobspec.ErrorFailFast,
	}
	pipeline := jobspec.Pipeline{Format: jobspec.FormatArchiveV1, Encryption: jobspec.EncryptionNone, SplitBytes: 1 << 20}
	issues := &walker.Issues{}

	parts, _, err := WriteTarZstdParts(stage, source, pipeline, ew, issues)
	require.NoError(t, err)
	require.Len(t, parts, 1)

	raw := readAllParts(t, stage)
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer dec.Close()

	tr := tar.NewReader(dec)
	seen := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			content, err := io.ReadAll(tr)
			require.NoError(t, err)
			seen[hdr.Name] = string(content)
		}
	}
	assert.Equal(t, "hello", seen["a.txt"])
	assert.Equal(t, "world", seen["sub/b.txt"])
}

func TestWriteTarZstdPartsRecordsHardlinkWithoutRestreamingBytes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("same"), 0o644))
	require.NoError(t, os.Link(filepath.Join(root, "a.txt"), filepath.Join(root, "b.txt")))

	stage := t.TempDir()
	var entriesBuf bytes.Buffer
	ew, err := entries.NewWriter(&entriesBuf)
	require.NoError(t, err)

	source := jobspec.FilesystemSource{
		Root:           root,
		SymlinkPolicy:  jobspec.SymlinkKeep,
		HardlinkPolicy: jobspec.HardlinkKeep,
		ErrorPolicy:    jobspec.ErrorFailFast,
	}
	pipeline := jobspec.Pipeline{Format: jobspec.FormatArchiveV1, Encryption: jobspec.EncryptionNone, SplitBytes: 1 << 20}

	_, _, err = WriteTarZstdParts(stage, source, pipeline, ew, &walker.Issues{})
	require.NoError(t, err)

	er, err := entries.NewReader(&entriesBuf)
	require.NoError(t, err)
	defer er.Close()
	records, err := er.All()
	require.NoError(t, err)

	byPath := map[string]entries.Record{}
	for _, r := range records {
		byPath[r.Path] = r
	}
	require.Contains(t, byPath, "a.txt")
	require.Contains(t, byPath, "b.txt")
	assert.Equal(t, byPath["a.txt"].Hash, byPath["b.txt"].Hash)
	assert.Equal(t, "a.txt", byPath["b.txt"].HardlinkGroup)
}
