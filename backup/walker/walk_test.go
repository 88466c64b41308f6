package walker

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/relaybackup/engine/backup/jobspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingVisitor struct {
	files []string
	dirs  []string
	links []string
}

func (v *recordingVisitor) Visit(kind EntryKind, fsPath, archivePath string, info os.FileInfo, isSymlinkPath bool) error {
	switch kind {
	case KindFile:
		v.files = append(v.files, archivePath)
	case KindDir:
		v.dirs = append(v.dirs, archivePath)
	case KindSymlink:
		v.links = append(v.links, archivePath)
	}
	return nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func baseSource(root string) jobspec.FilesystemSource {
	return jobspec.FilesystemSource{
		Root:           root,
		SymlinkPolicy:  jobspec.SymlinkKeep,
		HardlinkPolicy: jobspec.HardlinkCopy,
		ErrorPolicy:    jobspec.ErrorFailFast,
	}
}

func TestWalkLegacyRootWalksAllFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":     "a",
		"sub/b.txt": "b",
	})

	v := &recordingVisitor{}
	require.NoError(t, Walk(baseSource(root), v, &Issues{}))

	sort.Strings(v.files)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, v.files)
	assert.Contains(t, v.dirs, "sub")
}

func TestWalkExcludesMatchingPaths(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"keep.txt":    "k",
		"drop.log":    "d",
		"sub/x.log":   "x",
		"sub/keep.md": "m",
	})

	source := baseSource(root)
	source.Exclude = []string{"**/*.log"}
	v := &recordingVisitor{}
	require.NoError(t, Walk(source, v, &Issues{}))

	sort.Strings(v.files)
	assert.Equal(t, []string{"keep.txt", "sub/keep.md"}, v.files)
}

func TestWalkIncludeFiltersToMatchingFilesOnly(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt": "a",
		"b.bin": "b",
	})

	source := baseSource(root)
	source.Include = []string{"*.txt"}
	v := &recordingVisitor{}
	require.NoError(t, Walk(source, v, &Issues{}))

	assert.Equal(t, []string{"a.txt"}, v.files)
}

func TestWalkSkipsSymlinksUnderSkipPolicy(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"real.txt": "r"})
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")))

	source := baseSource(root)
	source.SymlinkPolicy = jobspec.SymlinkSkip
	v := &recordingVisitor{}
	issues := &Issues{}
	require.NoError(t, Walk(source, v, issues))

	assert.Equal(t, []string{"real.txt"}, v.files)
	assert.Empty(t, v.links)
	assert.NotEmpty(t, issues.Warnings)
}

func TestWalkKeepsSymlinksAsSymlinkEntriesByDefault(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"real.txt": "r"})
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")))

	source := baseSource(root)
	v := &recordingVisitor{}
	require.NoError(t, Walk(source, v, &Issues{}))

	assert.Equal(t, []string{"link.txt"}, v.links)
}

func TestWalkUsingPathsDropsSelectionCoveredByDirectory(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"dir/a.txt": "a",
	})

	source := jobspec.FilesystemSource{
		Paths:         []string{filepath.Join(root, "dir"), filepath.Join(root, "dir", "a.txt")},
		SymlinkPolicy: jobspec.SymlinkKeep,
		ErrorPolicy:   jobspec.ErrorFailFast,
	}
	v := &recordingVisitor{}
	issues := &Issues{}
	require.NoError(t, Walk(source, v, issues))

	assert.Contains(t, v.files, "dir/a.txt")
	assert.NotEmpty(t, issues.Warnings)
}

func TestWalkSkipFailRecordsIssueAndContinues(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})

	source := jobspec.FilesystemSource{
		Paths:         []string{filepath.Join(root, "missing"), filepath.Join(root, "a.txt")},
		SymlinkPolicy: jobspec.SymlinkKeep,
		ErrorPolicy:   jobspec.ErrorSkipFail,
	}
	v := &recordingVisitor{}
	issues := &Issues{}
	require.NoError(t, Walk(source, v, issues))

	assert.Equal(t, []string{"a.txt"}, v.files)
	assert.NotEmpty(t, issues.Errors)
}
