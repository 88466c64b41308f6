package entries

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	hash := "deadbeef"
	require.NoError(t, w.Append(Record{Path: "a.txt", Kind: KindFile, Size: 2, HashAlg: "blake3", Hash: hash}))
	require.NoError(t, w.Append(Record{Path: "dir/b.txt", Kind: KindFile, Size: 3}))
	require.NoError(t, w.Append(Record{Path: "dir", Kind: KindDir}))
	require.NoError(t, w.Close())
	assert.Equal(t, int64(3), w.Count())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()

	records, err := r.All()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a.txt", records[0].Path)
	assert.Equal(t, hash, records[0].Hash)
}

func TestReaderDeduplicatesByFirstOccurrence(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.Append(Record{Path: "a.txt", Kind: KindFile, Size: 1}))
	require.NoError(t, w.Append(Record{Path: "a.txt", Kind: KindFile, Size: 999}))
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()

	records, err := r.All()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].Size)
}

func TestRecordValidateRejectsEmptyPath(t *testing.T) {
	err := (&Record{Path: "", Kind: KindFile}).Validate()
	require.Error(t, err)
}

func TestRecordValidateRequiresHashWhenHashAlgSet(t *testing.T) {
	err := (&Record{Path: "a.txt", Kind: KindFile, HashAlg: "blake3"}).Validate()
	require.Error(t, err)
}

func TestWriterRejectsInvalidRecordBeforeWriting(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	err = w.Append(Record{Path: "", Kind: KindFile})
	require.Error(t, err)
	require.NoError(t, w.Close())
}

func TestReaderNextReturnsEOFAtEnd(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestListChildrenSortsDirsFirstThenFiles(t *testing.T) {
	records := []Record{
		{Path: "c.txt", Kind: KindFile},
		{Path: "a.txt", Kind: KindFile},
		{Path: "b", Kind: KindDir},
		{Path: "z", Kind: KindSymlink},
	}
	page := ListChildren(records, "", 0, 10, false)
	require.Len(t, page.Children, 4)
	assert.Equal(t, "b", page.Children[0].Name)
	assert.Equal(t, KindDir, page.Children[0].Kind)
	assert.Equal(t, "a.txt", page.Children[1].Name)
	assert.Equal(t, "c.txt", page.Children[2].Name)
	assert.Equal(t, "z", page.Children[3].Name)
	assert.Nil(t, page.NextCursor)
}

func TestListChildrenInfersDirFromNestedFileRecords(t *testing.T) {
	records := []Record{
		{Path: "dir/a.txt", Kind: KindFile},
		{Path: "dir/b.txt", Kind: KindFile},
	}
	page := ListChildren(records, "", 0, 10, false)
	require.Len(t, page.Children, 1)
	assert.Equal(t, "dir", page.Children[0].Name)
	assert.Equal(t, KindDir, page.Children[0].Kind)
}

func TestListChildrenExplicitDirRecordWinsOverInference(t *testing.T) {
	records := []Record{
		{Path: "dir", Kind: KindDir},
		{Path: "dir/a.txt", Kind: KindFile},
	}
	page := ListChildren(records, "", 0, 10, false)
	require.Len(t, page.Children, 1)
	assert.Equal(t, KindDir, page.Children[0].Kind)
}

func TestListChildrenScopesToPrefix(t *testing.T) {
	records := []Record{
		{Path: "a.txt", Kind: KindFile},
		{Path: "dir/a.txt", Kind: KindFile},
		{Path: "dir/b.txt", Kind: KindFile},
		{Path: "dir/sub/c.txt", Kind: KindFile},
	}
	page := ListChildren(records, "dir", 0, 10, false)
	require.Len(t, page.Children, 3)
	names := []string{page.Children[0].Name, page.Children[1].Name, page.Children[2].Name}
	assert.Contains(t, names, "sub")
	assert.Contains(t, names, "a.txt")
	assert.Contains(t, names, "b.txt")
}

func TestListChildrenPaging(t *testing.T) {
	records := []Record{
		{Path: "a.txt", Kind: KindFile},
		{Path: "b.txt", Kind: KindFile},
		{Path: "c.txt", Kind: KindFile},
	}
	page := ListChildren(records, "", 0, 2, false)
	require.Len(t, page.Children, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, 2, *page.NextCursor)

	page2 := ListChildren(records, "", *page.NextCursor, 2, false)
	require.Len(t, page2.Children, 1)
	assert.Nil(t, page2.NextCursor)
}

func TestListChildrenFileFirstOverride(t *testing.T) {
	records := []Record{
		{Path: "b", Kind: KindDir},
		{Path: "a.txt", Kind: KindFile},
	}
	page := ListChildren(records, "", 0, 10, true)
	require.Len(t, page.Children, 2)
	assert.Equal(t, "a.txt", page.Children[0].Name)
	assert.Equal(t, "b", page.Children[1].Name)
}
