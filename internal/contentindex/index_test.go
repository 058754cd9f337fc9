package contentindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/container-repack/repack/internal/fsresolve"
	"github.com/container-repack/repack/internal/sourcelayer"
)

type fakeRegion struct{ data []byte }

func (f *fakeRegion) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, assertShortRead
	}
	return n, nil
}
func (f *fakeRegion) Size() int64  { return int64(len(f.data)) }
func (f *fakeRegion) Close() error { return nil }

var assertShortRead = shortReadErr{}

type shortReadErr struct{}

func (shortReadErr) Error() string { return "short read" }

func resolvedRegular(path string, data []byte, offset int64) *fsresolve.ResolvedFile {
	layer := &sourcelayer.Layer{CompressedDigest: "sha256:layer", Data: &fakeRegion{data: data}}
	return &fsresolve.ResolvedFile{
		Path: path,
		Kind: sourcelayer.KindRegular,
		Content: &fsresolve.ContentRef{
			Layer:      layer,
			DataOffset: offset,
			DataSize:   int64(len(data)) - offset,
		},
	}
}

func TestBuildGroupsIdenticalContent(t *testing.T) {
	content := []byte("duplicate-bytes")
	res := &fsresolve.Result{Files: map[string]*fsresolve.ResolvedFile{
		"/a": resolvedRegular("/a", content, 0),
		"/b": resolvedRegular("/b", content, 0),
		"/c": resolvedRegular("/c", []byte("different"), 0),
	}}

	idx, err := Build(res, 2)
	require.NoError(t, err)
	assert.Len(t, idx.Entries, 2)

	entries := idx.SortedEntries()
	require.Len(t, entries, 2)
	dup := entries[0]
	if len(dup.Paths) != 2 {
		dup = entries[1]
	}
	assert.ElementsMatch(t, []string{"/a", "/b"}, dup.Paths)
}

func TestBuildSharesZeroLengthHash(t *testing.T) {
	res := &fsresolve.Result{Files: map[string]*fsresolve.ResolvedFile{
		"/empty1": resolvedRegular("/empty1", []byte{}, 0),
		"/empty2": resolvedRegular("/empty2", []byte{}, 0),
	}}

	idx, err := Build(res, 1)
	require.NoError(t, err)
	require.Len(t, idx.Entries, 1)
	for hash, e := range idx.Entries {
		assert.Equal(t, emptyContentHash, hash)
		assert.ElementsMatch(t, []string{"/empty1", "/empty2"}, e.Paths)
	}
}

func TestBuildSkipsNonRegularEntries(t *testing.T) {
	res := &fsresolve.Result{Files: map[string]*fsresolve.ResolvedFile{
		"/dir":  {Path: "/dir", Kind: sourcelayer.KindDirectory},
		"/link": {Path: "/link", Kind: sourcelayer.KindSymlink, LinkTarget: "/dir"},
	}}

	idx, err := Build(res, 1)
	require.NoError(t, err)
	assert.Empty(t, idx.Entries)
}

func TestSortedEntriesOrdersBySizeDescThenHash(t *testing.T) {
	res := &fsresolve.Result{Files: map[string]*fsresolve.ResolvedFile{
		"/small":  resolvedRegular("/small", []byte("x"), 0),
		"/small2": resolvedRegular("/small2", []byte("y"), 0),
		"/big":    resolvedRegular("/big", []byte("xxxxxxxxxx"), 0),
	}}

	idx, err := Build(res, 1)
	require.NoError(t, err)
	entries := idx.SortedEntries()
	require.Len(t, entries, 3)
	assert.GreaterOrEqual(t, entries[0].Size, entries[1].Size)
	assert.Equal(t, entries[1].Size, entries[2].Size)
	assert.Less(t, entries[1].Hash, entries[2].Hash)
}
