package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/container-repack/repack/internal/contentindex"
	"github.com/container-repack/repack/internal/fsresolve"
	"github.com/container-repack/repack/internal/sourcelayer"
)

func regularFile(path string, size int64) *fsresolve.ResolvedFile {
	return &fsresolve.ResolvedFile{
		Path: path, Kind: sourcelayer.KindRegular, ModTime: time.Unix(0, 0),
		Content: &fsresolve.ContentRef{DataSize: size},
	}
}

func dirFile(path string) *fsresolve.ResolvedFile {
	return &fsresolve.ResolvedFile{Path: path, Kind: sourcelayer.KindDirectory, Mode: 0o755, ModTime: time.Unix(0, 0)}
}

func buildIndex(files map[string]*fsresolve.ResolvedFile) *contentindex.Index {
	idx := &contentindex.Index{Entries: make(map[string]*contentindex.Entry)}
	for p, rf := range files {
		if rf.Kind != sourcelayer.KindRegular {
			continue
		}
		hash := "sha256:" + p // distinct per path for these tests unless overridden
		e, ok := idx.Entries[hash]
		if !ok {
			e = &contentindex.Entry{Hash: hash, Size: rf.Content.DataSize}
			idx.Entries[hash] = e
		}
		e.Paths = append(e.Paths, p)
	}
	return idx
}

func TestPartitionSmallFilesGoToLayerZero(t *testing.T) {
	files := map[string]*fsresolve.ResolvedFile{
		"/":       dirFile("/"),
		"/a":      dirFile("/a"),
		"/a/f.txt": regularFile("/a/f.txt", 10),
	}
	res := &fsresolve.Result{Files: files}
	idx := buildIndex(files)

	layers, err := Partition(res, idx, 1<<20)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, 0, layers[0].Index)
}

func TestPartitionLargeFileGetsOwnLayer(t *testing.T) {
	targetSize := int64(1000)
	files := map[string]*fsresolve.ResolvedFile{
		"/":        dirFile("/"),
		"/big.bin": regularFile("/big.bin", 5000),
	}
	res := &fsresolve.Result{Files: files}
	idx := buildIndex(files)

	layers, err := Partition(res, idx, targetSize)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, int64(5000), layers[1].UncompressedSize)
}

func TestPartitionGreedyBinPacking(t *testing.T) {
	targetSize := int64(100)
	files := map[string]*fsresolve.ResolvedFile{
		"/": dirFile("/"),
		"/a.bin": regularFile("/a.bin", 60),
		"/b.bin": regularFile("/b.bin", 60),
		"/c.bin": regularFile("/c.bin", 60),
	}
	res := &fsresolve.Result{Files: files}
	idx := buildIndex(files)

	layers, err := Partition(res, idx, targetSize)
	require.NoError(t, err)
	for _, l := range layers[1:] {
		assert.LessOrEqual(t, l.UncompressedSize, targetSize)
		assert.NotZero(t, len(l.Entries))
	}
}

func TestPartitionDedupDuplicateContentBecomesHardlink(t *testing.T) {
	files := map[string]*fsresolve.ResolvedFile{
		"/":      dirFile("/"),
		"/a.bin": regularFile("/a.bin", 20000),
		"/b.bin": regularFile("/b.bin", 20000),
	}
	res := &fsresolve.Result{Files: files}
	idx := &contentindex.Index{Entries: map[string]*contentindex.Entry{
		"sha256:shared": {Hash: "sha256:shared", Size: 20000, Paths: []string{"/a.bin", "/b.bin"}},
	}}

	layers, err := Partition(res, idx, 1<<20)
	require.NoError(t, err)

	var regularCount, hardlinkCount int
	for _, l := range layers {
		for _, e := range l.Entries {
			switch e.Path {
			case "/a.bin", "/b.bin":
				if e.Kind == sourcelayer.KindRegular {
					regularCount++
				} else if e.Kind == sourcelayer.KindHardlink {
					hardlinkCount++
				}
			}
		}
	}
	assert.Equal(t, 1, regularCount)
	assert.Equal(t, 1, hardlinkCount)
}

func TestPartitionDirectorySpineDuplicatedIntoContentLayers(t *testing.T) {
	targetSize := int64(1000)
	files := map[string]*fsresolve.ResolvedFile{
		"/":            dirFile("/"),
		"/deep":        dirFile("/deep"),
		"/deep/big.bin": regularFile("/deep/big.bin", 5000),
	}
	res := &fsresolve.Result{Files: files}
	idx := buildIndex(files)

	layers, err := Partition(res, idx, targetSize)
	require.NoError(t, err)
	require.Len(t, layers, 2)

	var hasDir bool
	for _, e := range layers[1].Entries {
		if e.Path == "/deep" {
			hasDir = true
		}
	}
	assert.True(t, hasDir)
}

func TestPartitionEntriesSortedByPathWithHardlinksLast(t *testing.T) {
	files := map[string]*fsresolve.ResolvedFile{
		"/":      dirFile("/"),
		"/z.bin": regularFile("/z.bin", 10),
		"/a.bin": regularFile("/a.bin", 10),
	}
	res := &fsresolve.Result{Files: files}
	idx := &contentindex.Index{Entries: map[string]*contentindex.Entry{
		"sha256:shared": {Hash: "sha256:shared", Size: 10, Paths: []string{"/a.bin", "/z.bin"}},
	}}

	layers, err := Partition(res, idx, 1<<20)
	require.NoError(t, err)
	require.Len(t, layers, 1)

	entries := layers[0].Entries
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"/", "/a.bin", "/z.bin"}, paths)

	var sawHardlink bool
	for _, e := range entries {
		if e.Kind == sourcelayer.KindHardlink {
			sawHardlink = true
			continue
		}
		assert.False(t, sawHardlink, "non-hardlink entry %s appeared after a hardlink", e.Path)
	}
}
