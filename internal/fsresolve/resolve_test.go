package fsresolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/container-repack/repack/internal/sourcelayer"
)

func layer(digest string, entries ...sourcelayer.TarEntry) *sourcelayer.Layer {
	return &sourcelayer.Layer{CompressedDigest: digest, Entries: entries}
}

func reg(p string, size int64) sourcelayer.TarEntry {
	return sourcelayer.TarEntry{Path: p, Kind: sourcelayer.KindRegular, DataSize: size, ModTime: time.Unix(0, 0)}
}

func dir(p string) sourcelayer.TarEntry {
	return sourcelayer.TarEntry{Path: p, Kind: sourcelayer.KindDirectory, ModTime: time.Unix(0, 0)}
}

func whPath(parentDir, target string) sourcelayer.TarEntry {
	return sourcelayer.TarEntry{Path: parentDir, Whiteout: sourcelayer.WhiteoutPath, WhiteoutTarget: target}
}

func whOpaque(parentDir string) sourcelayer.TarEntry {
	return sourcelayer.TarEntry{Path: parentDir, Whiteout: sourcelayer.WhiteoutOpaque}
}

func TestResolveBasicOverwrite(t *testing.T) {
	img := &sourcelayer.Image{Layers: []*sourcelayer.Layer{
		layer("l0", dir("/a"), reg("/a/f.txt", 10)),
		layer("l1", reg("/a/f.txt", 20)),
	}}

	res, err := Resolve(img)
	require.NoError(t, err)
	require.Contains(t, res.Files, "/a/f.txt")
	assert.EqualValues(t, 20, res.Files["/a/f.txt"].Content.DataSize)
}

func TestResolveWhiteoutRemovesSibling(t *testing.T) {
	img := &sourcelayer.Image{Layers: []*sourcelayer.Layer{
		layer("l0", dir("/a"), reg("/a/b.txt", 1), reg("/a/c.txt", 2)),
		layer("l1", whPath("/a", "b.txt")),
	}}

	res, err := Resolve(img)
	require.NoError(t, err)
	assert.NotContains(t, res.Files, "/a/b.txt")
	assert.Contains(t, res.Files, "/a/c.txt")
	assert.Contains(t, res.Files, "/a")
}

func TestResolveOpaqueDirectoryClearsSubtree(t *testing.T) {
	img := &sourcelayer.Image{Layers: []*sourcelayer.Layer{
		layer("l0", dir("/x"), reg("/x/1", 1), reg("/x/2", 1), dir("/x/sub"), reg("/x/sub/3", 1)),
		layer("l1", whOpaque("/x"), reg("/x/new", 5)),
	}}

	res, err := Resolve(img)
	require.NoError(t, err)
	assert.Contains(t, res.Files, "/x")
	assert.Contains(t, res.Files, "/x/new")
	assert.NotContains(t, res.Files, "/x/1")
	assert.NotContains(t, res.Files, "/x/2")
	assert.NotContains(t, res.Files, "/x/sub")
	assert.NotContains(t, res.Files, "/x/sub/3")
}

func TestResolveNonDirReplacingDirRemovesSubtree(t *testing.T) {
	img := &sourcelayer.Image{Layers: []*sourcelayer.Layer{
		layer("l0", dir("/a"), reg("/a/1", 1), reg("/a/2", 1)),
		layer("l1", reg("/a", 3)),
	}}

	res, err := Resolve(img)
	require.NoError(t, err)
	require.Contains(t, res.Files, "/a")
	assert.Equal(t, sourcelayer.KindRegular, res.Files["/a"].Kind)
	assert.NotContains(t, res.Files, "/a/1")
	assert.NotContains(t, res.Files, "/a/2")
}

func TestResolveHardlinkSameLayer(t *testing.T) {
	target := reg("/a/orig.txt", 42)
	link := sourcelayer.TarEntry{Path: "/a/link.txt", Kind: sourcelayer.KindHardlink, LinkTarget: "/a/orig.txt"}

	img := &sourcelayer.Image{Layers: []*sourcelayer.Layer{
		layer("l0", dir("/a"), target, link),
	}}

	res, err := Resolve(img)
	require.NoError(t, err)
	require.Contains(t, res.Files, "/a/link.txt")
	lf := res.Files["/a/link.txt"]
	assert.Equal(t, sourcelayer.KindHardlink, lf.Kind)
	assert.Equal(t, "/a/orig.txt", lf.LinkTarget)
	require.NotNil(t, lf.Content)
	assert.EqualValues(t, 42, lf.Content.DataSize)
}

func TestResolveHardlinkAcrossLayers(t *testing.T) {
	link := sourcelayer.TarEntry{Path: "/a/link.txt", Kind: sourcelayer.KindHardlink, LinkTarget: "/a/orig.txt"}

	img := &sourcelayer.Image{Layers: []*sourcelayer.Layer{
		layer("l0", dir("/a"), reg("/a/orig.txt", 7)),
		layer("l1", link),
	}}

	res, err := Resolve(img)
	require.NoError(t, err)
	require.Contains(t, res.Files, "/a/link.txt")
	assert.Equal(t, sourcelayer.KindHardlink, res.Files["/a/link.txt"].Kind)
}

func TestResolveUnresolvableHardlinkFails(t *testing.T) {
	link := sourcelayer.TarEntry{Path: "/a/link.txt", Kind: sourcelayer.KindHardlink, LinkTarget: "/a/nonexistent.txt"}

	img := &sourcelayer.Image{Layers: []*sourcelayer.Layer{
		layer("l0", dir("/a"), link),
	}}

	_, err := Resolve(img)
	assert.Error(t, err)
}

func TestResolveAncestorClosureSynthesizesMissingDirs(t *testing.T) {
	img := &sourcelayer.Image{Layers: []*sourcelayer.Layer{
		layer("l0", reg("/a/b/c/file.txt", 3)),
	}}

	res, err := Resolve(img)
	require.NoError(t, err)
	assert.Contains(t, res.Files, "/a")
	assert.Contains(t, res.Files, "/a/b")
	assert.Contains(t, res.Files, "/a/b/c")
	assert.Equal(t, sourcelayer.KindDirectory, res.Files["/a"].Kind)
}

func TestSortedPathsIsDeterministic(t *testing.T) {
	img := &sourcelayer.Image{Layers: []*sourcelayer.Layer{
		layer("l0", reg("/b.txt", 1), reg("/a.txt", 1)),
	}}
	res, err := Resolve(img)
	require.NoError(t, err)

	got := res.SortedPaths()
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1] < got[i])
	}
}
