package layerwriter

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/container-repack/repack/internal/fsresolve"
	"github.com/container-repack/repack/internal/partition"
	"github.com/container-repack/repack/internal/sourcelayer"
)

type fakeRegion struct{ data []byte }

func (f *fakeRegion) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}
func (f *fakeRegion) Size() int64  { return int64(len(f.data)) }
func (f *fakeRegion) Close() error { return nil }

func TestWriteLayersProducesValidGzipTar(t *testing.T) {
	content := []byte("hello world")
	layer := &sourcelayer.Layer{Data: &fakeRegion{data: content}}

	plan := &partition.LayerPlan{
		Index: 0,
		Entries: []partition.PlannedEntry{
			{Path: "/a", Kind: sourcelayer.KindDirectory, Mode: 0o755, ModTime: time.Unix(0, 0)},
			{Path: "/a/f.txt", Kind: sourcelayer.KindRegular, Mode: 0o644, ModTime: time.Unix(0, 0),
				Content: &fsresolve.ContentRef{Layer: layer, DataOffset: 0, DataSize: int64(len(content))}},
		},
	}

	tmp, err := sourcelayer.NewTempDir(t.TempDir(), false)
	require.NoError(t, err)
	defer tmp.Close()

	written, err := WriteLayers([]*partition.LayerPlan{plan}, tmp, CodecGzip, 6, 1)
	require.NoError(t, err)
	require.Len(t, written, 1)

	w := written[0]
	assert.Equal(t, "application/vnd.oci.image.layer.v1.tar+gzip", w.MediaType)
	assert.NotEmpty(t, w.UncompressedDigest)
	assert.NotEmpty(t, w.CompressedDigest)
	assert.Greater(t, w.UncompressedSize, int64(0))

	f, err := os.Open(w.Path)
	require.NoError(t, err)
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gzr)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			assert.Equal(t, content, data)
		}
	}
	assert.ElementsMatch(t, []string{"a/", "a/f.txt"}, names)
}

func TestWriteLayersSkipsRootEntry(t *testing.T) {
	plan := &partition.LayerPlan{
		Index: 0,
		Entries: []partition.PlannedEntry{
			{Path: "/", Kind: sourcelayer.KindDirectory, Mode: 0o755, ModTime: time.Unix(0, 0)},
		},
	}

	tmp, err := sourcelayer.NewTempDir(t.TempDir(), false)
	require.NoError(t, err)
	defer tmp.Close()

	written, err := WriteLayers([]*partition.LayerPlan{plan}, tmp, CodecGzip, 6, 1)
	require.NoError(t, err)

	f, err := os.Open(written[0].Path)
	require.NoError(t, err)
	defer f.Close()
	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gzr)
	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestZstdLevelMapping(t *testing.T) {
	assert.Equal(t, zstdLevelFor(1), zstdLevelFor(0))
	assert.NotEqual(t, zstdLevelFor(1), zstdLevelFor(14))
}
