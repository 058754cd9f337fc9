package layerwriter

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/container-repack/repack/internal/partition"
	"github.com/container-repack/repack/internal/repackerr"
	"github.com/container-repack/repack/internal/sourcelayer"
)

// countWriter counts bytes passed through it without modifying them.
type countWriter struct{ n int64 }

func (c *countWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// WriteLayers renders every plan to a compressed blob on disk, bounded by
// concurrency (0 or negative defaults to GOMAXPROCS).
func WriteLayers(plans []*partition.LayerPlan, tmp *sourcelayer.TempDir, codec Codec, level, concurrency int) ([]*WrittenLayer, error) {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	out := make([]*WrittenLayer, len(plans))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range plans {
		i := i
		g.Go(func() error {
			w, err := writeOne(plans[i], tmp, codec, level)
			if err != nil {
				return err
			}
			out[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func writeOne(plan *partition.LayerPlan, tmp *sourcelayer.TempDir, codec Codec, level int) (*WrittenLayer, error) {
	ext := "zst"
	if codec == CodecGzip {
		ext = "gz"
	}
	f, err := tmp.Create(fmt.Sprintf("out-layer-%d.tar.%s", plan.Index, ext))
	if err != nil {
		return nil, &repackerr.WriteFailed{LayerIndex: plan.Index, Err: err}
	}

	hCompressed := sha256.New()
	compressedCount := &countWriter{}
	fileDest := io.MultiWriter(f, hCompressed, compressedCount)

	comp, err := newCompressor(codec, level, fileDest)
	if err != nil {
		f.Close()
		return nil, &repackerr.WriteFailed{LayerIndex: plan.Index, Err: err}
	}

	hUncompressed := sha256.New()
	uncompressedCount := &countWriter{}
	tarDest := io.MultiWriter(hUncompressed, uncompressedCount, comp)
	tw := tar.NewWriter(tarDest)

	for _, entry := range plan.Entries {
		if err := writeEntry(tw, entry); err != nil {
			tw.Close()
			comp.Close()
			f.Close()
			return nil, &repackerr.WriteFailed{LayerIndex: plan.Index, Err: err}
		}
	}

	if err := tw.Close(); err != nil {
		comp.Close()
		f.Close()
		return nil, &repackerr.WriteFailed{LayerIndex: plan.Index, Err: err}
	}
	if err := comp.Close(); err != nil {
		f.Close()
		return nil, &repackerr.WriteFailed{LayerIndex: plan.Index, Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &repackerr.WriteFailed{LayerIndex: plan.Index, Err: err}
	}

	return &WrittenLayer{
		Index:              plan.Index,
		Path:               f.Name(),
		MediaType:          codec.MediaType(),
		UncompressedSize:   uncompressedCount.n,
		UncompressedDigest: "sha256:" + hex.EncodeToString(hUncompressed.Sum(nil)),
		CompressedSize:     compressedCount.n,
		CompressedDigest:   "sha256:" + hex.EncodeToString(hCompressed.Sum(nil)),
	}, nil
}

func newCompressor(codec Codec, level int, dest io.Writer) (io.WriteCloser, error) {
	switch codec {
	case CodecGzip:
		gzLevel := level
		if gzLevel <= 0 || gzLevel > gzip.BestCompression {
			gzLevel = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(dest, gzLevel)
	default:
		if level <= 0 {
			level = DefaultZstdLevel
		}
		return zstd.NewWriter(dest, zstd.WithEncoderLevel(zstdLevelFor(level)))
	}
}

// zstdLevelFor maps the CLI's numeric compression level onto klauspost's
// coarser EncoderLevel enum.
func zstdLevelFor(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// writeEntry emits one planned entry as a tar header (plus data, for
// regular files) into tw. The synthesized filesystem root is never
// written; every other path has its leading "/" stripped to match
// conventional layer tar naming.
func writeEntry(tw *tar.Writer, entry partition.PlannedEntry) error {
	if entry.Path == "/" {
		return nil
	}
	name := strings.TrimPrefix(entry.Path, "/")

	hdr := &tar.Header{
		Name:    name,
		Mode:    entry.Mode,
		Uid:     entry.UID,
		Gid:     entry.GID,
		ModTime: entry.ModTime,
	}

	switch entry.Kind {
	case sourcelayer.KindDirectory:
		hdr.Typeflag = tar.TypeDir
		hdr.Name = name + "/"
	case sourcelayer.KindSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = entry.LinkTarget
	case sourcelayer.KindHardlink:
		hdr.Typeflag = tar.TypeLink
		hdr.Linkname = strings.TrimPrefix(entry.LinkTarget, "/")
	case sourcelayer.KindCharDevice:
		hdr.Typeflag = tar.TypeChar
		hdr.Devmajor = entry.Devmajor
		hdr.Devminor = entry.Devminor
	case sourcelayer.KindBlockDevice:
		hdr.Typeflag = tar.TypeBlock
		hdr.Devmajor = entry.Devmajor
		hdr.Devminor = entry.Devminor
	case sourcelayer.KindFIFO:
		hdr.Typeflag = tar.TypeFifo
	case sourcelayer.KindRegular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = entry.Content.DataSize
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", entry.Path, err)
	}

	if entry.Kind == sourcelayer.KindRegular && entry.Content.DataSize > 0 {
		src := io.NewSectionReader(entry.Content.Layer.Data, entry.Content.DataOffset, entry.Content.DataSize)
		if _, err := io.Copy(tw, src); err != nil {
			return fmt.Errorf("copy data for %s: %w", entry.Path, err)
		}
	}
	return nil
}
