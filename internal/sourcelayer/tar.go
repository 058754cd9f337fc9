package sourcelayer

import (
	"archive/tar"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/container-repack/repack/internal/repackerr"
)

var errPathTraversal = errors.New("path contains \"..\" segment")

// countingReader tracks bytes consumed from an underlying reader, used to
// report the byte offset of a malformed tar record.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

const whiteoutPrefix = ".wh."
const opaqueMarker = ".wh..wh..opq"

// indexTarStream reads a decompressed tar stream in order, normalizing
// paths and classifying whiteouts, and returns the ordered entry list.
// Recorded data offsets are byte positions within r's stream; callers pass
// a reader over the layer's decompressed region, so they index that region.
func indexTarStream(r io.Reader, layerDigest string) ([]TarEntry, error) {
	cr := &countingReader{r: r}
	tr := tar.NewReader(cr)

	var entries []TarEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &repackerr.SourceCorrupt{LayerDigest: layerDigest, Offset: cr.n, Reason: "malformed tar header: " + err.Error()}
		}

		clean, err := normalizePath(hdr.Name)
		if err != nil {
			return nil, &repackerr.SourceCorrupt{LayerDigest: layerDigest, Offset: cr.n, Reason: err.Error()}
		}

		base := path.Base(clean)
		entry := TarEntry{
			Path:     clean,
			Mode:     hdr.Mode,
			UID:      hdr.Uid,
			GID:      hdr.Gid,
			ModTime:  hdr.ModTime,
			Devmajor: hdr.Devmajor,
			Devminor: hdr.Devminor,
		}

		if base == opaqueMarker {
			entry.Whiteout = WhiteoutOpaque
			entry.Path = path.Dir(clean)
			entries = append(entries, entry)
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			entry.Whiteout = WhiteoutPath
			entry.WhiteoutTarget = strings.TrimPrefix(base, whiteoutPrefix)
			entry.Path = path.Dir(clean)
			entries = append(entries, entry)
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeRegA:
			dataOffset := cr.n
			entry.Kind = KindRegular
			entry.Size = hdr.Size
			entry.DataOffset = dataOffset
			entry.DataSize = hdr.Size
			if hdr.Size > 0 {
				n, err := io.CopyN(io.Discard, tr, hdr.Size)
				if err != nil && err != io.EOF {
					return nil, &repackerr.SourceCorrupt{LayerDigest: layerDigest, Offset: cr.n, Reason: "truncated file data: " + err.Error()}
				}
				if n != hdr.Size {
					return nil, &repackerr.SourceCorrupt{LayerDigest: layerDigest, Offset: cr.n, Reason: "truncated file data"}
				}
			}
		case tar.TypeSymlink:
			entry.Kind = KindSymlink
			entry.LinkTarget = hdr.Linkname
		case tar.TypeLink:
			entry.Kind = KindHardlink
			linkTarget, err := normalizePath(hdr.Linkname)
			if err != nil {
				return nil, &repackerr.SourceCorrupt{LayerDigest: layerDigest, Offset: cr.n, Reason: err.Error()}
			}
			entry.LinkTarget = linkTarget
		case tar.TypeDir:
			entry.Kind = KindDirectory
		case tar.TypeChar:
			entry.Kind = KindCharDevice
		case tar.TypeBlock:
			entry.Kind = KindBlockDevice
		case tar.TypeFifo:
			entry.Kind = KindFIFO
		default:
			// PAX globals and other non-semantic records are consumed by
			// archive/tar already; anything else unrecognized is skipped.
			continue
		}

		if entry.ModTime.IsZero() {
			entry.ModTime = time.Unix(0, 0)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// normalizePath strips a leading "./", collapses "//", and rejects ".."
// segments. The ".." check runs on the raw name before path.Clean, since
// Clean silently drops leading ".." segments on a rooted path instead of
// erroring.
func normalizePath(name string) (string, error) {
	trimmed := strings.TrimPrefix(name, "./")
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", errPathTraversal
		}
	}
	return path.Clean("/" + trimmed), nil
}
