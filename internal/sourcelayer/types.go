// Package sourcelayer implements stage 1 of the repacking pipeline: it
// opens a source image reference (registry or local OCI layout), selects
// matching platforms, and exposes each source layer as an ordered sequence
// of tar entries backed by a random-access decompressed byte region.
package sourcelayer

import (
	"io"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// EntryKind enumerates the tar entry kinds the resolver cares about.
type EntryKind int

const (
	KindRegular EntryKind = iota
	KindDirectory
	KindSymlink
	KindHardlink
	KindCharDevice
	KindBlockDevice
	KindFIFO
)

// WhiteoutKind distinguishes the two whiteout marker shapes.
type WhiteoutKind int

const (
	NotWhiteout WhiteoutKind = iota
	WhiteoutPath
	WhiteoutOpaque
)

// TarEntry is a normalized tar record: a header plus, for regular files, a
// data slice into the owning Layer's random-access region.
type TarEntry struct {
	Path     string // normalized: no leading "./", no trailing "/" on files
	Kind     EntryKind
	Whiteout WhiteoutKind
	// WhiteoutTarget is the basename whiteout-marked (".wh.<name>" -> "<name>"),
	// empty for WhiteoutOpaque and NotWhiteout.
	WhiteoutTarget string

	Mode       int64
	UID, GID   int
	ModTime    time.Time
	Size       int64
	LinkTarget string // symlink/hardlink target
	Devmajor   int64
	Devminor   int64

	// DataOffset/DataSize locate this entry's bytes within the owning
	// Layer's RandomAccess region. Valid only when Kind == KindRegular.
	DataOffset int64
	DataSize   int64
}

// RandomAccess is a closable random-access view over a layer's decompressed
// bytes: memory-mapped for local identity blobs, file-backed for anything
// that had to be decompressed to a temp file.
type RandomAccess interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// Layer is one source layer, decompressed and indexed into ordered tar
// entries, ready for stage 2.
type Layer struct {
	Index              int
	CompressedDigest   string
	UncompressedDigest string
	Entries            []TarEntry
	Data               RandomAccess
}

// Close releases the layer's backing region (munmap or temp-file close).
func (l *Layer) Close() error {
	if l.Data == nil {
		return nil
	}
	return l.Data.Close()
}

// Image is one matched platform of the source, with its ordered layers and
// parsed config.
type Image struct {
	Platform v1.Platform
	Config   *v1.ConfigFile
	Layers   []*Layer
	// Tag is the original tag, if any, preserved as a ref annotation.
	Tag string
}

// Close releases every layer's backing region.
func (img *Image) Close() error {
	var first error
	for _, l := range img.Layers {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
