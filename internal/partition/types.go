// Package partition implements stage 4 of the repacking pipeline: it
// assigns every resolved entry to a bounded-size output layer per the
// bootstrap-then-greedy-pack layout policy.
package partition

import (
	"time"

	"github.com/container-repack/repack/internal/fsresolve"
	"github.com/container-repack/repack/internal/sourcelayer"
)

// PlannedEntry is one entry destined for an output layer's tar stream.
type PlannedEntry struct {
	Path     string
	Kind     sourcelayer.EntryKind
	Mode     int64
	UID, GID int
	ModTime  time.Time
	Devmajor int64
	Devminor int64

	// LinkTarget is the literal symlink target, or — for a tar hardlink
	// entry — the in-layer path it links to.
	LinkTarget string

	// Content is set only for entries that carry real bytes: the
	// designated owner of a content hash, or a tar hardlink rewritten as a
	// regular-file copy because its target was not placed in any layer.
	Content *fsresolve.ContentRef
}

// LayerPlan is an ordered, size-bounded group of entries for one output
// layer.
type LayerPlan struct {
	Index             int
	Entries           []PlannedEntry
	UncompressedSize  int64
}
