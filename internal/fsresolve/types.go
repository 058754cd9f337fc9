// Package fsresolve implements stage 2 of the repacking pipeline: it
// applies layer-ordered tar semantics (whiteouts, opaque directories,
// overwrites, hardlinks) across a source image's ordered layers to
// produce the logical final file set.
package fsresolve

import (
	"sort"
	"time"

	"github.com/container-repack/repack/internal/sourcelayer"
)

// ContentRef points at the authoritative source bytes for a regular file
// (or a hardlink's copy fallback): a layer plus a byte range within its
// decompressed region.
type ContentRef struct {
	Layer      *sourcelayer.Layer
	DataOffset int64
	DataSize   int64
}

// ResolvedFile is one surviving logical path after whiteout application.
type ResolvedFile struct {
	Path     string
	Kind     sourcelayer.EntryKind
	Mode     int64
	UID, GID int
	ModTime  time.Time
	Devmajor int64
	Devminor int64

	// LinkTarget is the literal symlink target, or — for a resolved
	// hardlink — the path of the regular-file leaf it points to.
	LinkTarget string

	// Content is set for Kind == KindRegular, and for Kind ==
	// KindHardlink as the copy fallback used when the hardlink and its
	// target land in different output layers.
	Content *ContentRef
}

// defaultDirMode is used for directories synthesized to complete the
// ancestor closure when no explicit entry for them ever appeared.
const defaultDirMode = 0o755

// Result is the final resolved file set plus bookkeeping consumed by
// later stages.
type Result struct {
	// Files maps normalized path to its resolved record, including every
	// ancestor directory required to reach a surviving entry.
	Files map[string]*ResolvedFile
}

// SortedPaths returns every resolved path in lexical order, for
// deterministic downstream iteration.
func (r *Result) SortedPaths() []string {
	paths := make([]string, 0, len(r.Files))
	for p := range r.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
