package fsresolve

import (
	"path"
	"strings"
	"time"

	"github.com/tidwall/btree"

	"github.com/container-repack/repack/internal/repackerr"
	"github.com/container-repack/repack/internal/sourcelayer"
)

// newIndex builds the ordered path index folded layer-by-layer, keyed by
// ResolvedFile.Path so whiteout/opaque-directory subtree deletes can run
// as an Ascend range scan instead of a full scan of every resolved path.
func newIndex() *btree.BTree {
	less := func(a, b interface{}) bool {
		return a.(*ResolvedFile).Path < b.(*ResolvedFile).Path
	}
	return btree.New(less)
}

// Resolve applies img's layers bottom-to-top, folding each layer's tar
// entries into a plain path -> resolved-record map consumed by hashing
// and partitioning.
func Resolve(img *sourcelayer.Image) (*Result, error) {
	index := newIndex()

	for _, layer := range img.Layers {
		var deferred []sourcelayer.TarEntry

		for _, entry := range layer.Entries {
			if entry.Whiteout != sourcelayer.NotWhiteout {
				applyWhiteout(index, entry)
				continue
			}
			if entry.Kind == sourcelayer.KindHardlink {
				if resolveHardlink(index, layer, entry) {
					continue
				}
				deferred = append(deferred, entry)
				continue
			}
			insert(index, layer, entry)
		}

		for _, entry := range deferred {
			if !resolveHardlink(index, layer, entry) {
				return nil, &repackerr.SourceCorrupt{
					LayerDigest: layer.CompressedDigest,
					Reason:      "hardlink " + entry.Path + " -> " + entry.LinkTarget + " has no resolvable target",
				}
			}
		}
	}

	closeAncestors(index)

	files := make(map[string]*ResolvedFile, index.Len())
	index.Ascend(nil, func(item interface{}) bool {
		rf := item.(*ResolvedFile)
		files[rf.Path] = rf
		return true
	})
	return &Result{Files: files}, nil
}

func get(index *btree.BTree, p string) (*ResolvedFile, bool) {
	item := index.Get(&ResolvedFile{Path: p})
	if item == nil {
		return nil, false
	}
	return item.(*ResolvedFile), true
}

// applyWhiteout removes the entries a whiteout marker deletes: the sibling
// named by a path-level whiteout and its subtree, or everything strictly
// under the directory an opaque marker names.
func applyWhiteout(index *btree.BTree, entry sourcelayer.TarEntry) {
	switch entry.Whiteout {
	case sourcelayer.WhiteoutOpaque:
		removeSubtree(index, entry.Path, false)
	case sourcelayer.WhiteoutPath:
		target := path.Join(entry.Path, entry.WhiteoutTarget)
		index.Delete(&ResolvedFile{Path: target})
		removeSubtree(index, target, false)
	}
}

// removeSubtree deletes every path strictly under dir, as an ordered
// range scan starting at dir's prefix rather than a pass over every
// resolved path, mirroring the teacher's deleteRange over its own
// path-ordered btree index. If inclusive is true, dir itself is also
// removed.
func removeSubtree(index *btree.BTree, dir string, inclusive bool) {
	if inclusive {
		index.Delete(&ResolvedFile{Path: dir})
	}
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}

	var toDelete []*ResolvedFile
	index.Ascend(&ResolvedFile{Path: prefix}, func(item interface{}) bool {
		rf := item.(*ResolvedFile)
		if !strings.HasPrefix(rf.Path, prefix) {
			return false
		}
		if rf.Path != dir {
			toDelete = append(toDelete, rf)
		}
		return true
	})
	for _, rf := range toDelete {
		index.Delete(rf)
	}
}

// insert applies a non-whiteout tar entry: a non-directory replacing a
// directory removes the prior subtree first; later entries within a layer
// win over earlier ones at the same path, and upper layers win over lower
// ones, since insert always overwrites the indexed entry.
func insert(index *btree.BTree, layer *sourcelayer.Layer, entry sourcelayer.TarEntry) {
	if existing, ok := get(index, entry.Path); ok && existing.Kind == sourcelayer.KindDirectory && entry.Kind != sourcelayer.KindDirectory {
		removeSubtree(index, entry.Path, false)
	}

	rf := &ResolvedFile{
		Path:     entry.Path,
		Kind:     entry.Kind,
		Mode:     entry.Mode,
		UID:      entry.UID,
		GID:      entry.GID,
		ModTime:  entry.ModTime,
		Devmajor: entry.Devmajor,
		Devminor: entry.Devminor,
	}
	switch entry.Kind {
	case sourcelayer.KindSymlink:
		rf.LinkTarget = entry.LinkTarget
	case sourcelayer.KindRegular:
		rf.Content = &ContentRef{Layer: layer, DataOffset: entry.DataOffset, DataSize: entry.DataSize}
	}
	index.Set(rf)
}

// resolveHardlink follows entry's link target to a regular-file leaf,
// rejecting cycles, and records the hardlink as a resolved entry pointing
// at that leaf's content. Reports false when the target isn't resolvable
// yet (deferred to end of layer).
func resolveHardlink(index *btree.BTree, layer *sourcelayer.Layer, entry sourcelayer.TarEntry) bool {
	seen := map[string]bool{entry.Path: true}
	target := entry.LinkTarget

	for {
		rf, ok := get(index, target)
		if !ok {
			return false
		}
		if rf.Kind == sourcelayer.KindRegular {
			index.Set(&ResolvedFile{
				Path:       entry.Path,
				Kind:       sourcelayer.KindHardlink,
				Mode:       entry.Mode,
				UID:        entry.UID,
				GID:        entry.GID,
				ModTime:    entry.ModTime,
				LinkTarget: target,
				Content:    rf.Content,
			})
			return true
		}
		if rf.Kind != sourcelayer.KindHardlink {
			return false
		}
		if seen[rf.LinkTarget] {
			return false
		}
		seen[rf.LinkTarget] = true
		target = rf.LinkTarget
	}
}

// closeAncestors ensures every surviving path's ancestor directories are
// present, synthesizing a default record for any that were never
// explicitly declared by a source layer.
func closeAncestors(index *btree.BTree) {
	var paths []string
	index.Ascend(nil, func(item interface{}) bool {
		paths = append(paths, item.(*ResolvedFile).Path)
		return true
	})

	for _, p := range paths {
		dir := path.Dir(p)
		for dir != "/" && dir != "." {
			if _, ok := get(index, dir); !ok {
				index.Set(&ResolvedFile{
					Path:    dir,
					Kind:    sourcelayer.KindDirectory,
					Mode:    defaultDirMode,
					ModTime: time.Unix(0, 0),
				})
			}
			dir = path.Dir(dir)
		}
	}
	if _, ok := get(index, "/"); !ok {
		index.Set(&ResolvedFile{Path: "/", Kind: sourcelayer.KindDirectory, Mode: defaultDirMode, ModTime: time.Unix(0, 0)})
	}
}
