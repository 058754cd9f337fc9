package partition

import (
	"sort"

	"github.com/container-repack/repack/internal/contentindex"
	"github.com/container-repack/repack/internal/fsresolve"
	"github.com/container-repack/repack/internal/sourcelayer"
)

// smallFileFloor is the floor applied to the T/200 small-file threshold
// so a tiny target size doesn't collapse it to zero.
const smallFileFloor = 4096

// Partition assigns every resolved entry in res to an output layer,
// applying the bootstrap-then-greedy-pack policy against target
// uncompressed size T.
func Partition(res *fsresolve.Result, idx *contentindex.Index, targetSize int64) ([]*LayerPlan, error) {
	threshold := targetSize / 200
	if threshold < smallFileFloor {
		threshold = smallFileFloor
	}

	owner := make(map[string]string) // path -> designated content owner path
	pathHash := make(map[string]string)
	for _, e := range idx.Entries {
		paths := append([]string(nil), e.Paths...)
		sort.Strings(paths)
		head := paths[0]
		for _, p := range paths {
			owner[p] = head
			pathHash[p] = e.Hash
		}
	}

	layer0 := &LayerPlan{Index: 0}
	var pending []*fsresolve.ResolvedFile // owner files not placed in layer 0
	var dupPaths []string
	var hardlinkPaths []string
	pathLayer := make(map[string]int)

	for _, p := range res.SortedPaths() {
		rf := res.Files[p]
		switch rf.Kind {
		case sourcelayer.KindDirectory, sourcelayer.KindSymlink, sourcelayer.KindCharDevice, sourcelayer.KindBlockDevice, sourcelayer.KindFIFO:
			layer0.Entries = append(layer0.Entries, toPlanned(rf))
			pathLayer[p] = 0
		case sourcelayer.KindHardlink:
			hardlinkPaths = append(hardlinkPaths, p)
		case sourcelayer.KindRegular:
			if owner[p] != p {
				dupPaths = append(dupPaths, p)
				continue
			}
			pending = append(pending, rf)
		}
	}

	// Bootstrap pass: small owner files, capped so layer 0's total stays
	// under T.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Content.DataSize != pending[j].Content.DataSize {
			return pending[i].Content.DataSize < pending[j].Content.DataSize
		}
		return pending[i].Path < pending[j].Path
	})
	var overflow []*fsresolve.ResolvedFile
	for _, rf := range pending {
		size := rf.Content.DataSize
		if size <= threshold && layer0.UncompressedSize+size <= targetSize {
			layer0.Entries = append(layer0.Entries, toPlanned(rf))
			layer0.UncompressedSize += size
			pathLayer[rf.Path] = 0
			continue
		}
		overflow = append(overflow, rf)
	}

	layers := []*LayerPlan{layer0}

	// Content-layer pass: remaining files sorted descending by size, then
	// by content hash for stability.
	sort.Slice(overflow, func(i, j int) bool {
		if overflow[i].Content.DataSize != overflow[j].Content.DataSize {
			return overflow[i].Content.DataSize > overflow[j].Content.DataSize
		}
		return pathHash[overflow[i].Path] < pathHash[overflow[j].Path]
	})

	var cur *LayerPlan
	for _, rf := range overflow {
		size := rf.Content.DataSize
		if cur == nil || (cur.UncompressedSize > 0 && cur.UncompressedSize+size > targetSize) {
			cur = &LayerPlan{Index: len(layers)}
			layers = append(layers, cur)
		}
		cur.Entries = append(cur.Entries, toPlanned(rf))
		cur.UncompressedSize += size
		pathLayer[rf.Path] = cur.Index
	}

	// Duplicate-content paths ride with their owner's layer as tar
	// hardlinks; they carry no bytes of their own.
	for _, p := range dupPaths {
		rf := res.Files[p]
		ownerPath := owner[p]
		li, ok := pathLayer[ownerPath]
		if !ok {
			li = 0
		}
		layers[li].Entries = append(layers[li].Entries, PlannedEntry{
			Path: p, Kind: sourcelayer.KindHardlink, Mode: rf.Mode, UID: rf.UID, GID: rf.GID,
			ModTime: rf.ModTime, LinkTarget: ownerPath,
		})
		pathLayer[p] = li
	}

	// Explicit tar hardlinks ride with their resolved target's layer when
	// known; otherwise fall back to a regular-file copy of their content.
	for _, p := range hardlinkPaths {
		rf := res.Files[p]
		if li, ok := pathLayer[rf.LinkTarget]; ok {
			layers[li].Entries = append(layers[li].Entries, PlannedEntry{
				Path: p, Kind: sourcelayer.KindHardlink, Mode: rf.Mode, UID: rf.UID, GID: rf.GID,
				ModTime: rf.ModTime, LinkTarget: rf.LinkTarget,
			})
			pathLayer[p] = li
			continue
		}
		li := placeCopy(&layers, rf, targetSize)
		pathLayer[p] = li
	}

	addDirectorySpines(layers, res)
	for _, l := range layers {
		sortLayerEntries(l)
	}
	return layers, nil
}

// placeCopy appends rf as a standalone regular-file copy, opening a new
// layer if the current tail would overflow T.
func placeCopy(layers *[]*LayerPlan, rf *fsresolve.ResolvedFile, targetSize int64) int {
	ls := *layers
	tail := ls[len(ls)-1]
	size := rf.Content.DataSize
	if tail.UncompressedSize > 0 && tail.UncompressedSize+size > targetSize {
		tail = &LayerPlan{Index: len(ls)}
		ls = append(ls, tail)
		*layers = ls
	}
	pe := toPlanned(rf)
	pe.Kind = sourcelayer.KindRegular
	pe.LinkTarget = ""
	pe.Content = rf.Content
	tail.Entries = append(tail.Entries, pe)
	tail.UncompressedSize += size
	return tail.Index
}

func toPlanned(rf *fsresolve.ResolvedFile) PlannedEntry {
	pe := PlannedEntry{
		Path: rf.Path, Kind: rf.Kind, Mode: rf.Mode, UID: rf.UID, GID: rf.GID,
		ModTime: rf.ModTime, Devmajor: rf.Devmajor, Devminor: rf.Devminor,
		LinkTarget: rf.LinkTarget,
	}
	if rf.Kind == sourcelayer.KindRegular {
		pe.Content = rf.Content
	}
	return pe
}

// addDirectorySpines ensures every layer beyond layer 0 carries the
// ancestor directories its entries need, duplicating the metadata from
// res rather than fabricating defaults.
func addDirectorySpines(layers []*LayerPlan, res *fsresolve.Result) {
	for _, l := range layers[1:] {
		present := make(map[string]bool, len(l.Entries))
		for _, e := range l.Entries {
			present[e.Path] = true
		}
		var needed []string
		for _, e := range l.Entries {
			for _, d := range ancestors(e.Path) {
				if !present[d] {
					needed = append(needed, d)
					present[d] = true
				}
			}
		}
		for _, d := range needed {
			if rf, ok := res.Files[d]; ok {
				l.Entries = append(l.Entries, toPlanned(rf))
			}
		}
	}
}

func ancestors(p string) []string {
	var out []string
	for {
		dir := parentOf(p)
		if dir == "" || dir == "/" {
			break
		}
		out = append(out, dir)
		p = dir
	}
	return out
}

func parentOf(p string) string {
	i := len(p) - 1
	for i > 0 && p[i] == '/' {
		i--
	}
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// sortLayerEntries orders entries by path, except that tar hardlinks are
// emitted after every non-hardlink entry (still path-sorted among
// themselves) so their target always precedes them in the tar stream
// without breaking per-layer path-sort determinism.
func sortLayerEntries(l *LayerPlan) {
	sort.SliceStable(l.Entries, func(i, j int) bool {
		gi := group(l.Entries[i].Kind)
		gj := group(l.Entries[j].Kind)
		if gi != gj {
			return gi < gj
		}
		return l.Entries[i].Path < l.Entries[j].Path
	})
}

func group(k sourcelayer.EntryKind) int {
	if k == sourcelayer.KindHardlink {
		return 1
	}
	return 0
}
