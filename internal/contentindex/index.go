// Package contentindex implements stage 3 of the repacking pipeline:
// parallel content hashing of the resolved regular-file set, grouped by
// digest for deduplication.
package contentindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/container-repack/repack/internal/fsresolve"
	"github.com/container-repack/repack/internal/repackerr"
	"github.com/container-repack/repack/internal/sourcelayer"
)

// emptyContentHash is the well-known digest shared by every zero-length
// file.
const emptyContentHash = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Entry groups every path whose content shares one hash.
type Entry struct {
	Hash  string
	Size  int64
	Ref   *fsresolve.ContentRef
	Paths []string
}

// Index is the hash -> Entry map stage 4 partitions over.
type Index struct {
	Entries map[string]*Entry
}

// SortedEntries returns entries ordered by descending size then ascending
// hash, the order the partitioner's content-layer pass consumes them in.
func (idx *Index) SortedEntries() []*Entry {
	out := make([]*Entry, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// Build hashes every resolved regular file in res, bounded by concurrency
// (0 or negative defaults to GOMAXPROCS), and groups the results by
// digest. Hardlink entries are skipped: they carry a copy of their
// target's ContentRef and are not recorded in the index; the partitioner
// places them with their target.
func Build(res *fsresolve.Result, concurrency int) (*Index, error) {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	type job struct {
		path string
		rf   *fsresolve.ResolvedFile
	}
	var jobs []job
	for _, p := range res.SortedPaths() {
		rf := res.Files[p]
		if rf.Kind != sourcelayer.KindRegular || rf.Content == nil {
			continue
		}
		jobs = append(jobs, job{path: p, rf: rf})
	}

	type result struct {
		path string
		hash string
		size int64
		ref  *fsresolve.ContentRef
	}
	results := make([]result, len(jobs))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range jobs {
		i := i
		g.Go(func() error {
			j := jobs[i]
			hash, err := hashContent(j.rf.Content)
			if err != nil {
				return err
			}
			results[i] = result{path: j.path, hash: hash, size: j.rf.Content.DataSize, ref: j.rf.Content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := &Index{Entries: make(map[string]*Entry)}
	for _, r := range results {
		e, ok := idx.Entries[r.hash]
		if !ok {
			e = &Entry{Hash: r.hash, Size: r.size, Ref: r.ref}
			idx.Entries[r.hash] = e
		}
		e.Paths = append(e.Paths, r.path)
	}
	for _, e := range idx.Entries {
		sort.Strings(e.Paths)
	}
	return idx, nil
}

func hashContent(ref *fsresolve.ContentRef) (string, error) {
	if ref.DataSize == 0 {
		return emptyContentHash, nil
	}

	h := sha256.New()
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	var off int64
	for off < ref.DataSize {
		n := chunk
		if remaining := ref.DataSize - off; int64(n) > remaining {
			n = int(remaining)
		}
		read, err := ref.Layer.Data.ReadAt(buf[:n], ref.DataOffset+off)
		if read > 0 {
			h.Write(buf[:read])
		}
		off += int64(read)
		if err != nil {
			return "", &repackerr.SourceCorrupt{
				LayerDigest: ref.Layer.CompressedDigest,
				Offset:      ref.DataOffset + off,
				Reason:      fmt.Sprintf("short read while hashing content region: %v", err),
			}
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
