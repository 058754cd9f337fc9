package sourcelayer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion is a RandomAccess backed by an mmap'd identity (uncompressed,
// already-on-disk) blob. Resident set is bounded by the OS page cache
// rather than process allocation.
type mmapRegion struct {
	data []byte
}

func mmapFile(path string) (*mmapRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return &mmapRegion{data: nil}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &mmapRegion{data: data}, nil
}

func (r *mmapRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("mmap region: offset %d out of range", off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("mmap region: short read at offset %d", off)
	}
	return n, nil
}

func (r *mmapRegion) Size() int64 { return int64(len(r.data)) }

func (r *mmapRegion) Close() error {
	if len(r.data) == 0 {
		return nil
	}
	return unix.Munmap(r.data)
}

// fileRegion is a RandomAccess backed by a decompressed temp file, used for
// gzip/zstd source layers, since the pipeline rereads slices many times
// and decompression isn't seekable.
type fileRegion struct {
	f    *os.File
	size int64
}

func newFileRegion(f *os.File) (*fileRegion, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileRegion{f: f, size: info.Size()}, nil
}

func (r *fileRegion) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r *fileRegion) Size() int64                             { return r.size }
func (r *fileRegion) Close() error                            { return r.f.Close() }
