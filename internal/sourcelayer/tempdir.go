package sourcelayer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/rs/zerolog/log"
)

// TempDir manages decompressed-layer and intermediate blob files. It is
// shared by every concurrent layer fetch in a run, guarded by an in-process
// mutex plus a cross-process file lock (gofrs/flock) on the directory
// itself, the "short critical section" the concurrency model calls for.
type TempDir struct {
	root     string
	keep     bool
	mu       sync.Mutex
	lock     *flock.Flock
	files    []string
	cleaned  bool
}

// NewTempDir creates a new, uniquely named temp directory for one
// repacker invocation. keep disables cleanup on Close, matching
// --keep-temp-files.
func NewTempDir(base string, keep bool) (*TempDir, error) {
	if base == "" {
		base = os.TempDir()
	}
	root := filepath.Join(base, "repack-"+uuid.New().String())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	lockPath := filepath.Join(root, ".lock")
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock temp dir %s: %w", root, err)
	}

	return &TempDir{root: root, keep: keep, lock: fl}, nil
}

// Create opens a new file under the temp directory for writing, registering
// it for cleanup.
func (t *TempDir) Create(name string) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := filepath.Join(t.root, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	t.files = append(t.files, path)
	return f, nil
}

// Close releases the directory lock and, unless keep-temp-files was
// requested, removes every registered file plus the directory itself.
func (t *TempDir) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleaned {
		return nil
	}
	t.cleaned = true

	defer t.lock.Unlock()

	if t.keep {
		log.Info().Str("dir", t.root).Msg("keeping temp files")
		return nil
	}
	return os.RemoveAll(t.root)
}

// Root returns the managed directory's path.
func (t *TempDir) Root() string { return t.root }
