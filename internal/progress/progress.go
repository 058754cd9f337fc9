// Package progress reports pipeline advancement to the operator: a
// single-line carriage-return bar when stderr is a terminal, periodic
// zerolog lines otherwise.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"github.com/container-repack/repack/internal/layerwriter"
	"github.com/container-repack/repack/internal/sizeunit"
)

// Reporter tracks a sequence of named stages, each with a known item
// count, and renders advancement either as a TTY bar or as log lines.
type Reporter struct {
	out io.Writer
	tty bool

	mu       sync.Mutex
	stage    string
	total    int
	done     int
	lastLog  time.Time
	logEvery time.Duration
}

// NewReporter builds a reporter writing to out. tty is auto-detected by
// running isatty on fd; a non-nil forceTTY overrides the detection (used by
// tests).
func NewReporter(out io.Writer, fd uintptr, forceTTY *bool) *Reporter {
	tty := false
	if forceTTY != nil {
		tty = *forceTTY
	} else {
		tty = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	return &Reporter{out: out, tty: tty, logEvery: 500 * time.Millisecond}
}

// StartStage resets the counters for a new named stage with total items
// (0 if the count isn't known up front, e.g. reading the source).
func (r *Reporter) StartStage(name string, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = name
	r.total = total
	r.done = 0
	r.lastLog = time.Time{}
	r.renderLocked(true)
}

// Advance records n more completed items in the current stage.
func (r *Reporter) Advance(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done += n
	r.renderLocked(false)
}

func (r *Reporter) renderLocked(force bool) {
	if r.tty {
		if r.total > 0 {
			fmt.Fprintf(r.out, "\r%-20s [%d/%d]", r.stage, r.done, r.total)
		} else {
			fmt.Fprintf(r.out, "\r%-20s [%d]", r.stage, r.done)
		}
		return
	}
	if !force && time.Since(r.lastLog) < r.logEvery {
		return
	}
	r.lastLog = time.Now()
	log.Info().Str("stage", r.stage).Int("done", r.done).Int("total", r.total).Msg("progress")
}

// FinishStage prints a trailing newline on the TTY path, so the next
// stage's bar starts on a fresh line.
func (r *Reporter) FinishStage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tty {
		fmt.Fprintln(r.out)
	}
}

// Summary prints one completion line for the whole run: platform count,
// layer count, and total compressed size across all platforms.
func (r *Reporter) Summary(platformCount int, layers []*layerwriter.WrittenLayer) {
	var total int64
	for _, l := range layers {
		total += l.CompressedSize
	}
	log.Info().
		Int("platforms", platformCount).
		Int("layers", len(layers)).
		Str("compressed_size", sizeunit.HumanBytes(total)).
		Msg("repack complete")
}
