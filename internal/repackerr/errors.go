// Package repackerr defines the error taxonomy surfaced across the
// repacking pipeline: ConfigError, SourceUnavailable, SourceCorrupt,
// PlatformNotFound, WriteFailed, and Cancelled.
package repackerr

import (
	"context"
	"errors"
	"fmt"
)

// Cancelled is returned when cooperative cancellation was observed.
var Cancelled = errors.New("repack: cancelled")

// IsCancelled reports whether err is, or wraps, Cancelled or a context
// cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, Cancelled) || errors.Is(err, context.Canceled)
}

// ConfigError signals invalid CLI arguments, an unparsable target size, or
// a malformed platform glob.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// SourceUnavailable signals a registry that could not be reached, an
// auth failure, or a manifest that could not be found.
type SourceUnavailable struct {
	Ref string
	Err error
}

func (e *SourceUnavailable) Error() string {
	return fmt.Sprintf("source unavailable: %s: %v", e.Ref, e.Err)
}

func (e *SourceUnavailable) Unwrap() error { return e.Err }

// SourceCorrupt signals malformed tar data, a bad whiteout, a path
// containing "..", or a content-hash mismatch while re-reading a source
// region.
type SourceCorrupt struct {
	LayerDigest string
	Offset      int64
	Reason      string
}

func (e *SourceCorrupt) Error() string {
	if e.Offset != 0 {
		return fmt.Sprintf("source corrupt: layer %s at offset %d: %s", e.LayerDigest, e.Offset, e.Reason)
	}
	return fmt.Sprintf("source corrupt: layer %s: %s", e.LayerDigest, e.Reason)
}

// PlatformNotFound signals that a platform selector matched nothing in a
// multi-platform index.
type PlatformNotFound struct {
	Selector string
}

func (e *PlatformNotFound) Error() string {
	return fmt.Sprintf("platform not found: no manifest matches %q", e.Selector)
}

// WriteFailed signals a disk-full condition, a hash mismatch re-reading a
// source region, or a compressor error while writing an output layer.
type WriteFailed struct {
	LayerIndex int
	Err        error
}

func (e *WriteFailed) Error() string {
	return fmt.Sprintf("write failed: layer %d: %v", e.LayerIndex, e.Err)
}

func (e *WriteFailed) Unwrap() error { return e.Err }
