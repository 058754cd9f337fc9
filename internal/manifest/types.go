// Package manifest implements stage 6 of the repacking pipeline: it
// builds a fresh image config and manifest for each repacked platform
// and writes the resulting OCI image layout to disk.
package manifest

import (
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/container-repack/repack/internal/layerwriter"
)

// PlatformResult is everything one repacked platform contributes to the
// final layout: its source config (to be cloned), the new layer blobs,
// and the platform descriptor.
type PlatformResult struct {
	Platform     v1.Platform
	SourceConfig *v1.ConfigFile
	Layers       []*layerwriter.WrittenLayer
}

// BuildResult is the outcome of writing the OCI layout.
type BuildResult struct {
	// ManifestDigests maps platform index to its manifest's digest, for
	// progress reporting.
	ManifestDigests []string
	IndexWritten    bool
}
