// Package pipeline wires stages 1 through 6 into a single repack run: it
// reads the source image, resolves and repartitions each matched
// platform's filesystem, writes the new layers, and assembles the output
// OCI layout.
package pipeline

import (
	"context"
	"fmt"

	"github.com/container-repack/repack/internal/contentindex"
	"github.com/container-repack/repack/internal/fsresolve"
	"github.com/container-repack/repack/internal/layerwriter"
	"github.com/container-repack/repack/internal/manifest"
	"github.com/container-repack/repack/internal/partition"
	"github.com/container-repack/repack/internal/progress"
	"github.com/container-repack/repack/internal/reference"
	"github.com/container-repack/repack/internal/repackerr"
	"github.com/container-repack/repack/internal/sourcelayer"
)

// Options configures one repack run.
type Options struct {
	TargetSize       int64
	Concurrency      int
	CompressionLevel int
	Codec            layerwriter.Codec
	KeepTempFiles    bool
	TempBaseDir      string
	// Tag annotates each output manifest with org.opencontainers.image.ref.name.
	Tag string
}

// Run executes the full pipeline against src, writing the repacked image
// to outputDir. It returns the manifest builder's result for the caller's
// completion summary.
func Run(ctx context.Context, src *reference.Source, sel *reference.PlatformSelector, outputDir string, opts Options, prog *progress.Reporter) (*manifest.BuildResult, error) {
	tmp, err := sourcelayer.NewTempDir(opts.TempBaseDir, opts.KeepTempFiles)
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer tmp.Close()

	prog.StartStage("reading source", 0)
	images, err := sourcelayer.Read(ctx, src, sel, tmp, opts.Concurrency)
	if err != nil {
		return nil, err
	}
	prog.FinishStage()
	defer func() {
		for _, img := range images {
			img.Close()
		}
	}()

	if len(images) == 0 {
		return nil, &repackerr.PlatformNotFound{Selector: sel.String()}
	}

	platforms := make([]manifest.PlatformResult, len(images))
	var totalLayers []*layerwriter.WrittenLayer

	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, repackerr.Cancelled
		}

		res, err := fsresolve.Resolve(img)
		if err != nil {
			return nil, err
		}

		prog.StartStage(fmt.Sprintf("hashing %s/%s", img.Platform.OS, img.Platform.Architecture), len(res.Files))
		idx, err := contentindex.Build(res, opts.Concurrency)
		if err != nil {
			return nil, err
		}
		prog.Advance(len(res.Files))
		prog.FinishStage()

		plans, err := partition.Partition(res, idx, opts.TargetSize)
		if err != nil {
			return nil, err
		}

		if err := ctx.Err(); err != nil {
			return nil, repackerr.Cancelled
		}

		prog.StartStage(fmt.Sprintf("writing %s/%s layers", img.Platform.OS, img.Platform.Architecture), len(plans))
		written, err := layerwriter.WriteLayers(plans, tmp, opts.Codec, opts.CompressionLevel, opts.Concurrency)
		if err != nil {
			return nil, err
		}
		prog.Advance(len(written))
		prog.FinishStage()

		platforms[i] = manifest.PlatformResult{
			Platform:     img.Platform,
			SourceConfig: img.Config,
			Layers:       written,
		}
		totalLayers = append(totalLayers, written...)
	}

	result, err := manifest.Write(outputDir, platforms, opts.Tag)
	if err != nil {
		return nil, err
	}

	prog.Summary(len(platforms), totalLayers)
	return result, nil
}
