package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/container-repack/repack/internal/layerwriter"
	"github.com/container-repack/repack/internal/pipeline"
	"github.com/container-repack/repack/internal/progress"
	"github.com/container-repack/repack/internal/reference"
	"github.com/container-repack/repack/internal/repackerr"
	"github.com/container-repack/repack/internal/sizeunit"
)

const repackVersion = "0.1.0"

func main() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	var (
		targetSizeStr    = flag.String("target-size", "", "output layer target size, e.g. 50MB, 1.5GB (required)")
		concurrency      = flag.Int("concurrency", runtime.NumCPU(), "worker count")
		compressionLevel = flag.Int("compression-level", layerwriter.DefaultZstdLevel, "zstd compression level")
		platformSel      = flag.String("platform", reference.DefaultPlatformSelector, "platform glob, e.g. linux/{amd64,arm64}")
		keepTemp         = flag.Bool("keep-temp-files", false, "retain decompressed source layers and temp blobs")
		help             bool
		showVersion      bool
	)
	flag.BoolVar(&help, "h", false, "show help")
	flag.BoolVar(&help, "help", false, "show help")
	flag.BoolVar(&showVersion, "V", false, "show version")
	flag.BoolVar(&showVersion, "version", false, "show version")
	flag.Usage = printUsage
	flag.Parse()

	if help {
		printUsage()
		return
	}
	if showVersion {
		fmt.Println("repack version " + repackVersion)
		return
	}

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "error: expected <SOURCE> and <OUTPUT_DIR>")
		printUsage()
		os.Exit(2)
	}

	if *targetSizeStr == "" {
		fatal(&repackerr.ConfigError{Field: "target-size", Msg: "required"})
	}
	targetSize, err := sizeunit.Parse(*targetSizeStr)
	if err != nil {
		fatal(err)
	}

	src, err := reference.ParseSource(args[0])
	if err != nil {
		fatal(err)
	}
	outDir, err := reference.ParseOutput(args[1])
	if err != nil {
		fatal(err)
	}
	sel, err := reference.ParsePlatformSelector(*platformSel)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	prog := progress.NewReporter(os.Stderr, os.Stderr.Fd(), nil)

	opts := pipeline.Options{
		TargetSize:       targetSize,
		Concurrency:      *concurrency,
		CompressionLevel: *compressionLevel,
		Codec:            layerwriter.CodecZstd,
		KeepTempFiles:    *keepTemp,
		Tag:              src.Tag,
	}

	preexisting := dirExists(outDir)

	result, err := pipeline.Run(ctx, src, sel, outDir, opts, prog)
	if err != nil {
		if !*keepTemp && !preexisting {
			os.RemoveAll(outDir)
		}
		fatal(err)
	}

	zlog.Info().Strs("manifests", result.ManifestDigests).Msg("repack complete")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fatal(err error) {
	zlog.Fatal().Err(err).Msg("repack failed")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `repack - container image layer layout optimizer

Usage:
  repack [options] <SOURCE> <OUTPUT_DIR>

Arguments:
  SOURCE      docker://<registry>/<repo>[:<tag>|@<digest>], oci://<path>[:<tag>], or a bare local OCI layout path
  OUTPUT_DIR  destination directory for the repacked OCI layout, optional oci:// scheme

Options:
`)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  repack --target-size 50MB docker://docker.io/library/python:3.12 ./out
  repack --target-size 100MB --platform linux/{amd64,arm64} oci://./src:latest ./out
`)
}
