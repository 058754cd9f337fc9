package sourcelayer

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/klauspost/compress/zstd"
	log "github.com/rs/zerolog/log"

	"github.com/container-repack/repack/internal/reference"
	"github.com/container-repack/repack/internal/repackerr"
)

// mediaType constants, spelled out rather than relying on uncertain library
// constant names.
const (
	mtGzipLayer = "application/vnd.oci.image.layer.v1.tar+gzip"
	mtZstdLayer = "application/vnd.oci.image.layer.v1.tar+zstd"
	mtTarLayer  = "application/vnd.oci.image.layer.v1.tar"

	mtDockerGzipLayer = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	mtDockerTarLayer  = "application/vnd.docker.image.rootfs.diff.tar"

	mtOCIIndex       = "application/vnd.oci.image.index.v1+json"
	mtDockerManList  = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// Read opens src, selects the platforms matching sel, and returns one Image
// per matched platform with its layers fully decompressed and indexed.
func Read(ctx context.Context, src *reference.Source, sel *reference.PlatformSelector, tmp *TempDir, concurrency int) ([]*Image, error) {
	switch src.Kind {
	case reference.KindRegistry:
		return readRegistry(ctx, src.Registry, sel, tmp, concurrency)
	case reference.KindOCILayout:
		return readLocalLayout(ctx, src.Path, src.Tag, sel, tmp, concurrency)
	default:
		return nil, &repackerr.ConfigError{Field: "SOURCE", Msg: "unknown source kind"}
	}
}

func readRegistry(ctx context.Context, ref name.Reference, sel *reference.PlatformSelector, tmp *TempDir, concurrency int) ([]*Image, error) {
	desc, err := remote.Get(ref, remote.WithAuthFromKeychain(authn.DefaultKeychain), remote.WithContext(ctx))
	if err != nil {
		return nil, &repackerr.SourceUnavailable{Ref: ref.String(), Err: err}
	}

	if string(desc.MediaType) == mtOCIIndex || string(desc.MediaType) == mtDockerManList {
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, &repackerr.SourceUnavailable{Ref: ref.String(), Err: err}
		}
		im, err := idx.IndexManifest()
		if err != nil {
			return nil, &repackerr.SourceUnavailable{Ref: ref.String(), Err: err}
		}

		var images []*Image
		for _, m := range im.Manifests {
			if m.Platform != nil && !sel.Matches(*m.Platform) {
				continue
			}
			img, err := idx.Image(m.Digest)
			if err != nil {
				return nil, &repackerr.SourceUnavailable{Ref: ref.String(), Err: err}
			}
			built, err := buildImage(ctx, img, m.Platform, ref.Identifier(), tmp, concurrency)
			if err != nil {
				return nil, err
			}
			images = append(images, built)
		}
		if len(images) == 0 {
			return nil, &repackerr.PlatformNotFound{Selector: sel.String()}
		}
		return images, nil
	}

	img, err := desc.Image()
	if err != nil {
		return nil, &repackerr.SourceUnavailable{Ref: ref.String(), Err: err}
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, &repackerr.SourceUnavailable{Ref: ref.String(), Err: err}
	}
	plat := &v1.Platform{OS: cfg.OS, Architecture: cfg.Architecture, Variant: cfg.Variant}
	built, err := buildImage(ctx, img, plat, ref.Identifier(), tmp, concurrency)
	if err != nil {
		return nil, err
	}
	return []*Image{built}, nil
}

func buildImage(ctx context.Context, img v1.Image, plat *v1.Platform, tag string, tmp *TempDir, concurrency int) (*Image, error) {
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, &repackerr.SourceUnavailable{Ref: tag, Err: err}
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, &repackerr.SourceUnavailable{Ref: tag, Err: err}
	}

	built := make([]*Layer, len(layers))
	if err := forEachLayer(len(layers), concurrency, func(i int) error {
		l := layers[i]
		digest, err := l.Digest()
		if err != nil {
			return err
		}
		diffID, err := l.DiffID()
		if err != nil {
			return err
		}
		mt, err := l.MediaType()
		if err != nil {
			return err
		}
		rc, err := l.Compressed()
		if err != nil {
			return &repackerr.SourceUnavailable{Ref: digest.String(), Err: err}
		}
		defer rc.Close()

		region, err := decompressToRegion(rc, string(mt), tmp, digest.String())
		if err != nil {
			return err
		}
		entries, err := indexTarStream(newReaderAtSeq(region), digest.String())
		if err != nil {
			region.Close()
			return err
		}
		built[i] = &Layer{
			Index:              i,
			CompressedDigest:   digest.String(),
			UncompressedDigest: diffID.String(),
			Entries:            entries,
			Data:               region,
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var p v1.Platform
	if plat != nil {
		p = *plat
	}
	return &Image{Platform: p, Config: cfg, Layers: built, Tag: tag}, nil
}

func readLocalLayout(ctx context.Context, dir, tag string, sel *reference.PlatformSelector, tmp *TempDir, concurrency int) ([]*Image, error) {
	indexBytes, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return nil, &repackerr.SourceUnavailable{Ref: dir, Err: err}
	}
	var idx v1.IndexManifest
	if err := json.Unmarshal(indexBytes, &idx); err != nil {
		return nil, &repackerr.SourceCorrupt{Reason: "malformed index.json: " + err.Error()}
	}

	var images []*Image
	for _, m := range idx.Manifests {
		if tag != "" && m.Annotations["org.opencontainers.image.ref.name"] != tag {
			continue
		}
		if m.Platform != nil && !sel.Matches(*m.Platform) {
			continue
		}

		manifest, err := readLocalManifest(dir, m.Digest)
		if err != nil {
			return nil, err
		}
		cfg, err := readLocalConfig(dir, manifest.Config.Digest)
		if err != nil {
			return nil, err
		}

		built := make([]*Layer, len(manifest.Layers))
		layerDescs := manifest.Layers
		if err := forEachLayer(len(layerDescs), concurrency, func(i int) error {
			ld := layerDescs[i]
			blobPath := filepath.Join(dir, "blobs", "sha256", ld.Digest.Hex)
			f, err := os.Open(blobPath)
			if err != nil {
				return &repackerr.SourceUnavailable{Ref: ld.Digest.String(), Err: err}
			}
			defer f.Close()

			region, err := decompressToRegion(f, string(ld.MediaType), tmp, ld.Digest.String())
			if err != nil {
				return err
			}
			entries, err := indexTarStream(newReaderAtSeq(region), ld.Digest.String())
			if err != nil {
				region.Close()
				return err
			}

			var diffID string
			if i < len(cfg.RootFS.DiffIDs) {
				diffID = cfg.RootFS.DiffIDs[i].String()
			}
			built[i] = &Layer{
				Index:              i,
				CompressedDigest:   ld.Digest.String(),
				UncompressedDigest: diffID,
				Entries:            entries,
				Data:               region,
			}
			return nil
		}); err != nil {
			return nil, err
		}

		var plat v1.Platform
		if m.Platform != nil {
			plat = *m.Platform
		} else {
			plat = v1.Platform{OS: cfg.OS, Architecture: cfg.Architecture, Variant: cfg.Variant}
		}
		images = append(images, &Image{Platform: plat, Config: cfg, Layers: built, Tag: tag})
	}

	if len(images) == 0 {
		return nil, &repackerr.PlatformNotFound{Selector: sel.String()}
	}
	return images, nil
}

func readLocalManifest(dir string, digest v1.Hash) (*v1.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "blobs", "sha256", digest.Hex))
	if err != nil {
		return nil, &repackerr.SourceUnavailable{Ref: digest.String(), Err: err}
	}
	var manifest v1.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, &repackerr.SourceCorrupt{Reason: "malformed manifest: " + err.Error()}
	}
	return &manifest, nil
}

func readLocalConfig(dir string, digest v1.Hash) (*v1.ConfigFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, "blobs", "sha256", digest.Hex))
	if err != nil {
		return nil, &repackerr.SourceUnavailable{Ref: digest.String(), Err: err}
	}
	var cfg v1.ConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &repackerr.SourceCorrupt{Reason: "malformed config: " + err.Error()}
	}
	return &cfg, nil
}

// decompressToRegion produces a RandomAccess view of the layer's
// uncompressed bytes: mmap'd in place for an already-identity local file,
// spilled to a temp file for gzip/zstd.
func decompressToRegion(r io.Reader, mediaType string, tmp *TempDir, name string) (RandomAccess, error) {
	switch mediaType {
	case mtGzipLayer, mtDockerGzipLayer:
		return spillGzip(r, tmp, name)
	case mtZstdLayer:
		return spillZstd(r, tmp, name)
	case mtTarLayer, mtDockerTarLayer, "":
		if f, ok := r.(*os.File); ok {
			return mmapFile(f.Name())
		}
		return spillIdentity(r, tmp, name)
	default:
		return nil, &repackerr.SourceUnavailable{Ref: name, Err: fmt.Errorf("unrecognized layer media type %q", mediaType)}
	}
}

func spillGzip(r io.Reader, tmp *TempDir, name string) (RandomAccess, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, &repackerr.SourceCorrupt{LayerDigest: name, Reason: "invalid gzip stream: " + err.Error()}
	}
	defer gzr.Close()
	return spillStream(gzr, tmp, name)
}

func spillZstd(r io.Reader, tmp *TempDir, name string) (RandomAccess, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, &repackerr.SourceCorrupt{LayerDigest: name, Reason: "invalid zstd stream: " + err.Error()}
	}
	defer zr.Close()
	return spillStream(zr, tmp, name)
}

func spillIdentity(r io.Reader, tmp *TempDir, name string) (RandomAccess, error) {
	return spillStream(r, tmp, name)
}

func spillStream(r io.Reader, tmp *TempDir, name string) (RandomAccess, error) {
	f, err := tmp.Create(fmt.Sprintf("layer-%s.tar", safeName(name)))
	if err != nil {
		return nil, &repackerr.WriteFailed{Err: err}
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		return nil, &repackerr.SourceCorrupt{LayerDigest: name, Reason: "truncated layer stream: " + err.Error()}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	sum := "sha256:" + hex.EncodeToString(h.Sum(nil))
	log.Debug().Str("layer", name).Str("uncompressed_digest", sum).Msg("decompressed source layer")
	return newFileRegion(f)
}

func safeName(digest string) string {
	out := make([]byte, 0, len(digest))
	for _, c := range digest {
		if c == ':' {
			out = append(out, '-')
			continue
		}
		out = append(out, byte(c))
	}
	return string(out)
}

// newReaderAtSeq adapts a RandomAccess into a forward-only io.Reader for
// stream-oriented tar indexing.
func newReaderAtSeq(ra RandomAccess) io.Reader {
	return io.NewSectionReader(ra, 0, ra.Size())
}
