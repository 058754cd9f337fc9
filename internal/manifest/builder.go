package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/container-repack/repack/internal/layerwriter"
	"github.com/container-repack/repack/internal/repackerr"
)

const refNameAnnotation = "org.opencontainers.image.ref.name"

// Write builds a fresh config and manifest for each platform, a shared
// image index, and writes the whole layout (oci-layout, index.json,
// blobs/sha256/*) under outputDir.
func Write(outputDir string, platforms []PlatformResult, tag string) (*BuildResult, error) {
	blobsDir := filepath.Join(outputDir, "blobs", "sha256")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, &repackerr.WriteFailed{Err: fmt.Errorf("create blobs dir: %w", err)}
	}
	if err := os.WriteFile(filepath.Join(outputDir, "oci-layout"), []byte(`{"imageLayoutVersion":"1.0.0"}`+"\n"), 0o644); err != nil {
		return nil, &repackerr.WriteFailed{Err: fmt.Errorf("write oci-layout: %w", err)}
	}

	result := &BuildResult{}
	var manifestDescs []v1.Descriptor

	for i, p := range platforms {
		cfg, err := cloneConfig(p.SourceConfig)
		if err != nil {
			return nil, &repackerr.WriteFailed{LayerIndex: i, Err: err}
		}
		applyNewLayers(cfg, p.Layers)

		configDesc, err := writeJSONBlob(blobsDir, cfg)
		if err != nil {
			return nil, &repackerr.WriteFailed{LayerIndex: i, Err: err}
		}
		configDesc.MediaType = types.OCIConfigJSON

		layerDescs := make([]v1.Descriptor, len(p.Layers))
		for j, wl := range p.Layers {
			digest, err := v1.NewHash(wl.CompressedDigest)
			if err != nil {
				return nil, &repackerr.WriteFailed{LayerIndex: i, Err: err}
			}
			if err := placeBlob(blobsDir, wl.Path, digest.Hex); err != nil {
				return nil, &repackerr.WriteFailed{LayerIndex: i, Err: err}
			}
			layerDescs[j] = v1.Descriptor{
				MediaType: types.MediaType(wl.MediaType),
				Digest:    digest,
				Size:      wl.CompressedSize,
			}
		}

		im := v1.Manifest{
			SchemaVersion: 2,
			MediaType:     types.OCIManifestSchema1,
			Config:        configDesc,
			Layers:        layerDescs,
		}
		manifestDesc, err := writeJSONBlob(blobsDir, im)
		if err != nil {
			return nil, &repackerr.WriteFailed{LayerIndex: i, Err: err}
		}
		manifestDesc.MediaType = types.OCIManifestSchema1
		plat := p.Platform
		manifestDesc.Platform = &plat
		if tag != "" {
			manifestDesc.Annotations = map[string]string{refNameAnnotation: tag}
		}

		manifestDescs = append(manifestDescs, manifestDesc)
		result.ManifestDigests = append(result.ManifestDigests, manifestDesc.Digest.String())
	}

	index := v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     types.OCIImageIndex,
		Manifests:     manifestDescs,
	}
	if err := writeIndexFile(outputDir, index); err != nil {
		return nil, &repackerr.WriteFailed{Err: err}
	}
	result.IndexWritten = true
	return result, nil
}

// cloneConfig deep-copies src via a JSON round trip so later field
// mutation never aliases the source image's own config.
func cloneConfig(src *v1.ConfigFile) (*v1.ConfigFile, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("clone config: %w", err)
	}
	var out v1.ConfigFile
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone config: %w", err)
	}
	return &out, nil
}

// applyNewLayers replaces cfg's rootfs diff_ids and history with the
// repacked layer set. created is left as the source config's own value
// (already carried over by cloneConfig's JSON round trip) rather than
// stamped with the wall clock, so two runs over the same input produce a
// byte-identical config blob.
func applyNewLayers(cfg *v1.ConfigFile, layers []*layerwriter.WrittenLayer) {
	diffIDs := make([]v1.Hash, len(layers))
	history := make([]v1.History, len(layers))
	for i, l := range layers {
		h, _ := v1.NewHash(l.UncompressedDigest)
		diffIDs[i] = h
		history[i] = v1.History{
			Created:    cfg.Created,
			CreatedBy:  "repack",
			Comment:    "",
			EmptyLayer: false,
		}
	}
	cfg.RootFS.Type = "layers"
	cfg.RootFS.DiffIDs = diffIDs
	cfg.History = history
}

func writeJSONBlob(blobsDir string, v any) (v1.Descriptor, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return v1.Descriptor{}, err
	}
	sum := sha256Hex(data)
	if err := placeBlobBytes(blobsDir, data, sum); err != nil {
		return v1.Descriptor{}, err
	}
	return v1.Descriptor{
		Digest: v1.Hash{Algorithm: "sha256", Hex: sum},
		Size:   int64(len(data)),
	}, nil
}

func placeBlobBytes(blobsDir string, data []byte, hex string) error {
	dest := filepath.Join(blobsDir, hex)
	if existing, err := os.ReadFile(dest); err == nil {
		if !bytes.Equal(existing, data) {
			return fmt.Errorf("blob %s already exists with different content", hex)
		}
		return nil
	}
	return os.WriteFile(dest, data, 0o644)
}

// placeBlob moves the layer blob at srcPath into blobsDir/hex, verifying
// byte-for-byte equality against any pre-existing blob of the same
// digest before treating it as an idempotent overwrite.
func placeBlob(blobsDir, srcPath, hex string) error {
	dest := filepath.Join(blobsDir, hex)
	if _, err := os.Stat(dest); err == nil {
		equal, err := filesEqual(dest, srcPath)
		if err != nil {
			return err
		}
		if !equal {
			return fmt.Errorf("blob %s already exists with different content", hex)
		}
		return os.Remove(srcPath)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

func filesEqual(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	sa, err := fa.Stat()
	if err != nil {
		return false, err
	}
	sb, err := fb.Stat()
	if err != nil {
		return false, err
	}
	if sa.Size() != sb.Size() {
		return false, nil
	}

	bufA := make([]byte, 32*1024)
	bufB := make([]byte, 32*1024)
	for {
		na, erra := fa.Read(bufA)
		nb, errb := fb.Read(bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if erra == io.EOF && errb == io.EOF {
			return true, nil
		}
		if erra != nil && erra != io.EOF {
			return false, erra
		}
		if errb != nil && errb != io.EOF {
			return false, errb
		}
		if erra == io.EOF || errb == io.EOF {
			return erra == errb, nil
		}
	}
}

func writeIndexFile(outputDir string, index v1.IndexManifest) error {
	f, err := os.Create(filepath.Join(outputDir, "index.json"))
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(index)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
