// Package layerwriter implements stage 5 of the repacking pipeline: it
// renders a layer plan into a canonical tar stream, compresses it, and
// reports the digests and sizes the manifest builder needs.
package layerwriter

// Codec selects the output layer compression format.
type Codec int

const (
	CodecZstd Codec = iota
	CodecGzip
)

const (
	mtGzipLayer = "application/vnd.oci.image.layer.v1.tar+gzip"
	mtZstdLayer = "application/vnd.oci.image.layer.v1.tar+zstd"
)

// MediaType returns the OCI layer media type for c.
func (c Codec) MediaType() string {
	if c == CodecGzip {
		return mtGzipLayer
	}
	return mtZstdLayer
}

// DefaultZstdLevel is the default zstd compression level, chosen to
// favor ratio over speed for a one-shot repack rather than a streaming
// write path.
const DefaultZstdLevel = 14

// WrittenLayer is the result of writing one layer plan to disk.
type WrittenLayer struct {
	Index              int
	Path               string // temp-file path of the compressed blob
	MediaType          string
	UncompressedSize   int64
	UncompressedDigest string
	CompressedSize     int64
	CompressedDigest   string
}
