// Package reference parses the repacker's source reference grammar
// (docker://, oci://, or a bare local path) and the --platform selector
// glob, including brace expansion (linux/{amd64,arm64}).
package reference

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/container-repack/repack/internal/repackerr"
)

// Kind distinguishes a remote registry source from a local OCI layout.
type Kind int

const (
	// KindRegistry is a docker://<registry>/<repo>[:<tag>|@<digest>] source.
	KindRegistry Kind = iota
	// KindOCILayout is an oci://<path>[:<tag>] or bare <path> source.
	KindOCILayout
)

// Source is a parsed source image reference.
type Source struct {
	Kind Kind

	// Registry-sourced fields.
	Registry name.Reference

	// OCI-layout-sourced fields.
	Path string

	// Tag is the source's tag (or, for a registry digest reference, its
	// digest), empty for a local layout given without one.
	Tag string
}

// ParseSource parses the CLI's <SOURCE> positional:
//
//	docker://<registry>/<repo>[:<tag>|@<digest>]  -- remote registry
//	oci://<path>[:<tag>]                          -- local OCI layout
//	<path>                                        -- bare local OCI layout
func ParseSource(s string) (*Source, error) {
	switch {
	case strings.HasPrefix(s, "docker://"):
		raw := strings.TrimPrefix(s, "docker://")
		ref, err := name.ParseReference(raw)
		if err != nil {
			return nil, &repackerr.ConfigError{Field: "SOURCE", Msg: fmt.Sprintf("invalid registry reference %q: %v", raw, err)}
		}
		return &Source{Kind: KindRegistry, Registry: ref, Tag: ref.Identifier()}, nil

	case strings.HasPrefix(s, "oci://"):
		path, tag := splitTag(strings.TrimPrefix(s, "oci://"))
		return &Source{Kind: KindOCILayout, Path: path, Tag: tag}, nil

	case s == "":
		return nil, &repackerr.ConfigError{Field: "SOURCE", Msg: "must not be empty"}

	default:
		path, tag := splitTag(s)
		return &Source{Kind: KindOCILayout, Path: path, Tag: tag}, nil
	}
}

// splitTag splits "path:tag" into ("path", "tag"), tolerating paths with no
// tag suffix. A colon that appears after the last path separator is
// treated as the tag delimiter; one before it (e.g. a Windows drive letter)
// is left alone.
func splitTag(s string) (path, tag string) {
	lastSlash := strings.LastIndexByte(s, '/')
	lastColon := strings.LastIndexByte(s, ':')
	if lastColon == -1 || lastColon < lastSlash {
		return s, ""
	}
	return s[:lastColon], s[lastColon+1:]
}

// ParseOutput parses the <OUTPUT_DIR> positional, stripping an optional
// oci:// scheme.
func ParseOutput(s string) (string, error) {
	if s == "" {
		return "", &repackerr.ConfigError{Field: "OUTPUT_DIR", Msg: "must not be empty"}
	}
	return strings.TrimPrefix(s, "oci://"), nil
}
