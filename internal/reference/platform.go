package reference

import (
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/container-repack/repack/internal/repackerr"
)

// PlatformSelector matches a "os/arch[/variant]" glob against the
// platforms of a (possibly multi-platform) image index, with brace
// expansion (linux/{amd64,arm64}).
type PlatformSelector struct {
	patterns []string
}

// DefaultPlatformSelector is the --platform default.
const DefaultPlatformSelector = "linux/*"

// ParsePlatformSelector expands brace groups in sel into the concrete glob
// patterns it represents. Only one brace group is supported.
func ParsePlatformSelector(sel string) (*PlatformSelector, error) {
	if sel == "" {
		sel = DefaultPlatformSelector
	}

	open := strings.IndexByte(sel, '{')
	if open == -1 {
		return &PlatformSelector{patterns: []string{sel}}, nil
	}

	close := strings.IndexByte(sel, '}')
	if close == -1 || close < open {
		return nil, &repackerr.ConfigError{Field: "platform", Msg: "unbalanced brace in " + sel}
	}

	prefix, group, suffix := sel[:open], sel[open+1:close], sel[close+1:]
	var patterns []string
	for _, opt := range strings.Split(group, ",") {
		patterns = append(patterns, prefix+opt+suffix)
	}
	return &PlatformSelector{patterns: patterns}, nil
}

// Matches reports whether p's "os/arch[/variant]" triple satisfies the
// selector.
func (s *PlatformSelector) Matches(p v1.Platform) bool {
	triple := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		triple += "/" + p.Variant
	}
	for _, pattern := range s.patterns {
		if ok, _ := filepath.Match(pattern, triple); ok {
			return true
		}
		// Allow a two-segment pattern (no variant) to match a
		// three-segment platform triple by also trying os/arch alone.
		if p.Variant != "" {
			if ok, _ := filepath.Match(pattern, p.OS+"/"+p.Architecture); ok {
				return true
			}
		}
	}
	return false
}

// String returns the selector's brace-expanded patterns joined by commas
// (e.g. "linux/amd64,linux/arm64"), for diagnostics.
func (s *PlatformSelector) String() string {
	return strings.Join(s.patterns, ",")
}
