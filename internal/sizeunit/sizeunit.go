// Package sizeunit parses human-readable byte sizes ("50MB", "1.5GB") for
// CLI flags such as --target-size.
package sizeunit

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
	"github.com/dustin/go-humanize"
)

// Parse parses a human byte-size string using the IEC/SI grammar documented
// by docker/go-units (e.g. "50MB", "1.5GiB", "2048"): SI suffixes ("MB")
// are powers of 1000, IEC suffixes ("MiB") powers of 1024.
func Parse(s string) (int64, error) {
	parse := units.FromHumanSize
	if strings.ContainsAny(s, "iI") {
		parse = units.RAMInBytes
	}
	n, err := parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid size %q: must be positive", s)
	}
	return n, nil
}

// HumanBytes formats n for diagnostics and the CLI's completion summary.
func HumanBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
