package progress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/container-repack/repack/internal/layerwriter"
)

func TestReporterNonTTYDoesNotWriteBars(t *testing.T) {
	var buf bytes.Buffer
	forceTTY := false
	r := NewReporter(&buf, 0, &forceTTY)

	r.StartStage("hashing", 10)
	r.Advance(5)
	r.FinishStage()

	assert.Empty(t, buf.String(), "non-TTY path must not write to the output writer directly")
}

func TestReporterTTYRendersBar(t *testing.T) {
	var buf bytes.Buffer
	forceTTY := true
	r := NewReporter(&buf, 0, &forceTTY)

	r.StartStage("writing layers", 4)
	r.Advance(2)

	out := buf.String()
	assert.True(t, strings.Contains(out, "writing layers"))
	assert.True(t, strings.Contains(out, "[2/4]"))
}

func TestSummaryDoesNotPanicOnEmptyLayers(t *testing.T) {
	r := NewReporter(&bytes.Buffer{}, 0, boolPtr(false))
	assert.NotPanics(t, func() {
		r.Summary(0, []*layerwriter.WrittenLayer{})
	})
}

func boolPtr(b bool) *bool { return &b }
