package scanner

import (
	"context"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// Prober is the black-box classification dependency of the scanning
// pipeline. The production implementation is engine.Engine; tests use an
// in-process oracle.
type Prober interface {
	// Probe classifies a text segment. It never returns an error: failures
	// surface as StatusError results.
	Probe(ctx context.Context, text string, bypassMask bool) models.ProbeResult
}
