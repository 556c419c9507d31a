package scanner

import (
	"context"
	"strings"
	"sync"

	"github.com/soundstarrain/LLM-Filter-Probe/internal/engine"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// oracleProber is an in-process stand-in for the probe engine: it blocks any
// text containing one of a fixed keyword set. An optional mask manager
// emulates the engine's late-binding masking; errOn injects transport
// failures.
type oracleProber struct {
	mu      sync.Mutex
	blocked []string
	mask    *engine.MaskManager
	errOn   func(text string) bool
	calls   int
}

func newOracle(keywords ...string) *oracleProber {
	return &oracleProber{blocked: keywords}
}

func (o *oracleProber) Probe(ctx context.Context, text string, bypassMask bool) models.ProbeResult {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()

	if o.errOn != nil && o.errOn(text) {
		return models.ProbeResult{Status: models.StatusError, HTTPCode: 0, Body: "injected transport failure"}
	}

	probeText := text
	if o.mask != nil && !bypassMask {
		probeText = o.mask.Apply(text)
	}
	for _, kw := range o.blocked {
		if strings.Contains(probeText, kw) {
			return models.ProbeResult{
				Status:      models.StatusBlocked,
				HTTPCode:    400,
				BlockReason: "status code 400",
				BlockEvidence: &models.BlockEvidence{
					Type:  models.EvidenceStatusCode,
					Value: "400",
				},
			}
		}
	}
	return models.ProbeResult{Status: models.StatusSafe, HTTPCode: 200}
}

func (o *oracleProber) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// scriptedProber returns canned statuses per exact text, defaulting to safe.
type scriptedProber struct {
	mu      sync.Mutex
	replies map[string]models.ProbeStatus
}

func (s *scriptedProber) Probe(ctx context.Context, text string, bypassMask bool) models.ProbeResult {
	s.mu.Lock()
	status, ok := s.replies[text]
	s.mu.Unlock()
	if !ok {
		status = models.StatusSafe
	}
	code := 200
	if status == models.StatusBlocked {
		code = 400
	}
	return models.ProbeResult{Status: status, HTTPCode: code}
}

// nopSink drops events; used where the event stream is not under test.
func nopSink(Event) {}

func testEmitter() *EventEmitter {
	return NewEventEmitter(nopSink, "test", nil)
}
