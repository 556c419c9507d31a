package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

const (
	// precisionMaxIterations is the liveness fuse of the residual loop.
	precisionMaxIterations = 1000

	// longResultThreshold triggers the post-pass minimal-substring cleanup:
	// anything longer is suspicious for a squeeze that under-shrunk.
	longResultThreshold = 10
)

// probeFunc classifies a candidate. A non-nil error means the probe could
// not be classified (transport failure after retries); it must never be
// read as safe.
type probeFunc func(ctx context.Context, text string) (blocked bool, err error)

// PrecisionScanner extracts the minimal blocked substrings from a short
// region already known to be blocked.
//
// The squeeze runs in two phases to avoid multi-target interference: first
// the shortest blocked prefix of the residual text is isolated, then only
// that prefix has its left boundary squeezed. Characters after the prefix
// can therefore never over-shrink the boundary of the word being located.
type PrecisionScanner struct {
	logger *slog.Logger
}

// NewPrecisionScanner creates a scanner for one session.
func NewPrecisionScanner(logger *slog.Logger) *PrecisionScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrecisionScanner{logger: logger}
}

// Scan locates every minimal blocked substring of text, with positions in
// original-text coordinates (basePos is the rune offset of text). A probe
// error aborts the scan and is returned to the caller, which records the
// enclosing region as a coarse finding.
func (p *PrecisionScanner) Scan(ctx context.Context, text string, basePos int, probe probeFunc) ([]models.Finding, error) {
	blocked, err := probe(ctx, text)
	if err != nil {
		return nil, err
	}
	if !blocked {
		// A peer may have masked this region since the parent probed it.
		p.logger.Warn("precision scan received a safe region, skipping",
			"length", len([]rune(text)))
		return nil, nil
	}

	var results []models.Finding
	residual := []rune(text)
	offset := 0

	for iter := 0; len(residual) > 0 && iter < precisionMaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		prefix, err := p.findTriggerPrefix(ctx, residual, probe)
		if err != nil {
			return results, err
		}
		if prefix == nil {
			break // residual is safe, done
		}

		word, left, err := p.squeezePrefix(ctx, prefix, probe)
		if err != nil {
			return results, err
		}
		if word == nil {
			// Squeeze over-shrank (algorithmic error); fall back to the
			// exhaustive minimal-substring search on the prefix.
			word, left, err = p.findMinimalBlockedSubstring(ctx, prefix, probe)
			if err != nil {
				return results, err
			}
			if word == nil {
				word = prefix
				left = 0
			}
		}

		start := basePos + offset + left
		results = append(results, models.Finding{
			Text:  string(word),
			Start: start,
			End:   start + len(word),
		})

		advance := left + len(word)
		residual = residual[advance:]
		offset += advance
	}

	results, err = p.cleanLongResults(ctx, results, probe)
	if err != nil {
		return results, err
	}
	return results, nil
}

// findTriggerPrefix returns the shortest blocked prefix of text, or nil if
// the whole text is safe. Isolating the prefix first keeps later characters
// from interfering with the squeeze.
func (p *PrecisionScanner) findTriggerPrefix(ctx context.Context, text []rune, probe probeFunc) ([]rune, error) {
	for i := 1; i <= len(text); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blocked, err := probe(ctx, string(text[:i]))
		if err != nil {
			return nil, err
		}
		if blocked {
			return text[:i], nil
		}
	}
	return nil, nil
}

// squeezePrefix shrinks the left boundary of a known-blocked prefix. The
// right boundary is already minimal by construction. Returns (word, left
// offset) or (nil, 0) when the final verification fails.
func (p *PrecisionScanner) squeezePrefix(ctx context.Context, prefix []rune, probe probeFunc) ([]rune, int, error) {
	left := 0
	for j := 0; j < len(prefix)-1; j++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		blocked, err := probe(ctx, string(prefix[j+1:]))
		if err != nil {
			return nil, 0, err
		}
		if blocked {
			// Leading rune was redundant; keep shrinking.
			left = j + 1
			continue
		}
		// Dropping rune j turned the text safe: j is the word start, which
		// the previous iteration already recorded in left.
		break
	}
	word := prefix[left:]

	blocked, err := probe(ctx, string(word))
	if err != nil {
		return nil, 0, err
	}
	if !blocked {
		p.logger.Error("squeeze produced a safe word, falling back",
			"word", string(word), "left", left)
		return nil, 0, nil
	}
	return word, left, nil
}

// findMinimalBlockedSubstring searches ascending window sizes for the first
// blocked substring. O(n^2) probes, acceptable on the short inputs the
// precision scanner handles.
func (p *PrecisionScanner) findMinimalBlockedSubstring(ctx context.Context, text []rune, probe probeFunc) ([]rune, int, error) {
	blocked, err := probe(ctx, string(text))
	if err != nil {
		return nil, 0, err
	}
	if !blocked {
		return nil, 0, nil
	}

	n := len(text)
	for w := 1; w <= n; w++ {
		for s := 0; s+w <= n; s++ {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
			blocked, err := probe(ctx, string(text[s:s+w]))
			if err != nil {
				return nil, 0, err
			}
			if blocked {
				return text[s : s+w], s, nil
			}
		}
	}
	return nil, 0, nil
}

// cleanLongResults re-minimizes any suspiciously long word. When a strictly
// shorter blocked substring exists inside a recorded word, the word is
// replaced and its coordinates translated.
func (p *PrecisionScanner) cleanLongResults(ctx context.Context, results []models.Finding, probe probeFunc) ([]models.Finding, error) {
	for i, f := range results {
		runes := []rune(f.Text)
		if len(runes) <= longResultThreshold {
			continue
		}
		shorter, rel, err := p.findMinimalBlockedSubstring(ctx, runes, probe)
		if err != nil {
			return results, err
		}
		if shorter == nil || len(shorter) >= len(runes) {
			continue
		}
		start := f.Start + rel
		results[i] = models.Finding{
			Text:  string(shorter),
			Start: start,
			End:   start + len(shorter),
		}
		p.logger.Info("long result reduced to minimal blocked substring",
			"was", fmt.Sprintf("%d runes", len(runes)),
			"now", fmt.Sprintf("%d runes", len(shorter)))
	}
	return results, nil
}

// probeAdapter bridges a Prober to the probeFunc contract: ERROR results
// become errors instead of being read as safe.
func probeAdapter(prober Prober) probeFunc {
	return func(ctx context.Context, text string) (bool, error) {
		result := prober.Probe(ctx, text, false)
		if result.Status == models.StatusError {
			return false, fmt.Errorf("probe failed (http %d): %s", result.HTTPCode, snippet(result.Body, 120))
		}
		return result.Blocked(), nil
	}
}

func snippet(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(runes[:maxRunes]))
}
