package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/soundstarrain/LLM-Filter-Probe/internal/circuitbreaker"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/engine"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"golang.org/x/sync/semaphore"
)

// resultKey identifies a finding; duplicates collapse on it.
type resultKey struct {
	start, end int
	text       string
}

// TextScanner is the end-to-end orchestrator of one scan: segmentation,
// concurrent coarse probing, deep dives into blocked chunks, dynamic global
// masking, and the Validation -> Refinement -> Enumeration post-pass that
// purifies findings accumulated under concurrency.
type TextScanner struct {
	engine  *engine.Engine
	emitter *EventEmitter
	cfg     models.ScanConfig
	logger  *slog.Logger

	mu             sync.Mutex
	fullText       []rune
	totalLen       int
	scannedPos     int
	resultsSet     map[resultKey]struct{}
	knownKeywords  map[string]struct{}
	breaker        *circuitbreaker.Breaker
	breakerTripped bool
}

// NewTextScanner wires an orchestrator to its engine and emitter. The
// scanner exclusively owns the engine's mask and statistics for the
// duration of each Scan call.
func NewTextScanner(eng *engine.Engine, emitter *EventEmitter, cfg models.ScanConfig, logger *slog.Logger) *TextScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextScanner{
		engine:  eng,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Scan runs the full pipeline on text and returns the final results. For a
// non-empty text the terminal event (scan_complete, scan_cancelled or
// scan_error) is emitted before Scan returns; exactly one terminal fires per
// call. An empty text returns empty results without emitting any event.
func (t *TextScanner) Scan(ctx context.Context, text string) (models.ScanResults, error) {
	if text == "" {
		return models.ScanResults{Keywords: map[string][]models.Position{}}, nil
	}
	started := time.Now()

	// Phase A: sync the latest rules into the engine and reset per-scan state.
	t.engine.SyncRules(t.cfg.BlockStatusCodes, t.cfg.RetryStatusCodes, t.cfg.BlockKeywords)
	t.engine.ResetStatistics()
	t.engine.ResetMasking()
	t.engine.OnUnknownStatusCode = t.emitter.UnknownStatusCodeFound

	breaker, err := circuitbreaker.NewBreaker(t.cfg.StopIf, t.cfg.MinSamples)
	if err != nil {
		cfgErr := models.WrapError(models.CodeConfigInvalid, err, "stop_if")
		t.emitter.ScanError(cfgErr.Error(), models.CodeConfigInvalid)
		return models.ScanResults{}, cfgErr
	}

	segmenter := NewTextSegmenter(t.cfg.ChunkSize, t.cfg.OverlapSize, t.logger)

	t.mu.Lock()
	t.fullText = []rune(text)
	t.totalLen = len(t.fullText)
	t.scannedPos = 0
	t.resultsSet = make(map[resultKey]struct{})
	t.knownKeywords = make(map[string]struct{})
	t.breaker = breaker
	t.breakerTripped = false
	t.mu.Unlock()

	// Phase B: announce the scan.
	t.emitter.ScanStarted(t.totalLen, segmenter.SegmentSize(), t.cfg.Redacted())
	t.emitter.LogMessage("info", "text processing",
		"chunk_size", segmenter.SegmentSize(), "overlap_size", segmenter.OverlapSize())
	t.emitter.LogMessage("info", "network",
		"concurrency", t.cfg.Concurrency, "timeout", t.cfg.Timeout, "max_retries", t.cfg.MaxRetries)
	t.emitter.LogMessage("info", "algorithm",
		"mode", t.cfg.AlgorithmMode, "min_granularity", t.cfg.MinGranularity,
		"switch_threshold", t.cfg.AlgorithmSwitchThreshold)

	segments := segmenter.Split(text)
	t.logger.Info("input segmented", "segments", len(segments), "total_length", t.totalLen)

	// Phase C: concurrent coarse probing with a semaphore-capped fan-out.
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	concurrency := t.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	for _, seg := range segments {
		if scanCtx.Err() != nil {
			break
		}
		if err := sem.Acquire(scanCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(seg models.Segment) {
			defer wg.Done()
			defer sem.Release(1)
			t.processSegment(scanCtx, seg)
			if t.checkBreaker() {
				cancel()
			}
		}(seg)
	}
	wg.Wait()

	if t.breakerHasTripped() {
		reason := t.breaker.Reason()
		t.emitter.ProgressUpdated(t.totalLen, t.totalLen, t.sensitiveCount(), t.groupedResults(), true)
		t.emitter.ScanError(reason, models.CodeAPIError)
		return models.ScanResults{}, models.NewError(models.CodeAPIError, "%s", reason)
	}
	if err := ctx.Err(); err != nil {
		t.emitter.ProgressUpdated(t.totalLen, t.totalLen, t.sensitiveCount(), t.groupedResults(), true)
		t.emitter.ScanCancelled("scan canceled by user")
		return models.ScanResults{}, models.NewError(models.CodeScanCancelled, "scan canceled")
	}

	// Phase D: golden flow.
	keywords := t.goldenFlow(ctx)

	grouped, positionsTotal := t.enumerate(keywords)

	stats := t.engine.Statistics()
	durationSeconds := time.Since(started).Seconds()
	results := models.ScanResults{
		Keywords:                grouped,
		SensitiveCount:          positionsTotal,
		APICalls:                stats.Requests,
		UnknownStatusCodes:      stats.UnknownStatusCodes,
		UnknownStatusCodeCounts: stats.UnknownStatusCodeCounts,
		Evidence:                stats.Evidence,
		DurationSeconds:         round2(durationSeconds),
		DurationText:            formatDuration(durationSeconds),
		Latency:                 stats.Latency,
	}

	// Phase E: forced 100% progress, then the terminal event.
	t.emitter.ProgressUpdated(t.totalLen, t.totalLen, results.SensitiveCount, grouped, true)
	t.emitter.ScanCompleted(results)

	t.logger.Info("scan finished",
		"findings", results.SensitiveCount,
		"requests", results.APICalls,
		"duration", results.DurationText)
	return results, nil
}

// processSegment handles one window: mask short-circuit, coarse probe, and
// the deep dive on a blocked result. A failing segment logs and continues;
// it never fails the scan.
func (t *TextScanner) processSegment(ctx context.Context, seg models.Segment) {
	if ctx.Err() != nil {
		return
	}

	masked := t.engine.Mask().Apply(seg.Text)
	if t.engine.Mask().FullyMasked(masked) {
		t.emitter.LogMessage("info", "segment skipped, fully covered by known keywords",
			"start", seg.Start, "end", seg.End)
		t.advanceProgress(seg.End)
		return
	}

	// The engine re-applies the newest mask at send time (late binding).
	result := t.engine.Probe(ctx, seg.Text, false)

	switch result.Status {
	case models.StatusBlocked:
		if result.BlockReason != "" {
			t.emitter.LogMessage("info", "segment blocked, starting deep dive",
				"start", seg.Start, "end", seg.End, "reason", result.BlockReason)
		} else {
			t.emitter.LogMessage("info", "segment blocked, starting deep dive",
				"start", seg.Start, "end", seg.End)
		}
		searcher := NewBinarySearcher(t.engine, t.emitter, t.cfg, t.handleFinding, t.logger)
		searcher.Search(ctx, seg.Text, seg.Start)
	case models.StatusError:
		t.emitter.LogMessage("error", "segment probe failed, continuing",
			"start", seg.Start, "end", seg.End, "http_code", result.HTTPCode)
	default:
		t.logger.Debug("segment safe", "start", seg.Start, "end", seg.End)
	}

	t.advanceProgress(seg.End)
	t.emitter.ProgressUpdated(t.currentScanned(), t.totalLen, t.sensitiveCount(), nil, false)
}

// handleFinding is the searcher callback. Coordinates come back in
// original-text space, so the text is re-derived from the original input to
// shed any mask-character contamination. New precise keywords feed the
// dynamic global mask and are harvested across the whole input at once;
// coarse regions are only recorded, the golden flow re-checks them.
func (t *TextScanner) handleFinding(f models.Finding, coarse bool) {
	t.mu.Lock()
	if f.Start < 0 || f.End > t.totalLen || f.Start >= f.End {
		t.mu.Unlock()
		t.logger.Warn("finding out of bounds, dropped", "start", f.Start, "end", f.End)
		return
	}
	keyword := string(t.fullText[f.Start:f.End])
	if coarse {
		t.resultsSet[resultKey{start: f.Start, end: f.End, text: keyword}] = struct{}{}
		t.mu.Unlock()
		return
	}
	_, known := t.knownKeywords[keyword]
	if !known {
		t.knownKeywords[keyword] = struct{}{}
	}
	t.mu.Unlock()

	if known {
		return
	}

	t.engine.Mask().Add(keyword)

	// One discovery, global harvest: record every occurrence immediately so
	// peers skip re-deriving the same keyword.
	occurrences := findAll(t.fullText, keyword)
	t.mu.Lock()
	for _, pos := range occurrences {
		t.resultsSet[resultKey{start: pos.Start, end: pos.End, text: keyword}] = struct{}{}
	}
	count := len(t.resultsSet)
	scanned := t.scannedPos
	t.mu.Unlock()

	for _, pos := range occurrences {
		t.emitter.SensitiveFound(keyword, pos.Start, pos.End)
	}
	t.emitter.ProgressUpdated(scanned, t.totalLen, count, t.groupedResults(), false)
	t.emitter.LogMessage("info", "dynamic mask enabled",
		"keyword_length", utf8.RuneCountInString(keyword),
		"occurrences", len(occurrences),
		"known_keywords", t.engine.Mask().Count())
}

// goldenFlow runs Validation and Refinement, returning the kept keywords.
//
// Validation re-probes each distinct candidate text with the mask bypassed;
// candidates that are safe in isolation were concurrency noise and drop
// out. Errors keep the candidate conservatively. Refinement then discards
// any candidate that strictly contains an already-kept one.
func (t *TextScanner) goldenFlow(ctx context.Context) []string {
	t.mu.Lock()
	distinct := make(map[string]struct{})
	for key := range t.resultsSet {
		distinct[key.text] = struct{}{}
	}
	t.mu.Unlock()
	if len(distinct) == 0 {
		return nil
	}

	candidates := make([]string, 0, len(distinct))
	for text := range distinct {
		candidates = append(candidates, text)
	}
	sort.Strings(candidates)

	t.emitter.LogMessage("info", "validation pass", "candidates", len(candidates))

	concurrency := t.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	keep := make([]bool, len(candidates))
	for i, candidate := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Canceled mid-validation: keep the rest conservatively.
			for j := i; j < len(candidates); j++ {
				keep[j] = true
			}
			break
		}
		wg.Add(1)
		go func(i int, candidate string) {
			defer wg.Done()
			defer sem.Release(1)
			result := t.engine.Probe(ctx, candidate, true)
			// Only a definite SAFE drops a candidate.
			keep[i] = result.Status != models.StatusSafe
		}(i, candidate)
	}
	wg.Wait()

	validated := make([]string, 0, len(candidates))
	for i, candidate := range candidates {
		if keep[i] {
			validated = append(validated, candidate)
		} else {
			t.emitter.LogMessage("info", "candidate dropped by validation",
				"length", utf8.RuneCountInString(candidate))
		}
	}

	// Refinement: shortest first, keep only minimal candidates.
	sort.SliceStable(validated, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(validated[i]), utf8.RuneCountInString(validated[j])
		if li != lj {
			return li < lj
		}
		return validated[i] < validated[j]
	})
	var kept []string
	for _, candidate := range validated {
		minimal := true
		for _, k := range kept {
			if strings.Contains(candidate, k) {
				minimal = false
				break
			}
		}
		if minimal {
			kept = append(kept, candidate)
		}
	}

	t.emitter.LogMessage("info", "refinement pass",
		"validated", len(validated), "kept", len(kept))
	return kept
}

// enumerate is the final golden-flow stage: every kept keyword is located
// across the whole input, producing the grouped result set.
func (t *TextScanner) enumerate(keywords []string) (map[string][]models.Position, int) {
	t.mu.Lock()
	fullText := t.fullText
	t.mu.Unlock()

	grouped := make(map[string][]models.Position, len(keywords))
	total := 0
	for _, kw := range keywords {
		positions := findAll(fullText, kw)
		if len(positions) == 0 {
			continue
		}
		grouped[kw] = positions
		total += len(positions)
	}
	return grouped, total
}

func (t *TextScanner) advanceProgress(endPos int) {
	t.mu.Lock()
	if endPos > t.scannedPos {
		t.scannedPos = endPos
	}
	t.mu.Unlock()
}

func (t *TextScanner) currentScanned() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scannedPos
}

func (t *TextScanner) sensitiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resultsSet)
}

func (t *TextScanner) checkBreaker() bool {
	stats := t.engine.Statistics()
	if t.breaker.Check(stats.Requests, stats.Errors) {
		t.mu.Lock()
		t.breakerTripped = true
		t.mu.Unlock()
		return true
	}
	return false
}

func (t *TextScanner) breakerHasTripped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.breakerTripped
}

// groupedResults builds the incremental keyword -> positions view sent with
// progress events.
func (t *TextScanner) groupedResults() map[string][]models.Position {
	t.mu.Lock()
	keys := make([]resultKey, 0, len(t.resultsSet))
	for key := range t.resultsSet {
		keys = append(keys, key)
	}
	t.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].text != keys[j].text {
			return keys[i].text < keys[j].text
		}
		return keys[i].start < keys[j].start
	})

	grouped := make(map[string][]models.Position)
	for _, key := range keys {
		grouped[key.text] = append(grouped[key.text], models.Position{Start: key.start, End: key.end})
	}
	return grouped
}

// findAll returns the non-overlapping occurrences of needle in haystack,
// ascending, in rune coordinates.
func findAll(haystack []rune, needle string) []models.Position {
	needleRunes := []rune(needle)
	n := len(needleRunes)
	if n == 0 || n > len(haystack) {
		return nil
	}

	var out []models.Position
	for i := 0; i+n <= len(haystack); {
		match := true
		for j := 0; j < n; j++ {
			if haystack[i+j] != needleRunes[j] {
				match = false
				break
			}
		}
		if match {
			out = append(out, models.Position{Start: i, End: i + n})
			i += n
			continue
		}
		i++
	}
	return out
}

// formatDuration renders elapsed seconds as "3.45s" or "2m 57s".
func formatDuration(seconds float64) string {
	if seconds < 60 {
		return fmt.Sprintf("%.2fs", seconds)
	}
	minutes := int(seconds) / 60
	secs := seconds - float64(minutes*60)
	return fmt.Sprintf("%dm %.0fs", minutes, secs)
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
