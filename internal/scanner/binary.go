package scanner

import (
	"context"
	"log/slog"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"golang.org/x/sync/errgroup"
)

// maxRecursionDepth bounds the bisection; with strictly shrinking windows
// this is never reached on sane configs, it is a panic fuse.
const maxRecursionDepth = 30

// BinarySearcher narrows a blocked chunk down to findings by recursive
// bisection with overlap. In hybrid mode short windows are handed off to
// the PrecisionScanner for exact boundaries.
type BinarySearcher struct {
	prober          Prober
	emitter         *EventEmitter
	precision       *PrecisionScanner
	minGranularity  int
	overlapSize     int
	mode            models.AlgorithmMode
	switchThreshold int
	logger          *slog.Logger

	// onFound fires for every recorded finding, before Search returns.
	// coarse marks regions kept without exact boundaries (probe errors,
	// forced leaves); only precise findings grow the dynamic mask while
	// sibling probes are still in flight.
	onFound func(f models.Finding, coarse bool)

	found []models.Finding
}

// NewBinarySearcher builds a searcher for one scan.
func NewBinarySearcher(prober Prober, emitter *EventEmitter, cfg models.ScanConfig, onFound func(models.Finding, bool), logger *slog.Logger) *BinarySearcher {
	if logger == nil {
		logger = slog.Default()
	}
	minGranularity := cfg.MinGranularity
	if minGranularity < 1 {
		logger.Warn("min_granularity must be positive, using 1", "min_granularity", minGranularity)
		minGranularity = 1
	}
	return &BinarySearcher{
		prober:          prober,
		emitter:         emitter,
		precision:       NewPrecisionScanner(logger),
		minGranularity:  minGranularity,
		overlapSize:     cfg.OverlapSize,
		mode:            cfg.AlgorithmMode,
		switchThreshold: cfg.AlgorithmSwitchThreshold,
		logger:          logger,
		onFound:         onFound,
	}
}

// Search locates findings inside a chunk that tested blocked. basePos is the
// chunk's rune offset in the original input; all returned coordinates are
// original-text coordinates.
func (b *BinarySearcher) Search(ctx context.Context, text string, basePos int) []models.Finding {
	b.found = nil
	runes := []rune(text)

	if b.mode == models.ModePrecision {
		// Pure micro mode: squeeze the whole chunk directly.
		b.runPrecision(ctx, runes, basePos)
		return b.found
	}

	b.recurse(ctx, runes, basePos, 0)
	return b.found
}

func (b *BinarySearcher) record(f models.Finding, coarse bool) {
	// Overlapping halves can reach the same span twice; a finding is
	// identified by its (text, start, end) triple, so repeats are dropped.
	for _, prev := range b.found {
		if prev == f {
			return
		}
	}
	b.found = append(b.found, f)
	if b.onFound != nil {
		b.onFound(f, coarse)
	}
}

// probe classifies a window; a status is always produced.
func (b *BinarySearcher) probe(ctx context.Context, text []rune) models.ProbeResult {
	return b.prober.Probe(ctx, string(text), false)
}

func (b *BinarySearcher) recurse(ctx context.Context, text []rune, basePos, depth int) {
	if err := ctx.Err(); err != nil {
		b.logger.Warn("bisection aborted by cancellation", "depth", depth)
		return
	}
	if depth > maxRecursionDepth {
		b.logger.Error("bisection depth limit exceeded, abandoning branch",
			"depth", depth, "base_pos", basePos)
		return
	}
	if len(text) == 0 {
		return
	}

	textLen := len(text)
	result := b.probe(ctx, text)
	switch result.Status {
	case models.StatusSafe, models.StatusMasked:
		return // pruned
	case models.StatusError:
		// Never read an error as safe: keep the region coarsely, the
		// validation pass re-checks it.
		b.logger.Warn("probe error during bisection, keeping region as coarse finding",
			"depth", depth, "length", textLen)
		b.record(models.Finding{Text: string(text), Start: basePos, End: basePos + textLen}, true)
		return
	}

	// Hybrid handoff runs before the leaf check so short blocked windows
	// always get exact boundaries.
	if b.mode == models.ModeHybrid && textLen <= b.switchThreshold {
		b.emitter.LogMessage("info",
			"bisection narrowed a blocked window, switching to precision squeeze",
			"length", textLen)
		b.runPrecision(ctx, text, basePos)
		return
	}

	if textLen <= b.minGranularity {
		b.record(models.Finding{Text: string(text), Start: basePos, End: basePos + textLen}, false)
		if depth > 0 {
			b.emitter.LogMessage("success",
				"blocked span located", "depth", depth, "start", basePos, "end", basePos+textLen)
		}
		return
	}

	if result.BlockReason != "" {
		b.emitter.LogMessage("warning",
			"bisecting blocked window", "depth", depth+1, "length", textLen, "reason", result.BlockReason)
	} else {
		b.emitter.LogMessage("warning",
			"bisecting blocked window", "depth", depth+1, "length", textLen)
	}

	mid := textLen / 2
	overlap := b.overlapSize
	if required := minInt(b.minGranularity, textLen/4); overlap < required {
		overlap = required
	}
	if maxSafe := (textLen - 1) / 2; overlap > maxSafe {
		overlap = maxSafe
	}
	if overlap < 1 && textLen > 1 {
		overlap = 1
	}

	leftEnd := minInt(mid+overlap, textLen)
	rightStart := maxInt(0, mid-overlap)
	left := text[:leftEnd]
	right := text[rightStart:]

	if len(left) >= textLen || len(right) >= textLen {
		// The split no longer shrinks: force a leaf instead of looping.
		b.logger.Warn("invalid split, forcing leaf", "depth", depth, "length", textLen)
		b.record(models.Finding{Text: string(text), Start: basePos, End: basePos + textLen}, true)
		return
	}

	var leftRes, rightRes models.ProbeResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		leftRes = b.probe(gctx, left)
		return nil
	})
	g.Go(func() error {
		rightRes = b.probe(gctx, right)
		return nil
	})
	_ = g.Wait()

	// An errored half recurses too: its root re-probe either recovers or
	// records the half as a coarse finding. Only a definite SAFE prunes.
	leftSensitive := leftRes.Blocked() || leftRes.Status == models.StatusError
	rightSensitive := rightRes.Blocked() || rightRes.Status == models.StatusError

	if leftSensitive {
		b.recurse(ctx, left, basePos, depth+1)
	}
	if rightSensitive {
		b.recurse(ctx, right, basePos+rightStart, depth+1)
	}

	// Three-way probe: both halves safe means a keyword likely straddles
	// the cut; re-examine the middle window around it.
	if !leftSensitive && !rightSensitive {
		midStart := maxInt(0, mid-overlap)
		midEnd := minInt(textLen, mid+overlap)
		middle := text[midStart:midEnd]
		if len(middle) == 0 {
			return
		}
		if len(middle) < textLen {
			b.recurse(ctx, middle, basePos+midStart, depth+1)
		} else {
			b.logger.Warn("middle window equals parent, forcing leaf", "depth", depth)
			b.record(models.Finding{Text: string(middle), Start: basePos + midStart, End: basePos + midEnd}, true)
		}
	}
}

// runPrecision hands a window to the precision scanner. A probe error makes
// the whole window a coarse finding rather than dropping it.
func (b *BinarySearcher) runPrecision(ctx context.Context, text []rune, basePos int) {
	findings, err := b.precision.Scan(ctx, string(text), basePos, probeAdapter(b.prober))
	if err != nil {
		b.logger.Error("precision scan failed, keeping region as coarse finding",
			"error", err, "base_pos", basePos, "length", len(text))
		b.record(models.Finding{Text: string(text), Start: basePos, End: basePos + len(text)}, true)
		return
	}
	for _, f := range findings {
		b.record(f, false)
		b.emitter.LogMessage("success",
			"keyword located", "keyword", f.Text, "start", f.Start, "end", f.End)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
