package scanner

import (
	"log/slog"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// TextSegmenter splits the input into overlapping windows. The overlap must
// exceed the longest expected keyword so no keyword lives only on a window
// boundary. All positions are rune offsets into the original input.
type TextSegmenter struct {
	segmentSize int
	overlapSize int
	logger      *slog.Logger
}

// NewTextSegmenter builds a segmenter, clamping invalid parameters with a
// logged warning instead of failing: segmentSize <= 0 falls back to a single
// window, negative overlap becomes 0, and overlap >= segmentSize is reduced
// to half the segment size.
func NewTextSegmenter(segmentSize, overlapSize int, logger *slog.Logger) *TextSegmenter {
	if logger == nil {
		logger = slog.Default()
	}
	if overlapSize < 0 {
		logger.Warn("overlap_size cannot be negative, using 0", "overlap_size", overlapSize)
		overlapSize = 0
	}
	if segmentSize > 0 && overlapSize >= segmentSize {
		clamped := segmentSize / 2
		if clamped < 1 {
			clamped = 1
		}
		logger.Warn("overlap_size >= segment_size, clamping",
			"overlap_size", overlapSize, "segment_size", segmentSize, "clamped", clamped)
		overlapSize = clamped
	}
	return &TextSegmenter{segmentSize: segmentSize, overlapSize: overlapSize, logger: logger}
}

// SegmentSize returns the effective window size.
func (s *TextSegmenter) SegmentSize() int { return s.segmentSize }

// OverlapSize returns the effective window overlap.
func (s *TextSegmenter) OverlapSize() int { return s.overlapSize }

// Split yields the ordered window sequence. Consecutive windows satisfy
// nextStart = prevEnd - overlap, clipped at end of text, and the final tail
// is always covered.
func (s *TextSegmenter) Split(text string) []models.Segment {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	textLen := len(runes)

	if s.segmentSize <= 0 {
		s.logger.Warn("segment_size must be positive, using whole text", "segment_size", s.segmentSize)
		return []models.Segment{{Text: text, Start: 0, End: textLen}}
	}

	var segments []models.Segment
	start := 0
	for start < textLen {
		end := start + s.segmentSize
		if end > textLen {
			end = textLen
		}
		segments = append(segments, models.Segment{
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
		if end >= textLen {
			break
		}

		next := end - s.overlapSize
		if next <= start {
			// Overlap too large for this window size; emit the tail and stop.
			if end < textLen {
				segments = append(segments, models.Segment{
					Text:  string(runes[end:]),
					Start: end,
					End:   textLen,
				})
			}
			break
		}
		start = next
	}

	return segments
}
