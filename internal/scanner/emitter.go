package scanner

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/soundstarrain/LLM-Filter-Probe/internal/engine"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

const (
	// progressMinInterval throttles progress events to at most 5/s.
	progressMinInterval = 200 * time.Millisecond
	// smallInputThreshold disables throttling for tiny inputs, where every
	// update matters and the volume is harmless.
	smallInputThreshold = 100

	findingsBatchSize     = 10
	findingsFlushInterval = 500 * time.Millisecond
)

// Event is the JSON shape delivered to the sink.
type Event struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
}

// Sink receives emitted events. It may block briefly. The emitter calls it
// outside its own lock from whichever scan worker emits, so concurrent
// calls are possible and the sink must be safe for concurrent use.
type Sink func(Event)

// EventEmitter formats and delivers scan lifecycle, progress, log and
// finding events. Progress is throttled and findings are batched so a fast
// scan cannot flood the transport.
type EventEmitter struct {
	mu        sync.Mutex
	sink      Sink
	sessionID string
	logger    *slog.Logger

	lastProgress time.Time

	findingsBuffer []map[string]any
	lastFlush      time.Time
}

// NewEventEmitter creates an emitter delivering to sink. A nil sink drops
// events with a logged warning.
func NewEventEmitter(sink Sink, sessionID string, logger *slog.Logger) *EventEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventEmitter{sink: sink, sessionID: sessionID, logger: logger}
}

// SetSink replaces the delivery callback.
func (e *EventEmitter) SetSink(sink Sink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *EventEmitter) emit(name string, data map[string]any) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		e.logger.Warn("event sink is not set, event lost", "event", name)
		return
	}
	sink(Event{
		Event:     name,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: e.sessionID,
	})
}

// ScanStarted announces a scan with its totals and redacted config.
func (e *EventEmitter) ScanStarted(totalLength, segmentSize int, config map[string]any) {
	e.emit("scan_start", map[string]any{
		"total_length": totalLength,
		"segment_size": segmentSize,
		"config":       config,
	})
	e.LogMessage("info", "scan initialized", "total_length", totalLength)
}

// ProgressUpdated emits a throttled progress event. The 100% update, small
// inputs and force=true always pass the throttle.
func (e *EventEmitter) ProgressUpdated(scanned, total, sensitiveCount int, results map[string][]models.Position, force bool) {
	percentage := 0
	if total > 0 {
		percentage = scanned * 100 / total
	}

	e.mu.Lock()
	now := time.Now()
	send := force ||
		percentage == 100 ||
		total <= smallInputThreshold ||
		now.Sub(e.lastProgress) >= progressMinInterval
	if send {
		e.lastProgress = now
	}
	e.mu.Unlock()
	if !send {
		return
	}

	data := map[string]any{
		"scanned":         scanned,
		"total":           total,
		"percentage":      percentage,
		"sensitive_count": sensitiveCount,
	}
	if results != nil {
		data["results"] = results
	}
	e.emit("progress", data)

	if percentage%10 == 0 || percentage == 100 {
		e.LogMessage("info", fmt.Sprintf("scan progress %d%% (%d/%d), %d findings",
			percentage, scanned, total, sensitiveCount))
	}
}

// LogMessage emits a log event. Trailing key/value pairs are folded into
// the message text.
func (e *EventEmitter) LogMessage(level, message string, kv ...any) {
	if len(kv) > 0 {
		var sb strings.Builder
		sb.WriteString(message)
		for i := 0; i+1 < len(kv); i += 2 {
			sb.WriteString(fmt.Sprintf(" | %v=%v", kv[i], kv[i+1]))
		}
		message = sb.String()
	}
	e.emit("log", map[string]any{"level": level, "message": message})
}

// SensitiveFound buffers a finding; the buffer flushes at 10 items or after
// 500ms, and always on scan completion.
func (e *EventEmitter) SensitiveFound(keyword string, start, end int) {
	e.mu.Lock()
	e.findingsBuffer = append(e.findingsBuffer, map[string]any{
		"keyword": keyword,
		"start":   start,
		"end":     end,
	})
	shouldFlush := len(e.findingsBuffer) >= findingsBatchSize ||
		time.Since(e.lastFlush) >= findingsFlushInterval
	e.mu.Unlock()

	if shouldFlush {
		e.FlushFindings()
	}
}

// FlushFindings delivers any buffered findings as one batch event.
func (e *EventEmitter) FlushFindings() {
	e.mu.Lock()
	if len(e.findingsBuffer) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.findingsBuffer
	e.findingsBuffer = nil
	e.lastFlush = time.Now()
	e.mu.Unlock()

	e.emit("sensitive_found_batch", map[string]any{"findings": batch})
}

// FlushAll drains every buffer; called before any terminal event.
func (e *EventEmitter) FlushAll() {
	e.FlushFindings()
}

// UnknownStatusCodeFound reports a status code outside the configured
// block/retry lists, with a configuration hint in the log stream.
func (e *EventEmitter) UnknownStatusCodeFound(statusCode int, responseSnippet string) {
	if runes := []rune(responseSnippet); len(runes) > 200 {
		responseSnippet = string(runes[:200])
	}
	e.emit("unknown_status_code", map[string]any{
		"status_code":      statusCode,
		"response_snippet": responseSnippet,
	})
	e.LogMessage("warning", fmt.Sprintf(
		"unknown response status code %d. %s", statusCode, engine.GuidanceFor(statusCode)))
}

// ErrorOccurred pushes a non-terminal error event.
func (e *EventEmitter) ErrorOccurred(errType, message string) {
	e.emit("error", map[string]any{"error_type": errType, "message": message})
	e.logger.Error("scan error event", "error_type", errType, "message", message)
}

// WarningOccurred pushes a warning event.
func (e *EventEmitter) WarningOccurred(warnType, message string) {
	e.emit("warning", map[string]any{"warning_type": warnType, "message": message})
}

// ScanCompleted flushes buffers and emits the terminal completion event
// with grouped results and the scan summary.
func (e *EventEmitter) ScanCompleted(results models.ScanResults) {
	e.FlushAll()

	data := map[string]any{
		"sensitive_count":      results.SensitiveCount,
		"total_requests":       results.APICalls,
		"unknown_status_codes": results.UnknownStatusCodes,
		"results":              results.Keywords,
		"duration_text":        results.DurationText,
		"duration_seconds":     results.DurationSeconds,
	}
	if len(results.UnknownStatusCodeCounts) > 0 {
		data["unknown_status_code_counts"] = results.UnknownStatusCodeCounts
	}
	if len(results.Evidence) > 0 {
		data["sensitive_word_evidence"] = results.Evidence
	}
	e.emit("scan_complete", data)

	e.LogMessage("success", fmt.Sprintf("scan complete | %d findings | %d requests | %s",
		results.SensitiveCount, results.APICalls, results.DurationText))

	for _, code := range results.UnknownStatusCodes {
		e.LogMessage("info", engine.GuidanceFor(code))
	}
}

// ScanCancelled flushes buffers and emits the terminal cancellation event.
func (e *EventEmitter) ScanCancelled(reason string) {
	e.FlushAll()
	e.emit("scan_cancelled", map[string]any{"reason": reason})
}

// ScanError flushes buffers and emits the terminal error event.
func (e *EventEmitter) ScanError(message string, code models.ErrorCode) {
	e.FlushAll()
	e.emit("scan_error", map[string]any{
		"error_message": message,
		"error_code":    string(code),
	})
}
