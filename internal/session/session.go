package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/soundstarrain/LLM-Filter-Probe/internal/engine"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/scanner"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// Session is one scan lifecycle: it owns the engine, the scan task and the
// polling state caches. A session runs at most one scan at a time.
type Session struct {
	ID        string
	CreatedAt time.Time

	cfg    models.ScanConfig
	logger *slog.Logger

	mu           sync.Mutex
	engine       *engine.Engine
	emitter      *scanner.EventEmitter
	externalSink scanner.Sink

	status   models.SessionStatus
	progress models.Progress
	results  map[resultRowKey]models.ResultRow
	logs     []models.LogEntry
	summary  scanSummary

	cancel context.CancelFunc
	done   chan struct{}
}

type resultRowKey struct {
	start, end int
	text       string
}

type scanSummary struct {
	apiCalls           int64
	elapsedSeconds     float64
	unknownStatusCodes []int
}

// New creates an idle session with a validated config.
func New(id string, cfg models.ScanConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		cfg:       cfg,
		logger:    logger.With("session_id", id),
		status:    models.SessionIdle,
		results:   make(map[resultRowKey]models.ResultRow),
	}
}

// SetEventSink attaches an external event consumer (e.g. a WebSocket
// bridge). The session keeps consuming events for its polling caches either
// way.
func (s *Session) SetEventSink(sink scanner.Sink) {
	s.mu.Lock()
	s.externalSink = sink
	s.mu.Unlock()
}

// Config returns the session's scan config.
func (s *Session) Config() models.ScanConfig { return s.cfg }

// Info returns the session's basic description.
func (s *Session) Info() map[string]any {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	return map[string]any{
		"session_id":  s.ID,
		"preset_name": s.cfg.Name,
		"created_at":  s.CreatedAt.Format(time.RFC3339),
		"uptime":      time.Since(s.CreatedAt).Seconds(),
		"status":      status,
	}
}

// StartScan launches the scan task for text. It refuses when a scan is
// already running and returns immediately; progress and results are
// available through the polling snapshots.
func (s *Session) StartScan(text string) error {
	if text == "" {
		return models.NewError(models.CodeConfigInvalid, "text must not be empty")
	}

	s.mu.Lock()
	if s.status == models.SessionScanning {
		s.mu.Unlock()
		return models.NewError(models.CodeSessionRunning, "a scan is already running in session %s", s.ID)
	}

	if s.engine == nil {
		s.engine = engine.NewEngine(s.cfg, s.logger)
	}
	s.emitter = scanner.NewEventEmitter(s.consumeEvent, s.ID, s.logger)

	s.status = models.SessionScanning
	s.progress = models.Progress{Current: 0, Total: len([]rune(text)), Percentage: 0}
	s.results = make(map[resultRowKey]models.ResultRow)
	s.logs = nil
	s.summary = scanSummary{}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done

	eng := s.engine
	emitter := s.emitter
	cfg := s.cfg
	s.mu.Unlock()

	go func() {
		defer close(done)
		sc := scanner.NewTextScanner(eng, emitter, cfg, s.logger)
		_, err := sc.Scan(ctx, text)

		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case err == nil:
			s.status = models.SessionCompleted
		case models.CodeOf(err) == models.CodeScanCancelled:
			s.status = models.SessionCanceled
		default:
			s.status = models.SessionError
			s.logger.Error("scan task failed", "error", err)
		}
	}()

	return nil
}

// CancelScan requests cooperative cancellation; the scan stops at the next
// checkpoint after finishing in-flight probes.
func (s *Session) CancelScan() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status is the polling snapshot of lifecycle and progress.
func (s *Session) Status() (models.SessionStatus, models.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.progress
}

// Results is the polling snapshot of accumulated findings and the summary.
// Rows are deduplicated and ordered by (text, start).
func (s *Session) Results() ([]models.ResultRow, int64, float64, []int) {
	s.mu.Lock()
	rows := make([]models.ResultRow, 0, len(s.results))
	for _, row := range s.results {
		rows = append(rows, row)
	}
	summary := s.summary
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Text != rows[j].Text {
			return rows[i].Text < rows[j].Text
		}
		return rows[i].Start < rows[j].Start
	})
	return rows, summary.apiCalls, summary.elapsedSeconds, summary.unknownStatusCodes
}

// Logs returns the buffered log entries.
func (s *Session) Logs() []models.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LogEntry(nil), s.logs...)
}

// Close cancels any running scan, waits for the task to drain and releases
// the HTTP client.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	eng := s.engine
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			s.logger.Warn("scan task did not drain before close timeout")
		}
	}
	if eng != nil {
		eng.Close()
	}
	s.logger.Info("session closed")
}

// consumeEvent folds the scan event stream into the polling caches, then
// forwards to any external sink.
func (s *Session) consumeEvent(ev scanner.Event) {
	s.mu.Lock()
	switch ev.Event {
	case "scan_start":
		if total, ok := asInt(ev.Data["total_length"]); ok {
			s.progress = models.Progress{Current: 0, Total: total, Percentage: 0}
		}
		s.status = models.SessionScanning

	case "progress":
		current, _ := asInt(ev.Data["scanned"])
		total, ok := asInt(ev.Data["total"])
		if !ok || total == 0 {
			total = s.progress.Total
		}
		pct, _ := asInt(ev.Data["percentage"])
		s.progress = models.Progress{Current: current, Total: total, Percentage: pct}

	case "sensitive_found_batch":
		if findings, ok := ev.Data["findings"].([]map[string]any); ok {
			for _, f := range findings {
				text, _ := f["keyword"].(string)
				start, _ := asInt(f["start"])
				end, _ := asInt(f["end"])
				s.results[resultRowKey{start: start, end: end, text: text}] = models.ResultRow{
					Text: text, Start: start, End: end, Reason: string(models.StatusBlocked),
				}
			}
		}

	case "scan_complete":
		s.status = models.SessionCompleted
		if grouped, ok := ev.Data["results"].(map[string][]models.Position); ok {
			for kw, positions := range grouped {
				for _, pos := range positions {
					s.results[resultRowKey{start: pos.Start, end: pos.End, text: kw}] = models.ResultRow{
						Text: kw, Start: pos.Start, End: pos.End, Reason: string(models.StatusBlocked),
					}
				}
			}
		}
		if calls, ok := asInt(ev.Data["total_requests"]); ok {
			s.summary.apiCalls = int64(calls)
		}
		if secs, ok := asFloat(ev.Data["duration_seconds"]); ok {
			s.summary.elapsedSeconds = secs
		}
		if codes, ok := ev.Data["unknown_status_codes"].([]int); ok {
			s.summary.unknownStatusCodes = codes
		}
		s.progress.Current = s.progress.Total
		s.progress.Percentage = 100

	case "scan_cancelled":
		s.status = models.SessionCanceled

	case "scan_error":
		s.status = models.SessionError
		if msg, ok := ev.Data["error_message"].(string); ok {
			s.logs = append(s.logs, models.LogEntry{Timestamp: time.Now(), Level: "error", Message: msg})
		}

	case "log":
		level, _ := ev.Data["level"].(string)
		msg, _ := ev.Data["message"].(string)
		s.logs = append(s.logs, models.LogEntry{Timestamp: time.Now(), Level: level, Message: msg})

	case "error":
		if msg, ok := ev.Data["message"].(string); ok {
			s.logs = append(s.logs, models.LogEntry{Timestamp: time.Now(), Level: "error", Message: msg})
		}
	}
	sink := s.externalSink
	s.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
