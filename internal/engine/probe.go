package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/stats"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 10 * time.Second
	// backoffJitter is the maximum absolute jitter added to each backoff.
	backoffJitter = 500 * time.Millisecond

	userAgent = "FilterProbe/1.0"

	// maxBodyBytes bounds how much of a response body is read for
	// classification.
	maxBodyBytes = 1 << 20
)

var (
	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filterprobe_probe_requests_total",
		Help: "Probe classifications by status.",
	}, []string{"status"})
	probeRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filterprobe_probe_retries_total",
		Help: "Probe attempts retried after a transport error or retry status.",
	})
)

// Statistics is a snapshot of one engine's per-scan counters.
type Statistics struct {
	Requests                int64
	Blocked                 int64
	Safe                    int64
	Errors                  int64
	UnknownStatusCodes      []int
	UnknownStatusCodeCounts map[int]int
	Evidence                map[string]models.EvidenceRecord
	Latency                 models.LatencySummary
}

// Engine performs single-segment probes against the remote endpoint. It owns
// the shared HTTP client, the retry policy, per-scan counters and the global
// mask. All methods are safe for concurrent use.
type Engine struct {
	cfg     models.ScanConfig
	client  *http.Client
	builder *RequestBuilder
	mask    *MaskManager
	limiter *rate.Limiter
	monitor *stats.Monitor
	logger  *slog.Logger

	requests int64
	blocked  int64
	safe     int64
	errors   int64

	mu              sync.Mutex
	analyzer        *ResponseAnalyzer
	unknownCounts   map[int]int
	reportedUnknown map[int]bool
	evidence        map[string]models.EvidenceRecord

	// OnUnknownStatusCode is invoked exactly once per previously unseen
	// unknown status code. Optional.
	OnUnknownStatusCode func(statusCode int, responseSnippet string)
}

// NewEngine builds an engine for one scan. The HTTP client uses keep-alive
// connections with a pool sized by the scan concurrency.
func NewEngine(cfg models.ScanConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := cfg.Concurrency
	if poolSize < 1 {
		poolSize = 1
	}

	transport := &http.Transport{
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		MaxConnsPerHost:     poolSize,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	_ = http2.ConfigureTransport(transport) // fall back to HTTP/1.1 on error

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Rate)
	}

	return &Engine{
		cfg: cfg,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		builder:         NewRequestBuilder(cfg),
		analyzer:        NewResponseAnalyzer(cfg),
		mask:            NewMaskManager("*"),
		limiter:         limiter,
		monitor:         stats.NewMonitor(),
		logger:          logger,
		unknownCounts:   make(map[int]int),
		reportedUnknown: make(map[int]bool),
		evidence:        make(map[string]models.EvidenceRecord),
	}
}

// Mask exposes the engine's mask manager.
func (e *Engine) Mask() *MaskManager { return e.mask }

// Config returns the engine's scan config.
func (e *Engine) Config() models.ScanConfig { return e.cfg }

// SyncRules replaces the classification lists for the upcoming scan.
func (e *Engine) SyncRules(blockCodes, retryCodes []int, blockKeywords []string) {
	cfg := e.cfg
	cfg.BlockStatusCodes = blockCodes
	cfg.RetryStatusCodes = retryCodes
	cfg.BlockKeywords = blockKeywords
	e.mu.Lock()
	e.cfg = cfg
	e.analyzer = NewResponseAnalyzer(cfg)
	e.mu.Unlock()
}

func (e *Engine) currentAnalyzer() *ResponseAnalyzer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.analyzer
}

// ResetStatistics zeroes the per-scan counters so each scan accounts only
// for its own requests.
func (e *Engine) ResetStatistics() {
	atomic.StoreInt64(&e.requests, 0)
	atomic.StoreInt64(&e.blocked, 0)
	atomic.StoreInt64(&e.safe, 0)
	atomic.StoreInt64(&e.errors, 0)
	e.mu.Lock()
	e.unknownCounts = make(map[int]int)
	e.reportedUnknown = make(map[int]bool)
	e.evidence = make(map[string]models.EvidenceRecord)
	e.mu.Unlock()
	e.monitor.Reset()
}

// ResetMasking clears the dynamic mask, preventing cross-scan contamination.
func (e *Engine) ResetMasking() {
	e.mask.Reset()
}

// Close releases idle connections.
func (e *Engine) Close() {
	e.client.CloseIdleConnections()
}

// Statistics returns a snapshot of the engine counters.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	codes := make([]int, 0, len(e.unknownCounts))
	counts := make(map[int]int, len(e.unknownCounts))
	for code, n := range e.unknownCounts {
		codes = append(codes, code)
		counts[code] = n
	}
	evidence := make(map[string]models.EvidenceRecord, len(e.evidence))
	for k, v := range e.evidence {
		evidence[k] = v
	}
	e.mu.Unlock()

	for i := 1; i < len(codes); i++ {
		for j := i; j > 0 && codes[j] < codes[j-1]; j-- {
			codes[j], codes[j-1] = codes[j-1], codes[j]
		}
	}

	return Statistics{
		Requests:                atomic.LoadInt64(&e.requests),
		Blocked:                 atomic.LoadInt64(&e.blocked),
		Safe:                    atomic.LoadInt64(&e.safe),
		Errors:                  atomic.LoadInt64(&e.errors),
		UnknownStatusCodes:      codes,
		UnknownStatusCodeCounts: counts,
		Evidence:                evidence,
		Latency:                 e.monitor.Summary(),
	}
}

// Probe classifies one text segment. Unless bypassMask is set, the current
// mask is applied first, so peers benefit from every discovery made since
// the segment was dispatched. Probe never panics and never returns an
// error: transport failures after retries come back as StatusError with
// HTTPCode 0, retry exhaustion as StatusError with the last status code.
func (e *Engine) Probe(ctx context.Context, text string, bypassMask bool) models.ProbeResult {
	segment := text
	if !bypassMask {
		segment = e.mask.Apply(text)
		if utf8.RuneCountInString(segment) != utf8.RuneCountInString(text) {
			e.logger.Warn("mask broke the equal-length invariant",
				"original_len", utf8.RuneCountInString(text),
				"masked_len", utf8.RuneCountInString(segment))
		}
	}

	url, body, err := e.builder.Build(segment)
	if err != nil {
		e.logger.Error("request build failed", "error", err)
		atomic.AddInt64(&e.errors, 1)
		probesTotal.WithLabelValues(string(models.StatusError)).Inc()
		return models.ProbeResult{Status: models.StatusError, HTTPCode: 0, Body: err.Error()}
	}

	maxAttempts := e.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastCode int
	var lastBody string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.errorResult(0, "canceled: "+err.Error())
		}
		if attempt > 0 {
			probeRetriesTotal.Inc()
			if !e.sleepBackoff(ctx, attempt) {
				return e.errorResult(lastCode, "canceled during backoff")
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return e.errorResult(lastCode, "canceled: "+err.Error())
			}
		}

		code, respBody, reqErr := e.send(ctx, url, body)
		if reqErr != nil {
			lastCode = 0
			lastBody = reqErr.Error()
			if isRetryableError(reqErr) && attempt < maxAttempts-1 {
				e.logger.Warn("probe transport error, retrying",
					"attempt", attempt+1, "error", reqErr)
				continue
			}
			e.logger.Error("probe transport error, retries exhausted", "error", reqErr)
			return e.errorResult(0, "network error: "+reqErr.Error())
		}

		lastCode = code
		lastBody = respBody

		if e.currentAnalyzer().IsRetryCode(code) {
			if attempt < maxAttempts-1 {
				e.logger.Warn("probe got retry status, backing off",
					"attempt", attempt+1, "status", code)
				continue
			}
			e.logger.Error("retry status persisted after all attempts", "status", code)
			return e.errorResult(code, respBody)
		}

		result := e.currentAnalyzer().Analyze(code, respBody)
		e.account(result)
		return result
	}

	return e.errorResult(lastCode, lastBody)
}

// send performs one HTTP attempt and returns the status code and body.
func (e *Engine) send(ctx context.Context, url string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	atomic.AddInt64(&e.requests, 1)
	start := time.Now()
	resp, err := e.client.Do(req)
	latency := time.Since(start)
	e.monitor.Record(latency, err == nil)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(data), nil
}

// sleepBackoff waits the exponential backoff for the given attempt number.
// Returns false if the context was canceled while waiting.
func (e *Engine) sleepBackoff(ctx context.Context, attempt int) bool {
	backoff := backoffBase << (attempt - 1)
	if backoff > backoffCap {
		backoff = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(2*backoffJitter))) - backoffJitter
	backoff += jitter
	if backoff < 0 {
		backoff = 0
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff):
		return true
	}
}

// errorResult accounts and returns a terminal ERROR classification.
func (e *Engine) errorResult(code int, body string) models.ProbeResult {
	atomic.AddInt64(&e.errors, 1)
	probesTotal.WithLabelValues(string(models.StatusError)).Inc()
	return models.ProbeResult{Status: models.StatusError, HTTPCode: code, Body: body}
}

// account updates counters, unknown-code tracking and evidence for a
// classified result.
func (e *Engine) account(result models.ProbeResult) {
	probesTotal.WithLabelValues(string(result.Status)).Inc()
	switch result.Status {
	case models.StatusBlocked:
		atomic.AddInt64(&e.blocked, 1)
	case models.StatusSafe:
		atomic.AddInt64(&e.safe, 1)
	case models.StatusError:
		atomic.AddInt64(&e.errors, 1)
	}

	var notify func()
	if result.IsUnknownErrorCode {
		e.mu.Lock()
		e.unknownCounts[result.HTTPCode]++
		if !e.reportedUnknown[result.HTTPCode] {
			e.reportedUnknown[result.HTTPCode] = true
			if cb := e.OnUnknownStatusCode; cb != nil {
				code, snippet := result.HTTPCode, snippetOf(result.Body, 200)
				notify = func() { cb(code, snippet) }
			}
			e.logger.Warn("unknown error status code",
				"status", result.HTTPCode,
				"snippet", snippetOf(result.Body, 200))
		}
		e.mu.Unlock()
	}
	if notify != nil {
		notify()
	}

	if result.Status == models.StatusBlocked && result.BlockEvidence != nil {
		ev := result.BlockEvidence
		key := ev.Value
		if ev.Type == models.EvidenceStatusCode {
			key = "status_code_" + ev.Value
		}
		e.mu.Lock()
		if _, seen := e.evidence[key]; !seen {
			e.evidence[key] = models.EvidenceRecord{
				Type:         ev.Type,
				Value:        ev.Value,
				Context:      ev.Context,
				FirstFoundAt: time.Now(),
			}
		}
		e.mu.Unlock()
	}
}

// isRetryableError checks if a transport error is worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection reset",
		"connection refused",
		"no such host",
		"eof",
		"i/o timeout",
		"tls handshake timeout",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// snippetOf truncates a body for event payloads and logs.
func snippetOf(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}

// GuidanceFor returns a configuration hint for an unknown status code,
// mirrored in the completion log stream.
func GuidanceFor(code int) string {
	switch {
	case code >= 500:
		return "Code" + strconv.Itoa(code) + ": server error -> consider adding it to 'block_status_codes', or 'retry_status_codes' if transient"
	case code == 429:
		return "Code429: rate limited -> add it to 'retry_status_codes'"
	case code == 403:
		return "Code403: forbidden -> likely a block signal, add it to 'block_status_codes'"
	case code == 401:
		return "Code401: unauthorized -> check the API key and authentication settings"
	case code == 404:
		return "Code404: not found -> check the API endpoint path; may be safe to ignore"
	default:
		return "Code" + strconv.Itoa(code) + ": client error -> review the request settings; add to 'block_status_codes' or ignore"
	}
}
