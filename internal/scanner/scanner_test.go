package scanner

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soundstarrain/LLM-Filter-Probe/internal/engine"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// moderationStub is a black-box moderation endpoint for end-to-end scans:
// it rejects with 400 any probe whose content contains a blocked keyword.
// The optional hook sees every call first.
type moderationStub struct {
	mu      sync.Mutex
	blocked []string
	hook    func(content string, call int) (int, string, bool)
	calls   int
}

func (m *moderationStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		content := gjson.GetBytes(body, "messages.0.content").String()

		m.mu.Lock()
		m.calls++
		call := m.calls
		var code int
		var resp string
		var handled bool
		if m.hook != nil {
			code, resp, handled = m.hook(content, call)
		}
		if !handled {
			code, resp = 200, `{"choices": [{"message": {"content": "ok"}}]}`
			for _, kw := range m.blocked {
				if strings.Contains(content, kw) {
					code, resp = 400, `{"error": {"message": "request rejected"}}`
					break
				}
			}
		}
		m.mu.Unlock()

		w.WriteHeader(code)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func scanTestConfig(apiURL string) models.ScanConfig {
	return models.ScanConfig{
		Name:                     "test",
		APIURL:                   apiURL,
		APIKey:                   "sk-test",
		Model:                    "test-model",
		RequestTemplate:          `{"model": "{{MODEL}}", "messages": [{"role": "user", "content": "{{TEXT}}"}]}`,
		BlockStatusCodes:         []int{400},
		RetryStatusCodes:         []int{429, 502, 503, 504},
		Concurrency:              5,
		Timeout:                  5 * time.Second,
		MaxRetries:               3,
		ChunkSize:                30000,
		OverlapSize:              12,
		MinGranularity:           1,
		AlgorithmMode:            models.ModeHybrid,
		AlgorithmSwitchThreshold: 35,
	}
}

func runTestScan(t *testing.T, cfg models.ScanConfig, input string) (models.ScanResults, error, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	eng := engine.NewEngine(cfg, nil)
	t.Cleanup(eng.Close)
	emitter := NewEventEmitter(rec.sink, "test-session", nil)
	sc := NewTextScanner(eng, emitter, cfg, nil)
	results, err := sc.Scan(context.Background(), input)
	return results, err, rec
}

// assertEventInvariants checks the stream-level guarantees: scan_start comes
// first, exactly one terminal fires, and a 100% progress precedes it.
func assertEventInvariants(t *testing.T, rec *eventRecorder) {
	t.Helper()
	rec.mu.Lock()
	events := append([]Event(nil), rec.events...)
	rec.mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, "scan_start", events[0].Event)

	terminalIdx := -1
	terminals := 0
	lastFullProgress := -1
	for i, ev := range events {
		switch ev.Event {
		case "scan_complete", "scan_cancelled", "scan_error":
			terminals++
			terminalIdx = i
		case "progress":
			if pct, ok := ev.Data["percentage"].(int); ok && pct == 100 {
				lastFullProgress = i
			}
		}
	}
	require.Equal(t, 1, terminals, "exactly one terminal event per scan")
	assert.Greater(t, terminalIdx, 0)
	assert.Greater(t, terminalIdx, lastFullProgress)
	require.NotEqual(t, -1, lastFullProgress, "a 100%% progress precedes the terminal")
}

// Scenario: single keyword, single occurrence.
func TestScanSingleKeyword(t *testing.T) {
	stub := &moderationStub{blocked: []string{"轮奸"}}
	srv := stub.server(t)

	results, err, rec := runTestScan(t, scanTestConfig(srv.URL), "他在书中提到轮奸这一罪行。")
	require.NoError(t, err)

	require.Contains(t, results.Keywords, "轮奸")
	assert.Equal(t, []models.Position{{Start: 6, End: 8}}, results.Keywords["轮奸"])
	assert.Equal(t, 1, results.SensitiveCount)
	assert.Greater(t, results.APICalls, int64(0))
	assert.Empty(t, results.UnknownStatusCodes)
	assertEventInvariants(t, rec)

	completes := rec.byName("scan_complete")
	require.Len(t, completes, 1)
	assert.Equal(t, 1, completes[0].Data["sensitive_count"])
}

// Scenario: multiple occurrences of the same keyword.
func TestScanMultiOccurrence(t *testing.T) {
	stub := &moderationStub{blocked: []string{"轮奸"}}
	srv := stub.server(t)

	input := "轮奸,又说轮奸,再谈轮奸。"
	results, err, _ := runTestScan(t, scanTestConfig(srv.URL), input)
	require.NoError(t, err)

	require.Contains(t, results.Keywords, "轮奸")
	positions := results.Keywords["轮奸"]
	require.Len(t, positions, 3)

	runes := []rune(input)
	prevEnd := -1
	for _, pos := range positions {
		assert.Equal(t, "轮奸", string(runes[pos.Start:pos.End]), "text[start:end] == keyword")
		assert.Greater(t, pos.Start, prevEnd, "positions are disjoint and ascending")
		prevEnd = pos.End - 1
	}
	assert.Equal(t, 3, results.SensitiveCount)
}

// Scenario: overlapping candidates; refinement keeps only the minimal one.
func TestScanRefinementMinimality(t *testing.T) {
	stub := &moderationStub{blocked: []string{"奸", "轮奸"}}
	srv := stub.server(t)

	results, err, _ := runTestScan(t, scanTestConfig(srv.URL), "轮奸")
	require.NoError(t, err)

	require.Contains(t, results.Keywords, "奸")
	assert.Equal(t, []models.Position{{Start: 1, End: 2}}, results.Keywords["奸"])
	assert.NotContains(t, results.Keywords, "轮奸")

	// Minimality: no kept keyword is a strict superstring of another.
	for a := range results.Keywords {
		for b := range results.Keywords {
			if a != b {
				assert.False(t, strings.Contains(a, b))
			}
		}
	}
}

// Scenario: the boundary-straddling input with overlap_size=3. The default
// chunk size keeps the whole input in one window, and the precision squeeze
// pins the keyword exactly.
func TestScanBoundaryStraddling(t *testing.T) {
	stub := &moderationStub{blocked: []string{"abcdef"}}
	srv := stub.server(t)

	cfg := scanTestConfig(srv.URL)
	cfg.OverlapSize = 3
	results, err, _ := runTestScan(t, cfg, "xxabcdefyy")
	require.NoError(t, err)

	require.Contains(t, results.Keywords, "abcdef")
	assert.Equal(t, []models.Position{{Start: 2, End: 8}}, results.Keywords["abcdef"])
}

// Scenario: an unknown status code produces exactly one event, shows up in
// the completion summary, and never becomes a finding.
func TestScanUnknownStatusCode(t *testing.T) {
	stub := &moderationStub{hook: func(content string, call int) (int, string, bool) {
		if content == "Z" && call == 1 {
			return 418, `{"error": "I'm a teapot"}`, true
		}
		return 0, "", false
	}}
	srv := stub.server(t)

	results, err, rec := runTestScan(t, scanTestConfig(srv.URL), "Z")
	require.NoError(t, err)

	assert.Empty(t, results.Keywords)
	assert.Equal(t, 0, results.SensitiveCount)
	assert.Equal(t, []int{418}, results.UnknownStatusCodes)
	assert.Equal(t, 1, results.UnknownStatusCodeCounts[418])

	events := rec.byName("unknown_status_code")
	require.Len(t, events, 1, "unknown code event fires exactly once")
	assert.Equal(t, 418, events[0].Data["status_code"])
	assertEventInvariants(t, rec)
}

// Findings spread across several windows are all harvested.
func TestScanAcrossSegments(t *testing.T) {
	stub := &moderationStub{blocked: []string{"bad"}}
	srv := stub.server(t)

	cfg := scanTestConfig(srv.URL)
	cfg.ChunkSize = 10
	cfg.OverlapSize = 4

	input := "xxxbadxxxxxxxxxxbadxxx"
	results, err, _ := runTestScan(t, cfg, input)
	require.NoError(t, err)

	require.Contains(t, results.Keywords, "bad")
	expected := []models.Position{{Start: 3, End: 6}, {Start: 16, End: 19}}
	assert.Equal(t, expected, results.Keywords["bad"])
	assert.Equal(t, 2, results.SensitiveCount)
}

// Running the same scan twice against a deterministic oracle yields the
// same final results.
func TestScanIdempotent(t *testing.T) {
	stub := &moderationStub{blocked: []string{"轮奸", "炸弹"}}
	srv := stub.server(t)

	input := "提到轮奸和炸弹,再说一次炸弹。"
	first, err, _ := runTestScan(t, scanTestConfig(srv.URL), input)
	require.NoError(t, err)
	second, err, _ := runTestScan(t, scanTestConfig(srv.URL), input)
	require.NoError(t, err)

	assert.Equal(t, first.Keywords, second.Keywords)
	assert.Equal(t, first.SensitiveCount, second.SensitiveCount)
}

// A block keyword configured but absent from every response changes nothing.
func TestScanUnusedBlockKeywordIsInert(t *testing.T) {
	stub := &moderationStub{blocked: []string{"轮奸"}}
	srv := stub.server(t)

	input := "他在书中提到轮奸这一罪行。"

	cfg := scanTestConfig(srv.URL)
	base, err, _ := runTestScan(t, cfg, input)
	require.NoError(t, err)

	cfg = scanTestConfig(srv.URL)
	cfg.BlockKeywords = []string{"never_in_any_response"}
	withExtra, err, _ := runTestScan(t, cfg, input)
	require.NoError(t, err)

	assert.Equal(t, base.Keywords, withExtra.Keywords)
}

// The dynamic mask suppresses repeat discoveries: the first located
// occurrence is harvested across the whole input, so all 30 occurrences are
// reported from a single discovery.
func TestScanMaskShortCircuit(t *testing.T) {
	stub := &moderationStub{blocked: []string{"敏感"}}
	srv := stub.server(t)

	cfg := scanTestConfig(srv.URL)
	results, err, _ := runTestScan(t, cfg, strings.Repeat("敏感", 30))
	require.NoError(t, err)

	require.Contains(t, results.Keywords, "敏感")
	assert.Len(t, results.Keywords["敏感"], 30)
	assert.Equal(t, 30, results.SensitiveCount)
}

func TestScanEmptyInput(t *testing.T) {
	stub := &moderationStub{}
	srv := stub.server(t)

	results, err, rec := runTestScan(t, scanTestConfig(srv.URL), "")
	require.NoError(t, err)
	assert.Empty(t, results.Keywords)
	rec.mu.Lock()
	assert.Empty(t, rec.events, "an empty input emits nothing")
	rec.mu.Unlock()
}

// Cancellation finishes in-flight work, then emits scan_cancelled as the
// single terminal event.
func TestScanCancellation(t *testing.T) {
	release := make(chan struct{})
	stub := &moderationStub{hook: func(content string, call int) (int, string, bool) {
		<-release
		return 200, "ok", true
	}}
	srv := stub.server(t)

	cfg := scanTestConfig(srv.URL)
	cfg.ChunkSize = 5
	cfg.OverlapSize = 1

	rec := &eventRecorder{}
	eng := engine.NewEngine(cfg, nil)
	t.Cleanup(eng.Close)
	sc := NewTextScanner(eng, NewEventEmitter(rec.sink, "test-session", nil), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sc.Scan(ctx, strings.Repeat("x", 200))
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	close(release)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, models.CodeScanCancelled, models.CodeOf(err))

	require.Len(t, rec.byName("scan_cancelled"), 1)
	assert.Empty(t, rec.byName("scan_complete"))
	assert.Empty(t, rec.byName("scan_error"))
}

// A tripped breaker terminates the scan deterministically with scan_error.
func TestScanBreakerAbort(t *testing.T) {
	stub := &moderationStub{hook: func(content string, call int) (int, string, bool) {
		return 599, "upstream on fire", true // unknown error code every time
	}}
	srv := stub.server(t)

	cfg := scanTestConfig(srv.URL)
	cfg.ChunkSize = 2
	cfg.OverlapSize = 1
	cfg.StopIf = "errors > 50%"
	cfg.MinSamples = 5

	rec2 := &eventRecorder{}
	eng := engine.NewEngine(cfg, nil)
	t.Cleanup(eng.Close)
	sc := NewTextScanner(eng, NewEventEmitter(rec2.sink, "test-session", nil), cfg, nil)
	_, scanErr := sc.Scan(context.Background(), strings.Repeat("x", 100))

	require.Error(t, scanErr)
	require.Len(t, rec2.byName("scan_error"), 1)
	assert.Empty(t, rec2.byName("scan_complete"))
}
