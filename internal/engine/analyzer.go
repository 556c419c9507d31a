package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// contextWindow is the number of runes kept on each side of a matched block
// keyword when recording evidence.
const contextWindow = 50

// ResponseAnalyzer classifies an upstream response into the four-way probe
// status using the configured block/retry lists.
//
// Decision order, first match wins:
//  1. body contains a block keyword  -> BLOCKED (keyword evidence)
//  2. status in block_status_codes   -> BLOCKED (status evidence)
//  3. status in retry_status_codes   -> RETRY
//  4. status < 400                   -> SAFE
//  5. otherwise                      -> ERROR
type ResponseAnalyzer struct {
	blockCodes    map[int]bool
	retryCodes    map[int]bool
	blockKeywords []string
}

// NewResponseAnalyzer creates an analyzer from the config's classification lists.
func NewResponseAnalyzer(cfg models.ScanConfig) *ResponseAnalyzer {
	a := &ResponseAnalyzer{
		blockCodes:    make(map[int]bool, len(cfg.BlockStatusCodes)),
		retryCodes:    make(map[int]bool, len(cfg.RetryStatusCodes)),
		blockKeywords: append([]string(nil), cfg.BlockKeywords...),
	}
	for _, c := range cfg.BlockStatusCodes {
		a.blockCodes[c] = true
	}
	for _, c := range cfg.RetryStatusCodes {
		a.retryCodes[c] = true
	}
	return a
}

// IsRetryCode reports whether a status code is in the retry list.
func (a *ResponseAnalyzer) IsRetryCode(code int) bool { return a.retryCodes[code] }

// Analyze classifies one response.
func (a *ResponseAnalyzer) Analyze(statusCode int, body string) models.ProbeResult {
	known := a.blockCodes[statusCode] || a.retryCodes[statusCode]
	unknown := statusCode >= 400 && !known

	for _, kw := range a.blockKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(body, kw) {
			context := extractContext(body, kw, contextWindow)
			return models.ProbeResult{
				Status:      models.StatusBlocked,
				HTTPCode:    statusCode,
				Body:        body,
				BlockReason: fmt.Sprintf("keyword %q (context: %s)", kw, context),
				BlockEvidence: &models.BlockEvidence{
					Type:    models.EvidenceKeyword,
					Value:   kw,
					Context: context,
				},
				IsUnknownErrorCode: unknown,
			}
		}
	}

	if a.blockCodes[statusCode] {
		return models.ProbeResult{
			Status:      models.StatusBlocked,
			HTTPCode:    statusCode,
			Body:        body,
			BlockReason: fmt.Sprintf("status code %d", statusCode),
			BlockEvidence: &models.BlockEvidence{
				Type:  models.EvidenceStatusCode,
				Value: strconv.Itoa(statusCode),
			},
			IsUnknownErrorCode: unknown,
		}
	}

	if a.retryCodes[statusCode] {
		return models.ProbeResult{Status: models.StatusRetry, HTTPCode: statusCode, Body: body, IsUnknownErrorCode: unknown}
	}

	if statusCode < 400 {
		return models.ProbeResult{Status: models.StatusSafe, HTTPCode: statusCode, Body: body, IsUnknownErrorCode: unknown}
	}

	return models.ProbeResult{Status: models.StatusError, HTTPCode: statusCode, Body: body, IsUnknownErrorCode: unknown}
}

// extractContext returns the text around the first occurrence of keyword,
// window runes on each side, flattened to a single line.
func extractContext(text, keyword string, window int) string {
	idx := strings.Index(text, keyword)
	if idx == -1 {
		return ""
	}

	runes := []rune(text)
	prefixLen := len([]rune(text[:idx]))
	kwLen := len([]rune(keyword))

	start := prefixLen - window
	if start < 0 {
		start = 0
	}
	end := prefixLen + kwLen + window
	if end > len(runes) {
		end = len(runes)
	}

	context := strings.TrimSpace(string(runes[start:end]))
	context = strings.ReplaceAll(context, "\n", " ")
	context = strings.ReplaceAll(context, "\r", "")

	if start > 0 {
		context = "..." + context
	}
	if end < len(runes) {
		context += "..."
	}
	return context
}
