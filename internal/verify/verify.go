package verify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/soundstarrain/LLM-Filter-Probe/internal/engine"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"github.com/tidwall/gjson"
)

// probeText is the minimal harmless prompt sent to test credentials.
const probeText = "Hello"

// Result describes one credential verification attempt.
type Result struct {
	OK              bool               `json:"ok"`
	StatusCode      int                `json:"status_code"`
	Classification  models.ProbeStatus `json:"classification"`
	LatencyMillis   int64              `json:"latency_ms"`
	ModelReply      string             `json:"model_reply,omitempty"`
	ResponseSnippet string             `json:"response_snippet,omitempty"`
}

// Credentials sends a single minimal completion request to check that the
// API URL, key and model are usable. The mask is bypassed; no retry
// amplification beyond the engine's normal policy.
func Credentials(ctx context.Context, apiURL, apiKey, model string, timeout time.Duration, logger *slog.Logger) Result {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg := models.ScanConfig{
		APIURL:          apiURL,
		APIKey:          apiKey,
		Model:           model,
		RequestTemplate: `{"model": "{{MODEL}}", "messages": [{"role": "user", "content": "{{TEXT}}"}]}`,
		Timeout:         timeout,
		Concurrency:     1,
		MaxRetries:      1,
	}

	eng := engine.NewEngine(cfg, logger)
	defer eng.Close()

	start := time.Now()
	probe := eng.Probe(ctx, probeText, true)
	latency := time.Since(start)

	result := Result{
		StatusCode:     probe.HTTPCode,
		Classification: probe.Status,
		LatencyMillis:  latency.Milliseconds(),
		OK:             probe.Status == models.StatusSafe,
	}
	if reply := gjson.Get(probe.Body, "choices.0.message.content"); reply.Exists() {
		result.ModelReply = reply.String()
	}
	if body := probe.Body; body != "" {
		runes := []rune(body)
		if len(runes) > 300 {
			body = string(runes[:300])
		}
		result.ResponseSnippet = body
	}
	return result
}

// Print writes a human-readable verification report, used by the CLI
// -verify mode.
func Print(w io.Writer, apiURL, model string, result Result) {
	fmt.Fprintf(w, "endpoint: %s\n", apiURL)
	fmt.Fprintf(w, "model:    %s\n", model)
	fmt.Fprintf(w, "status:   %d (%s), %dms\n", result.StatusCode, result.Classification, result.LatencyMillis)
	if result.ModelReply != "" {
		fmt.Fprintf(w, "reply:    %s\n", result.ModelReply)
	} else if result.ResponseSnippet != "" {
		fmt.Fprintf(w, "body:     %s\n", result.ResponseSnippet)
	}
	if result.OK {
		fmt.Fprintln(w, "credentials verified")
	} else {
		fmt.Fprintln(w, "verification failed; check api_url, api_key and model")
	}
}
