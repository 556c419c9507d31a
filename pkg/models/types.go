package models

import "time"

// AlgorithmMode selects how a blocked chunk is narrowed down to keywords.
type AlgorithmMode string

const (
	ModeBinary    AlgorithmMode = "binary"    // recursive bisection only
	ModePrecision AlgorithmMode = "precision" // bidirectional squeeze only
	ModeHybrid    AlgorithmMode = "hybrid"    // bisection, hand off below the switch threshold
)

// ScanConfig defines the full parameter set of a single scan. It is
// immutable once a scan starts; the normalizer in pkg/config produces it.
type ScanConfig struct {
	Name            string `json:"name" yaml:"name"`
	APIURL          string `json:"api_url" yaml:"api_url"`
	APIKey          string `json:"api_key" yaml:"api_key"`
	Model           string `json:"model" yaml:"model"`
	RequestTemplate string `json:"request_template" yaml:"request_template"`

	BlockStatusCodes []int    `json:"block_status_codes" yaml:"block_status_codes"`
	RetryStatusCodes []int    `json:"retry_status_codes" yaml:"retry_status_codes"`
	BlockKeywords    []string `json:"block_keywords" yaml:"block_keywords"`

	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries  int           `json:"max_retries" yaml:"max_retries"`
	Rate        int           `json:"rate,omitempty" yaml:"rate,omitempty"` // probes per second, 0 = unlimited

	ChunkSize                int           `json:"chunk_size" yaml:"chunk_size"`
	OverlapSize              int           `json:"overlap_size" yaml:"overlap_size"`
	MinGranularity           int           `json:"min_granularity" yaml:"min_granularity"`
	AlgorithmMode            AlgorithmMode `json:"algorithm_mode" yaml:"algorithm_mode"`
	AlgorithmSwitchThreshold int           `json:"algorithm_switch_threshold" yaml:"algorithm_switch_threshold"`

	// StopIf aborts a scan when the probe error rate exceeds a threshold,
	// e.g. "errors > 10%". Empty disables the breaker.
	StopIf     string `json:"stop_if,omitempty" yaml:"stop_if,omitempty"`
	MinSamples int64  `json:"min_samples,omitempty" yaml:"min_samples,omitempty"`
}

// Redacted returns a copy suitable for event payloads and logs. The API key
// is never emitted; the keyword list collapses to a count.
func (c ScanConfig) Redacted() map[string]any {
	return map[string]any{
		"name":                       c.Name,
		"model":                      c.Model,
		"chunk_size":                 c.ChunkSize,
		"overlap_size":               c.OverlapSize,
		"concurrency":                c.Concurrency,
		"timeout_seconds":            c.Timeout.Seconds(),
		"max_retries":                c.MaxRetries,
		"min_granularity":            c.MinGranularity,
		"algorithm_mode":             string(c.AlgorithmMode),
		"algorithm_switch_threshold": c.AlgorithmSwitchThreshold,
		"block_status_codes":         c.BlockStatusCodes,
		"retry_status_codes":         c.RetryStatusCodes,
		"block_keywords":             len(c.BlockKeywords),
	}
}

// ProbeStatus is the four-way classification of a probe response, plus the
// scanner-level MASKED short-circuit for segments that are already fully known.
type ProbeStatus string

const (
	StatusSafe    ProbeStatus = "SAFE"
	StatusBlocked ProbeStatus = "BLOCKED"
	StatusRetry   ProbeStatus = "RETRY"
	StatusError   ProbeStatus = "ERROR"
	StatusMasked  ProbeStatus = "MASKED"
)

// EvidenceType tells which signal caused a BLOCKED classification.
type EvidenceType string

const (
	EvidenceKeyword    EvidenceType = "keyword"
	EvidenceStatusCode EvidenceType = "status_code"
)

// BlockEvidence records why a response was classified BLOCKED.
type BlockEvidence struct {
	Type    EvidenceType `json:"type"`
	Value   string       `json:"value"`
	Context string       `json:"context,omitempty"`
}

// ProbeResult is the outcome of a single probe against the remote endpoint.
type ProbeResult struct {
	Status             ProbeStatus    `json:"status"`
	HTTPCode           int            `json:"http_code"`
	Body               string         `json:"body,omitempty"`
	BlockReason        string         `json:"block_reason,omitempty"`
	BlockEvidence      *BlockEvidence `json:"block_evidence,omitempty"`
	IsUnknownErrorCode bool           `json:"is_unknown_error_code,omitempty"`
}

// Blocked reports whether the probe classified the text as blocked.
func (r ProbeResult) Blocked() bool { return r.Status == StatusBlocked }

// Segment is a window of the input text. Start and End are rune offsets into
// the original input and End = Start + rune length of Text.
type Segment struct {
	Text  string `json:"text"`
	Start int    `json:"start_pos"`
	End   int    `json:"end_pos"`
}

// Finding is a located blocked substring in original-text rune coordinates.
// Identity is the (Text, Start, End) triple; duplicates collapse.
type Finding struct {
	Text  string `json:"text"`
	Start int    `json:"start_pos"`
	End   int    `json:"end_pos"`
}

// Position is one occurrence of a keyword in the input.
type Position struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// EvidenceRecord is the first-seen justification for a keyword or status
// code being treated as blocking.
type EvidenceRecord struct {
	Type         EvidenceType `json:"type"`
	Value        string       `json:"value"`
	Context      string       `json:"context,omitempty"`
	FirstFoundAt time.Time    `json:"first_found_at"`
}

// LatencySummary captures probe round-trip percentiles for one scan.
type LatencySummary struct {
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P99 time.Duration `json:"p99"`
	Max time.Duration `json:"max"`
}

// ScanResults is the final output of one scan.
type ScanResults struct {
	Keywords                map[string][]Position     `json:"results"`
	SensitiveCount          int                       `json:"sensitive_count"`
	APICalls                int64                     `json:"api_calls"`
	UnknownStatusCodes      []int                     `json:"unknown_status_codes"`
	UnknownStatusCodeCounts map[int]int               `json:"unknown_status_code_counts,omitempty"`
	Evidence                map[string]EvidenceRecord `json:"sensitive_word_evidence,omitempty"`
	DurationSeconds         float64                   `json:"duration_seconds"`
	DurationText            string                    `json:"duration_text"`
	Latency                 LatencySummary            `json:"latency,omitempty"`
}

// SessionStatus is the lifecycle state of a scan session.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionScanning  SessionStatus = "scanning"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
	SessionCanceled  SessionStatus = "canceled"
)

// Progress is the polling snapshot of scan advancement.
type Progress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// LogEntry is one buffered log line of a session.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ResultRow is the flattened polling representation of a finding.
type ResultRow struct {
	Text   string `json:"text"`
	Start  int    `json:"start_pos"`
	End    int    `json:"end_pos"`
	Reason string `json:"reason"`
}
