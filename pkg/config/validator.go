package config

import (
	"fmt"
	"strings"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// ValidationError represents a single validation error with context and suggestions
type ValidationError struct {
	Field      string // Field path (e.g., "concurrency")
	Value      string // The actual value provided (if any)
	Message    string // Error description
	Expected   string // Expected format/type
	Hint       string // Helpful suggestion
	DidYouMean string // Typo correction suggestion
}

// ValidationResult holds all validation errors
type ValidationResult struct {
	Errors []ValidationError
}

// Add adds a new validation error
func (v *ValidationResult) Add(err ValidationError) {
	v.Errors = append(v.Errors, err)
}

// HasErrors returns true if there are validation errors
func (v *ValidationResult) HasErrors() bool {
	return len(v.Errors) > 0
}

// FormatErrors formats all errors into a user-friendly string
func (v *ValidationResult) FormatErrors() string {
	if !v.HasErrors() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("configuration errors:\n")
	for i, err := range v.Errors {
		sb.WriteString(fmt.Sprintf("\n  %d. %s\n", i+1, err.Field))
		if err.Value != "" {
			sb.WriteString(fmt.Sprintf("     value: %q\n", truncate(err.Value, 50)))
		}
		sb.WriteString(fmt.Sprintf("     error: %s\n", err.Message))
		if err.Expected != "" {
			sb.WriteString(fmt.Sprintf("     expected: %s\n", err.Expected))
		}
		if err.DidYouMean != "" {
			sb.WriteString(fmt.Sprintf("     did you mean: %q?\n", err.DidYouMean))
		}
		if err.Hint != "" {
			sb.WriteString(fmt.Sprintf("     hint: %s\n", err.Hint))
		}
	}
	return sb.String()
}

var validAlgorithmModes = []string{"binary", "precision", "hybrid"}

var fieldHints = map[string]string{
	"api_url":                    "Provide the API base URL including protocol (e.g., https://api.example.com/v1)",
	"api_key":                    "Set the upstream credential before starting a scan",
	"model":                      "Model identifier accepted by the endpoint (alias: api_model)",
	"concurrency":                "Number of in-flight probes per scan as a positive integer (e.g., 15)",
	"timeout":                    "Per-request deadline in seconds, between 1 and 300",
	"chunk_size":                 "Window size in characters for the initial segmentation pass",
	"overlap_size":               "Window overlap; must exceed the longest expected keyword",
	"algorithm_switch_threshold": "Macro-to-micro handoff length; must be greater than 2*overlap_size or bisection cannot terminate",
	"request_template":           "JSON object with {{TEXT}} and {{MODEL}} placeholders",
}

// GetHint returns a helpful hint for a field
func GetHint(field string) string {
	return fieldHints[field]
}

// Validate checks a normalized ScanConfig and returns a taxonomy error
// listing every problem at once.
func Validate(cfg *models.ScanConfig) error {
	result := &ValidationResult{}

	if cfg.APIURL == "" {
		result.Add(ValidationError{
			Field:   "api_url",
			Message: "missing required field",
			Hint:    GetHint("api_url"),
		})
	} else if !strings.HasPrefix(cfg.APIURL, "http://") && !strings.HasPrefix(cfg.APIURL, "https://") {
		result.Add(ValidationError{
			Field:    "api_url",
			Value:    cfg.APIURL,
			Message:  "invalid URL scheme",
			Expected: "http:// or https:// prefix",
			Hint:     GetHint("api_url"),
		})
	}

	if cfg.APIKey == "" {
		result.Add(ValidationError{
			Field:   "api_key",
			Message: "missing required field",
			Hint:    GetHint("api_key"),
		})
	}

	if cfg.Model == "" {
		result.Add(ValidationError{
			Field:   "model",
			Message: "missing required field",
			Hint:    GetHint("model"),
		})
	}

	if cfg.Concurrency < 1 || cfg.Concurrency > maxConcurrency {
		result.Add(ValidationError{
			Field:    "concurrency",
			Value:    fmt.Sprintf("%d", cfg.Concurrency),
			Message:  "out of range",
			Expected: fmt.Sprintf("integer between 1 and %d", maxConcurrency),
			Hint:     GetHint("concurrency"),
		})
	}

	secs := cfg.Timeout.Seconds()
	if secs < 1 || secs > maxTimeoutSeconds {
		result.Add(ValidationError{
			Field:    "timeout",
			Value:    cfg.Timeout.String(),
			Message:  "out of range",
			Expected: fmt.Sprintf("between 1 and %d seconds", maxTimeoutSeconds),
			Hint:     GetHint("timeout"),
		})
	}

	if cfg.MaxRetries < 0 {
		result.Add(ValidationError{
			Field:    "max_retries",
			Value:    fmt.Sprintf("%d", cfg.MaxRetries),
			Message:  "cannot be negative",
			Expected: "non-negative integer",
		})
	}

	if cfg.ChunkSize < 1 {
		result.Add(ValidationError{
			Field:    "chunk_size",
			Value:    fmt.Sprintf("%d", cfg.ChunkSize),
			Message:  "must be greater than 0",
			Expected: "positive integer (e.g., 30000)",
			Hint:     GetHint("chunk_size"),
		})
	}

	if cfg.OverlapSize < 0 {
		result.Add(ValidationError{
			Field:    "overlap_size",
			Value:    fmt.Sprintf("%d", cfg.OverlapSize),
			Message:  "cannot be negative",
			Expected: "non-negative integer",
			Hint:     GetHint("overlap_size"),
		})
	} else if cfg.ChunkSize >= 1 && cfg.OverlapSize >= cfg.ChunkSize {
		result.Add(ValidationError{
			Field:    "overlap_size",
			Value:    fmt.Sprintf("%d", cfg.OverlapSize),
			Message:  "must be smaller than chunk_size",
			Expected: fmt.Sprintf("integer below %d", cfg.ChunkSize),
		})
	}

	if cfg.MinGranularity < 1 {
		result.Add(ValidationError{
			Field:    "min_granularity",
			Value:    fmt.Sprintf("%d", cfg.MinGranularity),
			Message:  "must be greater than 0",
			Expected: "positive integer",
		})
	}

	if valid, suggestion := validateAlgorithmMode(string(cfg.AlgorithmMode)); !valid {
		err := ValidationError{
			Field:    "algorithm_mode",
			Value:    string(cfg.AlgorithmMode),
			Message:  "invalid algorithm mode",
			Expected: "binary, precision, or hybrid",
		}
		if suggestion != "" {
			err.DidYouMean = suggestion
		}
		result.Add(err)
	}

	if cfg.AlgorithmSwitchThreshold < 1 {
		result.Add(ValidationError{
			Field:    "algorithm_switch_threshold",
			Value:    fmt.Sprintf("%d", cfg.AlgorithmSwitchThreshold),
			Message:  "must be greater than 0",
			Expected: "positive integer",
			Hint:     GetHint("algorithm_switch_threshold"),
		})
	} else if cfg.AlgorithmSwitchThreshold <= 2*cfg.OverlapSize {
		result.Add(ValidationError{
			Field:    "algorithm_switch_threshold",
			Value:    fmt.Sprintf("%d", cfg.AlgorithmSwitchThreshold),
			Message:  "must exceed twice the overlap size",
			Expected: fmt.Sprintf("integer greater than %d", 2*cfg.OverlapSize),
			Hint:     GetHint("algorithm_switch_threshold"),
		})
	}

	if tmpl := cfg.RequestTemplate; tmpl != "" {
		if !strings.Contains(tmpl, "{{TEXT}}") {
			result.Add(ValidationError{
				Field:    "request_template",
				Message:  "missing {{TEXT}} placeholder",
				Expected: "template containing {{TEXT}}",
				Hint:     GetHint("request_template"),
			})
		}
	}

	if result.HasErrors() {
		return models.NewError(models.CodeConfigInvalid, "%s", result.FormatErrors())
	}
	return nil
}

// validateAlgorithmMode checks a mode and suggests corrections for typos.
func validateAlgorithmMode(mode string) (bool, string) {
	lower := strings.ToLower(mode)
	for _, valid := range validAlgorithmModes {
		if lower == valid {
			return true, ""
		}
	}
	return false, FindClosestMatch(mode, validAlgorithmModes)
}

// levenshteinDistance calculates the edit distance between two strings
func levenshteinDistance(a, b string) int {
	a = strings.ToLower(a)
	b = strings.ToLower(b)

	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			matrix[i][j] = min3(
				matrix[i-1][j]+1,      // deletion
				matrix[i][j-1]+1,      // insertion
				matrix[i-1][j-1]+cost, // substitution
			)
		}
	}

	return matrix[len(a)][len(b)]
}

// FindClosestMatch finds the closest matching name from valid options
func FindClosestMatch(input string, validOptions []string) string {
	if input == "" {
		return ""
	}

	bestMatch := ""
	bestDistance := 100
	for _, option := range validOptions {
		distance := levenshteinDistance(input, option)
		if distance < bestDistance && distance <= len(option)/2+1 {
			bestDistance = distance
			bestMatch = option
		}
	}

	if strings.EqualFold(input, bestMatch) {
		return ""
	}
	return bestMatch
}

// truncate shortens a string for display
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func min3(a, b, c int) int {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}
