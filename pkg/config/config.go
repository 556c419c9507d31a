package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when a field is absent.
const (
	DefaultChunkSize          = 30000
	DefaultOverlapSize        = 12
	DefaultConcurrency        = 15
	DefaultTimeout            = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultMinGranularity     = 1
	DefaultSwitchThreshold    = 35
	DefaultRequestTemplate    = `{"model": "{{MODEL}}", "messages": [{"role": "user", "content": "{{TEXT}}"}], "stream": false}`
	DefaultPresetName         = "default"
	maxConcurrency            = 100
	maxTimeoutSeconds         = 300
)

// DefaultRetryStatusCodes are the transient upstream codes retried by the engine.
var DefaultRetryStatusCodes = []int{429, 502, 503, 504}

// fieldAliases maps legacy field names onto the canonical ones.
// The alias only applies when the canonical key is absent.
var fieldAliases = map[string]string{
	"api_model":       "model",
	"timeout_seconds": "timeout",
	"preset":          "name",
}

// LoadFile reads a YAML or JSON settings file into a raw key/value map.
// The extension picks the decoder; anything else is tried as YAML, which
// also parses JSON.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := make(map[string]any)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return raw, nil
}

// Load reads, normalizes and validates a settings file in one pass.
func Load(path string) (models.ScanConfig, error) {
	raw, err := LoadFile(path)
	if err != nil {
		return models.ScanConfig{}, models.WrapError(models.CodeConfigInvalid, err, "load %s", path)
	}
	cfg, err := Normalize(raw)
	if err != nil {
		return models.ScanConfig{}, err
	}
	if err := Validate(&cfg); err != nil {
		return models.ScanConfig{}, err
	}
	return cfg, nil
}

// Normalize folds aliases, coerces types and applies defaults. It accepts
// the loosely-typed maps produced by YAML/JSON decoding and by the settings
// API, and returns a ScanConfig ready for validation.
func Normalize(raw map[string]any) (models.ScanConfig, error) {
	m := make(map[string]any, len(raw))
	for k, v := range raw {
		m[k] = v
	}
	for old, canonical := range fieldAliases {
		if v, ok := m[old]; ok {
			if _, exists := m[canonical]; !exists {
				m[canonical] = v
			}
			delete(m, old)
		}
	}

	cfg := models.ScanConfig{
		Name:                     stringField(m, "name", DefaultPresetName),
		APIURL:                   strings.TrimSpace(stringField(m, "api_url", "")),
		APIKey:                   stringField(m, "api_key", ""),
		Model:                    stringField(m, "model", ""),
		RequestTemplate:          stringField(m, "request_template", DefaultRequestTemplate),
		Concurrency:              intField(m, "concurrency", DefaultConcurrency),
		MaxRetries:               intField(m, "max_retries", DefaultMaxRetries),
		Rate:                     intField(m, "rate", 0),
		ChunkSize:                intField(m, "chunk_size", DefaultChunkSize),
		OverlapSize:              intField(m, "overlap_size", DefaultOverlapSize),
		MinGranularity:           intField(m, "min_granularity", DefaultMinGranularity),
		AlgorithmMode:            models.AlgorithmMode(stringField(m, "algorithm_mode", string(models.ModeHybrid))),
		AlgorithmSwitchThreshold: intField(m, "algorithm_switch_threshold", DefaultSwitchThreshold),
		StopIf:                   stringField(m, "stop_if", ""),
		MinSamples:               int64(intField(m, "min_samples", 0)),
	}

	// timeout accepts a bare number of seconds or a duration string ("30s").
	switch v := m["timeout"].(type) {
	case nil:
		cfg.Timeout = DefaultTimeout
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		} else if secs, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Timeout = time.Duration(secs * float64(time.Second))
		} else {
			return cfg, models.NewError(models.CodeConfigInvalid, "timeout: cannot parse %q", v)
		}
	default:
		secs, ok := toFloat(v)
		if !ok {
			return cfg, models.NewError(models.CodeConfigInvalid, "timeout: unsupported value %v", v)
		}
		cfg.Timeout = time.Duration(secs * float64(time.Second))
	}

	cfg.BlockStatusCodes = intListField(m, "block_status_codes", nil)
	cfg.RetryStatusCodes = intListField(m, "retry_status_codes", DefaultRetryStatusCodes)
	cfg.BlockKeywords = stringListField(m, "block_keywords")

	return cfg, nil
}

func stringField(m map[string]any, key, fallback string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return fallback
	}
	switch s := v.(type) {
	case string:
		if s == "" {
			return fallback
		}
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

func intField(m map[string]any, key string, fallback int) int {
	v, ok := m[key]
	if !ok || v == nil {
		return fallback
	}
	if f, ok := toFloat(v); ok {
		return int(f)
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
	}
	return fallback
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// intListField coerces list-shaped values into []int, dropping entries that
// are not numeric. A JSON-encoded string value is also accepted, matching
// what the settings API historically stored.
func intListField(m map[string]any, key string, fallback []int) []int {
	v, ok := m[key]
	if !ok || v == nil {
		return append([]int(nil), fallback...)
	}
	items, ok := toList(v)
	if !ok {
		return append([]int(nil), fallback...)
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		if f, ok := toFloat(item); ok {
			out = append(out, int(f))
			continue
		}
		if s, ok := item.(string); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

func stringListField(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	items, ok := toList(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch s := item.(type) {
		case string:
			if s != "" {
				out = append(out, s)
			}
		default:
			out = append(out, fmt.Sprintf("%v", item))
		}
	}
	return out
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case string:
		var parsed []any
		if err := json.Unmarshal([]byte(l), &parsed); err == nil {
			return parsed, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// Save writes the config back as YAML with a usage trailer.
func Save(path string, cfg models.ScanConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	comment := fmt.Sprintf("\n# Run this configuration:\n# ./filterprobe -config %s -input text.txt\n", filepath.Base(path))
	data = append(data, []byte(comment)...)
	return os.WriteFile(path, data, 0644)
}
