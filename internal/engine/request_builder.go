package engine

import (
	"encoding/json"
	"strings"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxCompletionTokens caps the upstream completion so a probe never pays for
// a full generation; the classification only needs the response status and
// the first few bytes of the body.
const maxCompletionTokens = 10

// RequestBuilder renders the configured request template for a text segment.
type RequestBuilder struct {
	cfg models.ScanConfig
}

// NewRequestBuilder creates a builder bound to a scan config.
func NewRequestBuilder(cfg models.ScanConfig) *RequestBuilder {
	return &RequestBuilder{cfg: cfg}
}

// Build produces the request URL and JSON body for one probe of segment.
// The segment is JSON-escaped without Unicode normalization, so its rune
// length is preserved end to end.
func (b *RequestBuilder) Build(segment string) (string, []byte, error) {
	cfg := b.cfg
	if cfg.APIURL == "" {
		return "", nil, models.NewError(models.CodeConfigMissingField, "api_url is not configured")
	}
	if cfg.APIKey == "" {
		return "", nil, models.NewError(models.CodeConfigMissingField, "api_key is not configured")
	}
	if cfg.Model == "" {
		return "", nil, models.NewError(models.CodeConfigMissingField, "model is not configured")
	}

	apiURL := strings.TrimSpace(cfg.APIURL)
	if !strings.HasPrefix(apiURL, "http://") && !strings.HasPrefix(apiURL, "https://") {
		return "", nil, models.NewError(models.CodeConfigInvalid, "api_url %q must start with http:// or https://", apiURL)
	}

	escaped, err := jsonEscape(segment)
	if err != nil {
		return "", nil, models.WrapError(models.CodeConfigInvalid, err, "escape segment")
	}

	body := strings.ReplaceAll(cfg.RequestTemplate, "{{TEXT}}", escaped)
	body = strings.ReplaceAll(body, "{{MODEL}}", cfg.Model)
	if strings.Contains(body, "{{TEXT}}") || strings.Contains(body, "{{MODEL}}") {
		return "", nil, models.NewError(models.CodeConfigInvalid, "request template still contains unreplaced placeholders")
	}

	if !gjson.Valid(body) || !gjson.Parse(body).IsObject() {
		return "", nil, models.NewError(models.CodeConfigInvalid, "rendered request template is not a JSON object")
	}

	body, err = sjson.Set(body, "max_tokens", maxCompletionTokens)
	if err != nil {
		return "", nil, models.WrapError(models.CodeConfigInvalid, err, "set max_tokens")
	}

	url := strings.TrimRight(apiURL, "/") + "/chat/completions"
	return url, []byte(body), nil
}

// jsonEscape returns the JSON string encoding of s without the surrounding
// quotes, ready to splice into a template.
func jsonEscape(s string) (string, error) {
	encoded, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	if len(encoded) < 2 {
		return "", models.NewError(models.CodeInternal, "escape produced invalid output %q", encoded)
	}
	return string(encoded[1 : len(encoded)-1]), nil
}
