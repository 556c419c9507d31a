package engine

import (
	"testing"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func builderConfig() models.ScanConfig {
	return models.ScanConfig{
		APIURL:          "https://api.example.com/v1",
		APIKey:          "sk-test",
		Model:           "gpt-4o-mini",
		RequestTemplate: `{"model": "{{MODEL}}", "messages": [{"role": "user", "content": "{{TEXT}}"}]}`,
	}
}

func TestBuildRequest(t *testing.T) {
	b := NewRequestBuilder(builderConfig())

	url, body, err := b.Build("他提到轮奸这一罪行")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/chat/completions", url)

	parsed := gjson.ParseBytes(body)
	assert.Equal(t, "gpt-4o-mini", parsed.Get("model").String())
	assert.Equal(t, "他提到轮奸这一罪行", parsed.Get("messages.0.content").String())
	assert.Equal(t, int64(10), parsed.Get("max_tokens").Int())
}

func TestBuildURLSeparator(t *testing.T) {
	cfg := builderConfig()
	cfg.APIURL = "https://api.example.com/v1/"
	url, _, err := NewRequestBuilder(cfg).Build("x")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/chat/completions", url)
}

func TestBuildEscapesControlCharacters(t *testing.T) {
	b := NewRequestBuilder(builderConfig())

	text := "line1\nline2\t\"quoted\" \\slash"
	_, body, err := b.Build(text)
	require.NoError(t, err)
	assert.True(t, gjson.ValidBytes(body))
	assert.Equal(t, text, gjson.GetBytes(body, "messages.0.content").String())
}

func TestBuildMissingCredentials(t *testing.T) {
	for _, mutate := range []func(*models.ScanConfig){
		func(c *models.ScanConfig) { c.APIURL = "" },
		func(c *models.ScanConfig) { c.APIKey = "" },
		func(c *models.ScanConfig) { c.Model = "" },
	} {
		cfg := builderConfig()
		mutate(&cfg)
		_, _, err := NewRequestBuilder(cfg).Build("x")
		require.Error(t, err)
		assert.Equal(t, models.CodeConfigMissingField, models.CodeOf(err))
	}
}

func TestBuildRejectsBadURLScheme(t *testing.T) {
	cfg := builderConfig()
	cfg.APIURL = "ftp://api.example.com"
	_, _, err := NewRequestBuilder(cfg).Build("x")
	require.Error(t, err)
	assert.Equal(t, models.CodeConfigInvalid, models.CodeOf(err))
}

func TestBuildRejectsNonObjectTemplate(t *testing.T) {
	cfg := builderConfig()
	cfg.RequestTemplate = `["{{MODEL}}", "{{TEXT}}"]`
	_, _, err := NewRequestBuilder(cfg).Build("x")
	require.Error(t, err)
	assert.Equal(t, models.CodeConfigInvalid, models.CodeOf(err))
}

func TestBuildReplacesOnlyKnownPlaceholders(t *testing.T) {
	cfg := builderConfig()
	_, body, err := NewRequestBuilder(cfg).Build("plain")
	require.NoError(t, err)
	assert.NotContains(t, string(body), "{{MODEL}}")

	cfg.RequestTemplate = `{"model": "{{MODEL}}", "prompt": "{{PROMPT}}", "content": "{{TEXT}}"}`
	_, _, err = NewRequestBuilder(cfg).Build("x")
	require.NoError(t, err) // unknown placeholders are the operator's business

	cfg.RequestTemplate = `{"model": "{{MODEL}}"}`
	_, _, err = NewRequestBuilder(cfg).Build("x")
	require.NoError(t, err)
}
