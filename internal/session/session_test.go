package session

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soundstarrain/LLM-Filter-Probe/internal/scanner"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/config"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// moderationServer blocks any probe containing one of the keywords with a
// 400; everything else gets a 200.
func moderationServer(t *testing.T, keywords []string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		body, _ := io.ReadAll(r.Body)
		content := gjson.GetBytes(body, "messages.0.content").String()
		for _, kw := range keywords {
			if strings.Contains(content, kw) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error": "rejected"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sessionConfig(apiURL string) models.ScanConfig {
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
		MaxRetries:               1,
		ChunkSize:                30000,
		OverlapSize:              12,
		MinGranularity:           1,
		AlgorithmMode:            models.ModeHybrid,
		AlgorithmSwitchThreshold: 35,
	}
}

func waitForTerminal(t *testing.T, sess *Session) models.SessionStatus {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		status, _ := sess.Status()
		switch status {
		case models.SessionCompleted, models.SessionError, models.SessionCanceled:
			return status
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal state")
	return ""
}

func TestSessionScanLifecycle(t *testing.T) {
	srv := moderationServer(t, []string{"轮奸"}, 0)
	sess := New("s1", sessionConfig(srv.URL), nil)
	defer sess.Close()

	status, _ := sess.Status()
	assert.Equal(t, models.SessionIdle, status)

	require.NoError(t, sess.StartScan("他在书中提到轮奸这一罪行。"))
	assert.Equal(t, models.SessionCompleted, waitForTerminal(t, sess))

	_, progress := sess.Status()
	assert.Equal(t, 100, progress.Percentage)
	assert.Equal(t, progress.Total, progress.Current)

	rows, apiCalls, elapsed, unknownCodes := sess.Results()
	require.Len(t, rows, 1)
	assert.Equal(t, models.ResultRow{Text: "轮奸", Start: 6, End: 8, Reason: "BLOCKED"}, rows[0])
	assert.Greater(t, apiCalls, int64(0))
	assert.GreaterOrEqual(t, elapsed, 0.0)
	assert.Empty(t, unknownCodes)

	assert.NotEmpty(t, sess.Logs())
}

func TestSessionRefusesConcurrentScan(t *testing.T) {
	srv := moderationServer(t, nil, 50*time.Millisecond)
	sess := New("s1", sessionConfig(srv.URL), nil)
	defer sess.Close()

	require.NoError(t, sess.StartScan(strings.Repeat("x", 50)))
	err := sess.StartScan("more")
	require.Error(t, err)
	assert.Equal(t, models.CodeSessionRunning, models.CodeOf(err))

	waitForTerminal(t, sess)
	// A finished session accepts a new scan.
	assert.NoError(t, sess.StartScan("again"))
	waitForTerminal(t, sess)
}

func TestSessionRejectsEmptyText(t *testing.T) {
	srv := moderationServer(t, nil, 0)
	sess := New("s1", sessionConfig(srv.URL), nil)
	defer sess.Close()

	err := sess.StartScan("")
	require.Error(t, err)
	assert.Equal(t, models.CodeConfigInvalid, models.CodeOf(err))
}

func TestSessionCancelScan(t *testing.T) {
	srv := moderationServer(t, nil, 200*time.Millisecond)
	cfg := sessionConfig(srv.URL)
	cfg.ChunkSize = 5
	cfg.OverlapSize = 1
	sess := New("s1", cfg, nil)
	defer sess.Close()

	require.NoError(t, sess.StartScan(strings.Repeat("x", 500)))
	time.Sleep(50 * time.Millisecond)
	sess.CancelScan()

	assert.Equal(t, models.SessionCanceled, waitForTerminal(t, sess))
}

func TestSessionExternalSinkReceivesEvents(t *testing.T) {
	srv := moderationServer(t, nil, 0)
	sess := New("s1", sessionConfig(srv.URL), nil)
	defer sess.Close()

	var mu sync.Mutex
	var names []string
	sess.SetEventSink(func(ev scanner.Event) {
		mu.Lock()
		names = append(names, ev.Event)
		mu.Unlock()
	})

	require.NoError(t, sess.StartScan("clean text"))
	waitForTerminal(t, sess)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, names, "scan_start")
	assert.Contains(t, names, "scan_complete")
}

func managerWithStore(t *testing.T, apiURL string) *Manager {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, store.SaveCredentials(map[string]any{
		"api_url": apiURL,
		"api_key": "sk-test",
		"model":   "test-model",
	}))
	return NewManager(store, nil)
}

func TestManagerLifecycle(t *testing.T) {
	srv := moderationServer(t, nil, 0)
	m := managerWithStore(t, srv.URL)

	id, err := m.Create(nil)
	require.NoError(t, err)

	sess, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	assert.Contains(t, m.List(), id)

	require.NoError(t, m.Delete(id))
	_, err = m.Get(id)
	require.Error(t, err)
	assert.Equal(t, models.CodeSessionNotFound, models.CodeOf(err))
	assert.Equal(t, models.CodeSessionNotFound, models.CodeOf(m.Delete(id)))
}

func TestManagerCreateValidatesOverrides(t *testing.T) {
	srv := moderationServer(t, nil, 0)
	m := managerWithStore(t, srv.URL)

	_, err := m.Create(map[string]any{"concurrency": 0})
	require.Error(t, err)
	assert.Equal(t, models.CodeConfigInvalid, models.CodeOf(err))

	id, err := m.Create(map[string]any{"concurrency": 2, "timeout_seconds": 10})
	require.NoError(t, err)
	sess, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Config().Concurrency)
	assert.Equal(t, 10*time.Second, sess.Config().Timeout)
}
