package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/config"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// Manager owns every active session. It is passed explicitly into the HTTP
// handlers; there is no process-global instance.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    *config.Store
	logger   *slog.Logger
}

// NewManager creates a manager drawing configs from the settings store.
func NewManager(store *config.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		logger:   logger,
	}
}

// Create builds a session from the stored settings with optional runtime
// overrides layered on top. The config is normalized and validated before
// any session state exists.
func (m *Manager) Create(overrides map[string]any) (string, error) {
	cfg, err := m.store.ScanConfig(overrides)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	sess := New(id, cfg, m.logger)

	m.mu.Lock()
	m.sessions[id] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id, "total_sessions", count)
	return id, nil
}

// Get returns an active session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, models.NewError(models.CodeSessionNotFound, "session %s not found", id)
	}
	return sess, nil
}

// Delete removes a session and waits for its cleanup: scan cancellation and
// HTTP client shutdown.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return models.NewError(models.CodeSessionNotFound, "session %s not found", id)
	}
	sess.Close()
	m.logger.Info("session deleted", "session_id", id, "total_sessions", count)
	return nil
}

// List describes all active sessions.
func (m *Manager) List() map[string]map[string]any {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	out := make(map[string]map[string]any, len(sessions))
	for _, sess := range sessions {
		out[sess.ID] = sess.Info()
	}
	return out
}

// Shutdown deletes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Delete(id)
	}
	m.logger.Info("all sessions cleaned up")
}
