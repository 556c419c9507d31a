package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// credentialKeys are the fields persisted in the credentials section and
// stripped from anything returned to clients.
var credentialKeys = map[string]bool{
	"api_url":   true,
	"api_key":   true,
	"model":     true,
	"api_model": true,
}

// Store is the persisted settings file behind the configuration API.
// Layout on disk:
//
//	{
//	  "credentials": {"api_url": ..., "api_key": ..., "model": ...},
//	  "settings":    {"chunk_size": ..., "concurrency": ..., ...},
//	  "rules":       {"block_status_codes": [...], "block_keywords": [...], ...}
//	}
type Store struct {
	mu   sync.Mutex
	path string
}

type storeFile struct {
	Credentials map[string]any `json:"credentials"`
	Settings    map[string]any `json:"settings"`
	Rules       map[string]any `json:"rules"`
}

// NewStore opens (or prepares to create) a settings file.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) read() (*storeFile, error) {
	f := &storeFile{
		Credentials: map[string]any{},
		Settings:    map[string]any{},
		Rules:       map[string]any{},
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings store: %w", err)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse settings store: %w", err)
	}
	if f.Credentials == nil {
		f.Credentials = map[string]any{}
	}
	if f.Settings == nil {
		f.Settings = map[string]any{}
	}
	if f.Rules == nil {
		f.Rules = map[string]any{}
	}
	return f, nil
}

func (s *Store) write(f *storeFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create settings dir: %w", err)
		}
	}
	return os.WriteFile(s.path, data, 0600)
}

// Settings returns the non-credential settings and rules sections, merged
// into one map.
func (s *Store) Settings() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(f.Settings)+len(f.Rules))
	for k, v := range f.Settings {
		out[k] = v
	}
	for k, v := range f.Rules {
		out[k] = v
	}
	return out, nil
}

// SaveSettings merges updates into the settings and rules sections.
func (s *Store) SaveSettings(updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return err
	}
	for k, v := range updates {
		if credentialKeys[k] {
			continue
		}
		switch k {
		case "block_status_codes", "retry_status_codes", "block_keywords", "name", "preset":
			f.Rules[k] = v
		default:
			f.Settings[k] = v
		}
	}
	return s.write(f)
}

// Credentials returns the stored credentials with the key redacted to a
// presence flag, for display purposes.
func (s *Store) Credentials() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(f.Credentials))
	for k, v := range f.Credentials {
		if k == "api_key" {
			key, _ := v.(string)
			out["api_key_set"] = key != ""
			continue
		}
		out[k] = v
	}
	return out, nil
}

// SaveCredentials merges credential updates.
func (s *Store) SaveCredentials(updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return err
	}
	for k, v := range updates {
		if credentialKeys[k] {
			f.Credentials[k] = v
		}
	}
	return s.write(f)
}

// ScanConfig assembles a validated ScanConfig from everything in the store,
// with optional per-request overrides layered on top.
func (s *Store) ScanConfig(overrides map[string]any) (models.ScanConfig, error) {
	s.mu.Lock()
	f, err := s.read()
	s.mu.Unlock()
	if err != nil {
		return models.ScanConfig{}, models.WrapError(models.CodeConfigInvalid, err, "settings store")
	}

	merged := make(map[string]any)
	for k, v := range f.Settings {
		merged[k] = v
	}
	for k, v := range f.Rules {
		merged[k] = v
	}
	for k, v := range f.Credentials {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	cfg, err := Normalize(merged)
	if err != nil {
		return models.ScanConfig{}, err
	}
	if err := Validate(&cfg); err != nil {
		return models.ScanConfig{}, err
	}
	return cfg, nil
}
