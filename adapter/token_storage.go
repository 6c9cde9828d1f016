package ctrader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TokenInfo is a persisted OAuth token pair with its expiry times.
type TokenInfo struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	RefreshExpiry time.Time `json:"refresh_expiry,omitempty"`
}

// Expired reports whether the access token is inside the refresh buffer,
// meaning a refresh should happen before the token is used again.
func (t *TokenInfo) Expired() bool {
	if t.AccessToken == "" {
		return true
	}
	return time.Now().After(t.ExpiresAt.Add(-refreshBuffer))
}

// TokenStorage persists OAuth tokens between runs.
type TokenStorage interface {
	SaveToken(filename string, token *TokenInfo) error
	LoadToken(filename string) (*TokenInfo, error)
	DeleteToken(filename string) error
}

// FileTokenStorage keeps tokens as JSON files under a base directory.
type FileTokenStorage struct {
	basePath string
}

// NewFileTokenStorage creates file-based token storage. The directory comes
// from TOKEN_STORAGE_PATH, defaulting to data/.
func NewFileTokenStorage() TokenStorage {
	basePath := os.Getenv("TOKEN_STORAGE_PATH")
	if basePath == "" {
		basePath = "data"
	}

	os.MkdirAll(basePath, 0700)

	return &FileTokenStorage{
		basePath: basePath,
	}
}

// SaveToken writes the token with owner-only permissions.
func (f *FileTokenStorage) SaveToken(filename string, token *TokenInfo) error {
	filePath := filepath.Join(f.basePath, filename)

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}

	return nil
}

// LoadToken reads a previously saved token.
func (f *FileTokenStorage) LoadToken(filename string) (*TokenInfo, error) {
	filePath := filepath.Join(f.basePath, filename)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("token file not found: %s", filename)
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token TokenInfo
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// DeleteToken removes the token file. A missing file is not an error.
func (f *FileTokenStorage) DeleteToken(filename string) error {
	filePath := filepath.Join(f.basePath, filename)

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete token file: %w", err)
	}

	return nil
}

// MemoryTokenStorage keeps tokens in memory only. Used in tests and in
// deployments where persistence is unwanted.
type MemoryTokenStorage struct {
	mu     sync.RWMutex
	tokens map[string]*TokenInfo
}

func NewMemoryTokenStorage() *MemoryTokenStorage {
	return &MemoryTokenStorage{
		tokens: make(map[string]*TokenInfo),
	}
}

func (m *MemoryTokenStorage) SaveToken(filename string, token *TokenInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[filename] = &cp
	return nil
}

func (m *MemoryTokenStorage) LoadToken(filename string) (*TokenInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.tokens[filename]
	if !ok {
		return nil, fmt.Errorf("token not found: %s", filename)
	}
	cp := *token
	return &cp, nil
}

func (m *MemoryTokenStorage) DeleteToken(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, filename)
	return nil
}
