// Package creds is the credential contract the gateway resolves vendor
// tokens through. Vault-style backends plug in behind the same interface.
package creds

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("credential not found")

type Store interface {
	// GetToken resolves the token for a vendor name. ErrNotFound when the
	// vendor has no token configured.
	GetToken(vendor string) (string, error)
	SetToken(vendor, token string) error
}

// EnvStore resolves tokens from the conventional <VENDOR>_API_KEY variables.
// SetToken mutates process environment only.
type EnvStore struct{}

func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

func (s *EnvStore) GetToken(vendor string) (string, error) {
	token := strings.TrimSpace(os.Getenv(envKey(vendor)))
	if token == "" {
		return "", fmt.Errorf("%s: %w", vendor, ErrNotFound)
	}
	return token, nil
}

func (s *EnvStore) SetToken(vendor, token string) error {
	return os.Setenv(envKey(vendor), token)
}

func envKey(vendor string) string {
	name := strings.ToUpper(strings.TrimSpace(vendor))
	name = strings.ReplaceAll(name, "-", "_")
	return name + "_API_KEY"
}

// MemoryStore holds tokens in memory, for tests and embedded use.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]string)}
}

func (s *MemoryStore) GetToken(vendor string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[strings.ToLower(strings.TrimSpace(vendor))]
	if !ok || token == "" {
		return "", fmt.Errorf("%s: %w", vendor, ErrNotFound)
	}
	return token, nil
}

func (s *MemoryStore) SetToken(vendor, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[strings.ToLower(strings.TrimSpace(vendor))] = token
	return nil
}
