// Package llm provides the model providers (Anthropic SDK and
// OpenAI-compatible SSE) behind the agent's streaming contract, the
// API key store, and the provider factory.
package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// KeyStore resolves API keys: the environment wins, then the on-disk
// key file. The file is re-read on every lookup so a key saved by the
// UI mid-turn is picked up by the orchestrator's polling loop.
type KeyStore struct {
	path string
	mu   sync.Mutex
}

// NewKeyStore creates a store backed by the given JSON file
// (name to key). The file may not exist yet.
func NewKeyStore(path string) *KeyStore {
	return &KeyStore{path: path}
}

// Resolve returns the key registered under name, or "".
func (k *KeyStore) Resolve(name string) string {
	if name == "" {
		return ""
	}
	if v := os.Getenv(name); v != "" {
		return v
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	keys, err := k.read()
	if err != nil {
		return ""
	}
	return keys[name]
}

// Set persists a key under name.
func (k *KeyStore) Set(name, key string) error {
	if name == "" {
		return fmt.Errorf("key name is required")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.read()
	if err != nil {
		return err
	}
	if keys == nil {
		keys = make(map[string]string)
	}
	keys[name] = key

	raw, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return fmt.Errorf("failed to create key store directory: %w", err)
	}
	if err := os.WriteFile(k.path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	return nil
}

func (k *KeyStore) read() (map[string]string, error) {
	raw, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key store: %w", err)
	}
	keys := make(map[string]string)
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse key store: %w", err)
	}
	return keys, nil
}

// MissingKeyError signals that a provider cannot start because its API
// key is absent from both the environment and the key store.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing API key %q", e.Key)
}

// MissingCredential names the key that would unblock the provider.
func (e *MissingKeyError) MissingCredential() string { return e.Key }
