package llm

import (
	"fmt"
	"sync"

	"github.com/genesis-bot/genesis/pkg/agent"
	"github.com/genesis-bot/genesis/pkg/config"
)

// Factory resolves model ids to live providers, caching one provider
// per model. A model whose key is missing yields a MissingKeyError so
// the orchestrator can pause and ask for the key.
type Factory struct {
	settings *config.Settings
	keys     *KeyStore

	mu    sync.Mutex
	cache map[string]agent.Provider
}

// NewFactory creates a factory over the settings' model registry.
func NewFactory(settings *config.Settings, keys *KeyStore) *Factory {
	return &Factory{
		settings: settings,
		keys:     keys,
		cache:    make(map[string]agent.Provider),
	}
}

// Provider returns the provider for modelID, falling back to the
// active model for an empty or unknown id.
func (f *Factory) Provider(modelID string) (agent.Provider, error) {
	cfg := f.settings.Model(modelID)
	if cfg.ID == "" {
		return nil, fmt.Errorf("no model configured for %q", modelID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[cfg.ID]; ok {
		return p, nil
	}

	apiKey := f.keys.Resolve(cfg.APIKeyEnv)
	var p agent.Provider
	switch cfg.Provider {
	case config.ProviderAnthropic:
		if apiKey == "" {
			return nil, &MissingKeyError{Key: cfg.APIKeyEnv}
		}
		p = NewAnthropicProvider(cfg, apiKey)
	case config.ProviderOpenAICompat:
		if cfg.APIKeyEnv != "" && apiKey == "" {
			return nil, &MissingKeyError{Key: cfg.APIKeyEnv}
		}
		p = NewOpenAICompatProvider(cfg, apiKey)
	default:
		return nil, fmt.Errorf("model %q has unknown provider %q", cfg.ID, cfg.Provider)
	}

	f.cache[cfg.ID] = p
	return p, nil
}

// Invalidate drops the cached provider for modelID so the next lookup
// rebuilds it, e.g. after its API key changed.
func (f *Factory) Invalidate(modelID string) {
	cfg := f.settings.Model(modelID)
	f.mu.Lock()
	delete(f.cache, cfg.ID)
	f.mu.Unlock()
}
