// Package config loads the settings.json application configuration and
// per-user bot identities.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
)

// Provider kinds understood by the model registry.
const (
	ProviderOpenAICompat = "openai"
	ProviderAnthropic    = "anthropic"
)

// ModelConfig describes one model the agent can talk to.
type ModelConfig struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// AuthConfig seeds the initial admin account.
type AuthConfig struct {
	DefaultAdminUser     string `json:"default_admin_user"`
	DefaultAdminPassword string `json:"default_admin_password"`
}

// Settings is the full application configuration.
type Settings struct {
	Models      []ModelConfig `json:"models"`
	ActiveModel string        `json:"active_model"`
	Server      ServerConfig  `json:"server"`
	Auth        AuthConfig    `json:"auth"`
	DataDir     string        `json:"data_dir"`
	BotDataDir  string        `json:"bot_data_dir"`
	MaxLoops    int           `json:"max_loops"`
	PoolSize    int           `json:"pool_size"`
}

func defaults() Settings {
	return Settings{
		Models: []ModelConfig{
			{
				ID:        "claude",
				Name:      "Claude Sonnet",
				Provider:  ProviderAnthropic,
				Model:     "claude-sonnet-4-20250514",
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
		},
		ActiveModel: "claude",
		Server:      ServerConfig{Host: "0.0.0.0", Port: 8000},
		Auth:        AuthConfig{DefaultAdminUser: "admin"},
		DataDir:     "data",
		BotDataDir:  "bot_data",
		MaxLoops:    5,
		PoolSize:    4,
	}
}

// Initialize loads settings from path, fills gaps with defaults, and
// validates the result. A missing file yields pure defaults.
func Initialize(path string) (*Settings, error) {
	log := slog.With("settings_path", path)
	log.Info("Initializing configuration")

	cfg := Settings{}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No settings file found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse settings: %w", err)
		}
	}

	def := defaults()
	if err := mergo.Merge(&cfg, def); err != nil {
		return nil, fmt.Errorf("failed to apply setting defaults: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"models", len(cfg.Models),
		"active_model", cfg.ActiveModel)
	return &cfg, nil
}

func (s *Settings) validate() error {
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", s.Server.Port)
	}
	seen := make(map[string]bool)
	for _, m := range s.Models {
		if m.ID == "" {
			return fmt.Errorf("model with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		switch m.Provider {
		case ProviderOpenAICompat, ProviderAnthropic:
		default:
			return fmt.Errorf("model %q has unknown provider %q", m.ID, m.Provider)
		}
		if m.Provider == ProviderOpenAICompat && m.BaseURL == "" {
			return fmt.Errorf("model %q requires base_url", m.ID)
		}
	}
	if !seen[s.ActiveModel] {
		return fmt.Errorf("active_model %q is not a configured model", s.ActiveModel)
	}
	return nil
}

// Model returns the model configuration for id, falling back to the
// active model when id is empty or unknown.
func (s *Settings) Model(id string) ModelConfig {
	for _, m := range s.Models {
		if m.ID == id {
			return m
		}
	}
	for _, m := range s.Models {
		if m.ID == s.ActiveModel {
			return m
		}
	}
	return ModelConfig{}
}
