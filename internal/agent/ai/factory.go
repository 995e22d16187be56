package ai

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/neboloop/glance/internal/agent/config"
	"github.com/neboloop/glance/internal/keyring"
)

// New builds the provider selected by cfg.
func New(cfg config.ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case "openai", "api", "":
		key, err := ResolveAPIKey("openai", cfg.APIKey)
		if err != nil && cfg.BaseURL == "" {
			return nil, err
		}
		return NewOpenAIProvider(key, cfg.BaseURL, cfg.Model, cfg.VisionModel, cfg.MaxTokens), nil
	case "anthropic":
		key, err := ResolveAPIKey("anthropic", cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return NewAnthropicProvider(key, cfg.BaseURL, cfg.Model, cfg.VisionModel, cfg.MaxTokens), nil
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.Model, cfg.VisionModel, cfg.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// ResolveAPIKey returns the configured key, then the conventional
// environment variable, then the OS keyring entry.
func ResolveAPIKey(provider, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if v := os.Getenv(strings.ToUpper(provider) + "_API_KEY"); v != "" {
		return v, nil
	}
	key, err := keyring.Get(provider)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("no API key for %s: set provider.api_key, %s_API_KEY, or run `glance key set %s`",
			provider, strings.ToUpper(provider), provider)
	}
	return key, err
}
