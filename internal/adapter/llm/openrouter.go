package llm

import (
	"log/slog"

	"monadic-chat/internal/infra/config"
)

// NewOpenRouterProvider creates an OpenAI-compatible provider pointed at
// OpenRouter, which also wants attribution headers on every request.
func NewOpenRouterProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	p := NewOpenAIProvider(cfg, logger)
	p.vendor = "openrouter"
	p.headers = map[string]string{
		"HTTP-Referer": "https://github.com/monadic-chat/monadic-chat",
		"X-Title":      "monadic-chat",
	}
	return p
}
