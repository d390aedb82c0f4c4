package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
)

// Registry holds named provider adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.ProviderAdapter
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.ProviderAdapter),
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.ProviderAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProvider creates the adapter for one configured provider.
func NewProvider(pc config.ProviderConfig, logger *slog.Logger) (domain.ProviderAdapter, error) {
	switch pc.Type {
	case "openai", "":
		return NewOpenAIProvider(pc, logger), nil
	case "anthropic":
		return NewAnthropicProvider(pc, logger), nil
	case "gemini":
		return NewGeminiProvider(pc, logger), nil
	case "openrouter":
		return NewOpenRouterProvider(pc, logger), nil
	case "ollama":
		return NewOllamaProvider(pc, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", pc.Type)
	}
}

// Build registers every configured provider, wrapped in a circuit breaker
// when enabled, and returns the registry together with the adapter turns
// should use: the default provider, behind failover when fallbacks are set.
func Build(cfg config.LLMConfig, logger *slog.Logger) (*Registry, domain.ProviderAdapter, error) {
	registry := NewRegistry()

	for _, pc := range cfg.Providers {
		provider, err := NewProvider(pc, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
		if cfg.CircuitBreaker.Enabled {
			provider = NewCircuitBreakerProvider(provider, cfg.CircuitBreaker, logger)
		}
		if err := registry.Register(provider); err != nil {
			return nil, nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}

	primary, err := registry.Get(cfg.DefaultProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("default llm provider: %w", err)
	}
	if len(cfg.Failover) == 0 {
		return registry, primary, nil
	}

	fallbacks := make([]domain.ProviderAdapter, 0, len(cfg.Failover))
	for _, name := range cfg.Failover {
		if name == cfg.DefaultProvider {
			continue
		}
		fb, err := registry.Get(name)
		if err != nil {
			return nil, nil, fmt.Errorf("failover provider %s: %w", name, err)
		}
		fallbacks = append(fallbacks, fb)
	}
	logger.Info("model failover enabled", "primary", cfg.DefaultProvider, "fallbacks", cfg.Failover)
	return registry, NewFailoverProvider(primary, fallbacks, logger), nil
}
