package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateStore(cfg, ve)
	validateTranscription(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	e := cfg.Engine
	if e.TokenBudget < 0 {
		ve.Add("engine.token_budget must be >= 0 (0 = unbounded)")
	}
	if e.MaxActiveMessages < 0 {
		ve.Add("engine.max_active_messages must be >= 0 (0 = unbounded)")
	}
	if e.MaxToolRounds <= 0 {
		ve.Add("engine.max_tool_rounds must be > 0")
	}
	if e.InactivityTimeout <= 0 {
		ve.Add("engine.inactivity_timeout must be > 0")
	}
	if e.MaxParseFailures <= 0 {
		ve.Add("engine.max_parse_failures must be > 0")
	}
	if e.ToolTimeout <= 0 {
		ve.Add("engine.tool_timeout must be > 0")
	}
	if e.InitRetries < 0 {
		ve.Add("engine.init_retries must be >= 0")
	}
}

var validProviderTypes = map[string]bool{
	"openai":     true,
	"anthropic":  true,
	"gemini":     true,
	"openrouter": true,
	"ollama":     true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	if cb := cfg.LLM.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("llm.circuit_breaker.timeout must be > 0 when enabled")
		}
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, anthropic, gemini, openrouter, ollama)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "ollama" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via MONADIC_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.Model == "" {
			ve.Add("llm.providers[%d] (%s): model must not be empty", i, p.Name)
		}
		if p.BaseURL != "" {
			if _, err := url.ParseRequestURI(p.BaseURL); err != nil {
				ve.Add("llm.providers[%d] (%s): base_url %q is not a valid URL", i, p.Name, p.BaseURL)
			}
		}
	}

	if cfg.LLM.DefaultProvider != "" && !seen[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	for _, name := range cfg.LLM.Failover {
		if !seen[name] {
			ve.Add("llm.failover: provider %q is not configured", name)
		}
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.WebFetch.Enabled {
		if cfg.Tools.WebFetch.Timeout <= 0 {
			ve.Add("tools.web_fetch.timeout must be > 0 when web_fetch is enabled")
		}
		if cfg.Tools.WebFetch.MaxBytes <= 0 {
			ve.Add("tools.web_fetch.max_bytes must be > 0 when web_fetch is enabled")
		}
	}
	validateRateLimit("tools.rate_limit", cfg.Tools.RateLimit, ve)

	validMCPTransports := map[string]bool{"stdio": true, "http": true}
	names := make(map[string]bool)
	for i, s := range cfg.Tools.MCPServers {
		if s.Name == "" {
			ve.Add("tools.mcp_servers[%d].name must not be empty", i)
		} else if names[s.Name] {
			ve.Add("tools.mcp_servers[%d].name %q is duplicate", i, s.Name)
		}
		names[s.Name] = true
		if !validMCPTransports[s.Transport] {
			ve.Add("tools.mcp_servers[%d].transport %q is invalid (want: stdio, http)", i, s.Transport)
			continue
		}
		if s.Transport == "stdio" && s.Command == "" {
			ve.Add("tools.mcp_servers[%d].command is required for stdio transport", i)
		}
		if s.Transport == "http" && s.URL == "" {
			ve.Add("tools.mcp_servers[%d].url is required for http transport", i)
		}
	}
}

func validateRateLimit(section string, rl RateLimitConfig, ve *ValidationError) {
	if rl.PerMinute < 0 {
		ve.Add("%s.per_minute must be >= 0 (0 = unlimited)", section)
	}
	if rl.PerMinute > 0 && rl.Burst <= 0 {
		ve.Add("%s.burst must be > 0 when per_minute is set", section)
	}
}

var validStoreTypes = map[string]bool{"file": true, "sqlite": true, "memory": true}

func validateStore(cfg *Config, ve *ValidationError) {
	s := cfg.Store
	if !validStoreTypes[s.Type] {
		ve.Add("store.type %q is invalid (want: file, sqlite, memory)", s.Type)
		return
	}
	if s.Type != "memory" && s.Path == "" {
		ve.Add("store.path must not be empty for %s store", s.Type)
	}
	if s.Type == "file" && s.Codec != "json" && s.Codec != "cbor" {
		ve.Add("store.codec %q is invalid (want: json, cbor)", s.Codec)
	}
	if s.ReapAfter < 0 {
		ve.Add("store.reap_after must be >= 0 (0 = never reap)")
	}
	if s.ReapAfter > 0 && s.ReapSchedule != "" {
		if _, err := cron.ParseStandard(s.ReapSchedule); err != nil {
			ve.Add("store.reap_schedule %q is invalid: %v", s.ReapSchedule, err)
		}
	}
}

func validateTranscription(cfg *Config, ve *ValidationError) {
	t := cfg.Transcription
	if !t.Enabled {
		return
	}
	if t.BaseURL == "" {
		ve.Add("transcription.base_url is required when transcription is enabled")
	}
	if t.Model == "" {
		ve.Add("transcription.model is required when transcription is enabled")
	}
	if t.Timeout <= 0 {
		ve.Add("transcription.timeout must be > 0")
	}
	if cfg.Store.BlobDir == "" {
		ve.Add("store.blob_dir is required when transcription is enabled")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.Addr == "" {
		ve.Add("gateway.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	validateRateLimit("gateway.rate_limit", g.RateLimit, ve)
	if g.MaxMessageBytes <= 0 {
		ve.Add("gateway.max_message_bytes must be > 0")
	}
	if g.ClaimGrace < 0 {
		ve.Add("gateway.claim_grace must be >= 0")
	}
	for i, p := range g.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			ve.Add("gateway.trusted_proxies[%d] %q is not an IP or CIDR", i, p)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}
