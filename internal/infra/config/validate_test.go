package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateEngine(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative budget", func(c *Config) { c.Engine.TokenBudget = -1 }, "engine.token_budget must be >= 0"},
		{"negative count", func(c *Config) { c.Engine.MaxActiveMessages = -1 }, "engine.max_active_messages must be >= 0"},
		{"zero rounds", func(c *Config) { c.Engine.MaxToolRounds = 0 }, "engine.max_tool_rounds must be > 0"},
		{"zero inactivity", func(c *Config) { c.Engine.InactivityTimeout = 0 }, "engine.inactivity_timeout must be > 0"},
		{"zero parse failures", func(c *Config) { c.Engine.MaxParseFailures = 0 }, "engine.max_parse_failures must be > 0"},
		{"zero tool timeout", func(c *Config) { c.Engine.ToolTimeout = 0 }, "engine.tool_timeout must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateProviders(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.DefaultProvider = "missing"
	cfg.LLM.Failover = []string{"ghost"}
	cfg.LLM.Providers = []ProviderConfig{
		{Name: "a", Type: "openai", Model: "gpt-4o"},
		{Name: "a", Type: "bedrock", APIKey: "k", Model: "m"},
		{Name: "local", Type: "ollama", Model: "llama3", BaseURL: "::not a url"},
		{Type: "openai"},
	}

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	msg := err.Error()
	assertContains(t, msg, "api_key is empty (set via MONADIC_LLM_PROVIDER_A_API_KEY)")
	assertContains(t, msg, `duplicate provider name "a"`)
	assertContains(t, msg, `type "bedrock" is invalid`)
	assertContains(t, msg, "base_url")
	assertContains(t, msg, "llm.providers[3].name must not be empty")
	assertContains(t, msg, `llm.default_provider "missing" does not match`)
	assertContains(t, msg, `provider "ghost" is not configured`)
	if strings.Contains(msg, "(local): api_key") {
		t.Error("ollama providers do not need an api key")
	}
}

func TestValidateCircuitBreaker(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.CircuitBreaker = CircuitBreakerConfig{Enabled: true}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "llm.circuit_breaker.max_failures must be > 0")
	assertContains(t, err.Error(), "llm.circuit_breaker.timeout must be > 0")
}

func TestValidateStore(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Type = "redis"
	assertContains(t, Validate(cfg).Error(), `store.type "redis" is invalid`)

	cfg = Defaults()
	cfg.Store.Codec = "xml"
	assertContains(t, Validate(cfg).Error(), `store.codec "xml" is invalid`)

	cfg = Defaults()
	cfg.Store.ReapSchedule = "every tuesday"
	assertContains(t, Validate(cfg).Error(), "store.reap_schedule")

	cfg = Defaults()
	cfg.Store.Type = "memory"
	cfg.Store.Path = ""
	if err := Validate(cfg); err != nil {
		t.Errorf("memory store needs no path: %v", err)
	}
}

func TestValidateTools(t *testing.T) {
	cfg := Defaults()
	cfg.Tools.WebFetch = WebFetchConfig{Enabled: true}
	cfg.Tools.RateLimit = RateLimitConfig{PerMinute: 10}
	cfg.Tools.MCPServers = []MCPServer{
		{Name: "fs", Transport: "stdio"},
		{Name: "fs", Transport: "http"},
		{Name: "x", Transport: "carrier-pigeon"},
	}
	msg := Validate(cfg).Error()
	assertContains(t, msg, "tools.web_fetch.timeout must be > 0")
	assertContains(t, msg, "tools.rate_limit.burst must be > 0")
	assertContains(t, msg, "tools.mcp_servers[0].command is required")
	assertContains(t, msg, `tools.mcp_servers[1].name "fs" is duplicate`)
	assertContains(t, msg, "tools.mcp_servers[1].url is required")
	assertContains(t, msg, `transport "carrier-pigeon" is invalid`)
}

func TestValidateTranscription(t *testing.T) {
	cfg := Defaults()
	cfg.Transcription = TranscriptionConfig{Enabled: true}
	cfg.Store.BlobDir = ""
	msg := Validate(cfg).Error()
	assertContains(t, msg, "transcription.base_url is required")
	assertContains(t, msg, "transcription.timeout must be > 0")
	assertContains(t, msg, "store.blob_dir is required")
}

func TestValidateGateway(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Addr = "no-port"
	cfg.Gateway.MaxMessageBytes = 0
	cfg.Gateway.ClaimGrace = -time.Second
	cfg.Gateway.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.1", "bogus"}
	msg := Validate(cfg).Error()
	assertContains(t, msg, `gateway.addr "no-port" is not a valid host:port`)
	assertContains(t, msg, "gateway.max_message_bytes must be > 0")
	assertContains(t, msg, "gateway.claim_grace must be >= 0")
	assertContains(t, msg, `gateway.trusted_proxies[2] "bogus"`)
	if strings.Contains(msg, "trusted_proxies[0]") || strings.Contains(msg, "trusted_proxies[1]") {
		t.Error("valid proxies reported as invalid")
	}
}

func TestValidateLoggerAndTracer(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "loud"
	cfg.Logger.Format = "xml"
	cfg.Tracer = TracerConfig{Enabled: true, Exporter: "jaeger", SampleRatio: 2}
	msg := Validate(cfg).Error()
	assertContains(t, msg, `logger.level "loud" is invalid`)
	assertContains(t, msg, `logger.format "xml" is invalid`)
	assertContains(t, msg, `tracer.exporter "jaeger" is invalid`)
	assertContains(t, msg, "tracer.sample_ratio must be between 0 and 1")
}

func TestValidationErrorCollectsAll(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.MaxToolRounds = 0
	cfg.Gateway.Addr = ""
	var ve *ValidationError
	if !errors.As(Validate(cfg), &ve) {
		t.Fatal("expected *ValidationError")
	}
	if len(ve.Errors) != 2 {
		t.Errorf("len(Errors) = %d, want 2: %v", len(ve.Errors), ve.Errors)
	}
}
