package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MONADIC_"

// Config is the root configuration of the chat daemon.
type Config struct {
	Engine        EngineConfig        `yaml:"engine" toml:"engine"`
	LLM           LLMConfig           `yaml:"llm" toml:"llm"`
	Tools         ToolsConfig         `yaml:"tools" toml:"tools"`
	Store         StoreConfig         `yaml:"store" toml:"store"`
	Transcription TranscriptionConfig `yaml:"transcription" toml:"transcription"`
	Gateway       GatewayConfig       `yaml:"gateway" toml:"gateway"`
	Logger        LoggerConfig        `yaml:"logger" toml:"logger"`
	Tracer        TracerConfig        `yaml:"tracer" toml:"tracer"`
}

// EngineConfig holds the conversation engine settings applied to every session.
type EngineConfig struct {
	TokenBudget       int           `yaml:"token_budget" toml:"token_budget"`
	MaxActiveMessages int           `yaml:"max_active_messages" toml:"max_active_messages"`
	MaxToolRounds     int           `yaml:"max_tool_rounds" toml:"max_tool_rounds"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
	MaxParseFailures  int           `yaml:"max_parse_failures" toml:"max_parse_failures"`
	StructuredMode    bool          `yaml:"structured_mode" toml:"structured_mode"`
	InitialPrompt     string        `yaml:"initial_prompt" toml:"initial_prompt"`
	ToolTimeout       time.Duration `yaml:"tool_timeout" toml:"tool_timeout"`
	InitRetries       int           `yaml:"init_retries" toml:"init_retries"`
	TokenizerModel    string        `yaml:"tokenizer_model" toml:"tokenizer_model"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider" toml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers" toml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
	Failover        []string             `yaml:"failover,omitempty" toml:"failover"` // provider names tried after the default
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures" toml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	Interval    time.Duration `yaml:"interval" toml:"interval"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name" toml:"name"`
	Type        string        `yaml:"type" toml:"type"`
	BaseURL     string        `yaml:"base_url" toml:"base_url"`
	APIKey      string        `yaml:"api_key" toml:"api_key"`
	Model       string        `yaml:"model" toml:"model"`
	MaxTokens   int           `yaml:"max_tokens,omitempty" toml:"max_tokens"`
	ConnTimeout time.Duration `yaml:"conn_timeout" toml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout" toml:"resp_timeout"`
}

// ToolsConfig holds tool invoker settings.
type ToolsConfig struct {
	WebFetch   WebFetchConfig  `yaml:"web_fetch" toml:"web_fetch"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	MCPServers []MCPServer     `yaml:"mcp_servers,omitempty" toml:"mcp_servers"`
}

// WebFetchConfig configures the built-in web_fetch tool.
type WebFetchConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes" toml:"max_bytes"`
}

// RateLimitConfig is a token bucket: PerMinute refill rate and Burst capacity.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" toml:"per_minute"`
	Burst     int `yaml:"burst" toml:"burst"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name" toml:"name"`
	Transport string            `yaml:"transport" toml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty" toml:"command"`
	Args      []string          `yaml:"args,omitempty" toml:"args"`
	URL       string            `yaml:"url,omitempty" toml:"url"`
	Env       map[string]string `yaml:"env,omitempty" toml:"env"`
}

// StoreConfig selects and tunes session persistence.
type StoreConfig struct {
	Type          string        `yaml:"type" toml:"type"` // "file", "sqlite" or "memory"
	Path          string        `yaml:"path" toml:"path"`
	Codec         string        `yaml:"codec" toml:"codec"` // "json" or "cbor", file store only
	BlobDir       string        `yaml:"blob_dir" toml:"blob_dir"`
	EncryptionKey string        `yaml:"encryption_key,omitempty" toml:"encryption_key"`
	ReapAfter     time.Duration `yaml:"reap_after" toml:"reap_after"`
	ReapSchedule  string        `yaml:"reap_schedule" toml:"reap_schedule"`
}

// TranscriptionConfig configures the speech-to-text endpoint for audio submits.
type TranscriptionConfig struct {
	Enabled bool          `yaml:"enabled" toml:"enabled"`
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Model   string        `yaml:"model" toml:"model"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// GatewayConfig holds the WebSocket gateway settings.
type GatewayConfig struct {
	Addr            string          `yaml:"addr" toml:"addr"`
	AllowedOrigins  []string        `yaml:"allowed_origins,omitempty" toml:"allowed_origins"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	TrustedProxies  []string        `yaml:"trusted_proxies,omitempty" toml:"trusted_proxies"`
	MaxMessageBytes int64           `yaml:"max_message_bytes" toml:"max_message_bytes"`
	ClaimGrace      time.Duration   `yaml:"claim_grace" toml:"claim_grace"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level" toml:"level"`
	Format    string `yaml:"format" toml:"format"`
	Output    string `yaml:"output" toml:"output"`
	AddSource bool   `yaml:"add_source" toml:"add_source"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Exporter    string  `yaml:"exporter" toml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.monadic/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".monadic", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Engine: EngineConfig{
			MaxToolRounds:     5,
			InactivityTimeout: 60 * time.Second,
			MaxParseFailures:  3,
			InitialPrompt:     "You are a helpful assistant.",
			ToolTimeout:       2 * time.Minute,
			InitRetries:       2,
			TokenizerModel:    "gpt-4o",
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tools: ToolsConfig{
			WebFetch: WebFetchConfig{
				Timeout:  15 * time.Second,
				MaxBytes: 1 << 20,
			},
			RateLimit: RateLimitConfig{PerMinute: 60, Burst: 10},
		},
		Store: StoreConfig{
			Type:         "file",
			Path:         filepath.Join(dataDir, "sessions"),
			Codec:        "json",
			BlobDir:      filepath.Join(dataDir, "blobs"),
			ReapAfter:    30 * 24 * time.Hour,
			ReapSchedule: "@daily",
		},
		Transcription: TranscriptionConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "whisper-1",
			Timeout: 60 * time.Second,
		},
		Gateway: GatewayConfig{
			Addr:            ":8080",
			RateLimit:       RateLimitConfig{PerMinute: 120, Burst: 20},
			MaxMessageBytes: 8 << 20,
			ClaimGrace:      2 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML or TOML config file, loads a sibling .env file, applies
// env var overrides, decrypts secrets and validates the result. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(envPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode picks the format from the file extension.
func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// loadDotEnv loads KEY=VALUE pairs without overriding variables that are
// already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides maps MONADIC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "ENGINE_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Engine.TokenBudget = n
		}
	}
	if v := os.Getenv(envPrefix + "ENGINE_MAX_ACTIVE_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Engine.MaxActiveMessages = n
		}
	}
	if v := os.Getenv(envPrefix + "ENGINE_MAX_TOOL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxToolRounds = n
		}
	}
	if v := os.Getenv(envPrefix + "ENGINE_INACTIVITY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Engine.InactivityTimeout = d
		}
	}
	if v := os.Getenv(envPrefix + "ENGINE_STRUCTURED_MODE"); v != "" {
		cfg.Engine.StructuredMode = v == "true"
	}
	if v := os.Getenv(envPrefix + "ENGINE_INITIAL_PROMPT"); v != "" {
		cfg.Engine.InitialPrompt = v
	}
	if v := os.Getenv(envPrefix + "LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv(envPrefix + "LLM_FAILOVER"); v != "" {
		cfg.LLM.Failover = splitAndTrim(v, ",")
	}
	if v := os.Getenv(envPrefix + "LLM_CIRCUIT_BREAKER_ENABLED"); v == "true" {
		cfg.LLM.CircuitBreaker.Enabled = true
	}
	if v := os.Getenv(envPrefix + "TOOLS_WEB_FETCH_ENABLED"); v == "true" {
		cfg.Tools.WebFetch.Enabled = true
	}
	if v := os.Getenv(envPrefix + "STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv(envPrefix + "STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(envPrefix + "STORE_CODEC"); v != "" {
		cfg.Store.Codec = v
	}
	if v := os.Getenv(envPrefix + "STORE_ENCRYPTION_KEY"); v != "" {
		cfg.Store.EncryptionKey = v
	}
	if v := os.Getenv(envPrefix + "TRANSCRIPTION_ENABLED"); v == "true" {
		cfg.Transcription.Enabled = true
	}
	if v := os.Getenv(envPrefix + "TRANSCRIPTION_API_KEY"); v != "" {
		cfg.Transcription.APIKey = v
	}
	if v := os.Getenv(envPrefix + "GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv(envPrefix + "GATEWAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv(envPrefix + "LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(envPrefix + "LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv(envPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv(envPrefix + "TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Provider API keys: MONADIC_LLM_PROVIDER_<NAME>_API_KEY fills an empty key.
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		name := strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_"))
		if v := os.Getenv(envPrefix + "LLM_PROVIDER_" + name + "_API_KEY"); v != "" && p.APIKey == "" {
			p.APIKey = v
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"transcription api_key": &cfg.Transcription.APIKey,
		"store encryption_key":  &cfg.Store.EncryptionKey,
	}
	for i := range cfg.LLM.Providers {
		fields["provider "+cfg.LLM.Providers[i].Name+" api_key"] = &cfg.LLM.Providers[i].APIKey
	}
	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 32-byte key.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
