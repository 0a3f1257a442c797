package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Provider types understood by the router.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// KnownProviders lists every supported provider type.
var KnownProviders = []string{ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderGemini}

// apiKeyEnv maps provider types to the environment variable consulted when
// api_key is not set in the file.
var apiKeyEnv = map[string]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
}

const (
	DefaultTimeoutSeconds = 120
	DefaultCacheTTL       = 3600
)

type Config struct {
	LLM     RouterConfig  `yaml:"llm" json:"llm" toml:"llm"`
	Log     LogConfig     `yaml:"log" json:"log" toml:"log"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" toml:"metrics"`
	Usage   UsageConfig   `yaml:"usage" json:"usage" toml:"usage"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" json:"level" toml:"level"` // debug, info, warn, error (default: info)
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" json:"addr" toml:"addr"` // Listen address, e.g. localhost:9090
	Path    string `yaml:"path" json:"path" toml:"path"` // Metrics endpoint path (default: /metrics)
}

// UsageConfig controls token usage persistence
type UsageConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	DBPath  string `yaml:"db_path" json:"db_path" toml:"db_path"`
}

// RouterConfig describes the set of providers and how requests are routed between them.
type RouterConfig struct {
	Providers       []ProviderConfig  `yaml:"providers" json:"providers" toml:"providers"` // Priority order
	DefaultProvider string            `yaml:"default_provider" json:"default_provider" toml:"default_provider"`
	TaskProviders   map[string]string `yaml:"task_providers" json:"task_providers" toml:"task_providers"`
	Cache           CacheConfig       `yaml:"cache" json:"cache" toml:"cache"`
}

// ProviderConfig configures a single backend.
type ProviderConfig struct {
	Type           string `yaml:"type" json:"provider_type" toml:"type"`
	APIKey         string `yaml:"api_key,omitempty" json:"api_key,omitempty" toml:"api_key,omitempty"`
	APIBase        string `yaml:"api_base,omitempty" json:"api_base,omitempty" toml:"api_base,omitempty"`
	DefaultModel   string `yaml:"default_model" json:"default_model" toml:"default_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"`

	Organization string `yaml:"organization,omitempty" json:"organization,omitempty" toml:"organization,omitempty"` // openai
	APIVersion   string `yaml:"api_version,omitempty" json:"api_version,omitempty" toml:"api_version,omitempty"`    // anthropic
	KeepAlive    string `yaml:"keep_alive,omitempty" json:"keep_alive,omitempty" toml:"keep_alive,omitempty"`       // ollama

	// Options holds provider-specific values with no typed field. They are
	// passed through to the request body untouched.
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty" toml:"options,omitempty"`
}

// CacheConfig holds response cache settings
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	TTLSeconds int    `yaml:"ttl_seconds" json:"ttl_seconds" toml:"ttl_seconds"`
	UseDisk    bool   `yaml:"use_disk" json:"use_disk" toml:"use_disk"`
	Dir        string `yaml:"dir,omitempty" json:"dir,omitempty" toml:"dir,omitempty"` // default: <user cache dir>/qitops/llm_cache
}

// ResolvedAPIKey returns the configured key, falling back to the provider's
// environment variable.
func (p ProviderConfig) ResolvedAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if env, ok := apiKeyEnv[p.Type]; ok {
		return os.Getenv(env)
	}
	return ""
}

// APIKeyEnv returns the environment variable name for the provider's key, or "".
func APIKeyEnv(providerType string) string {
	return apiKeyEnv[providerType]
}

// Timeout returns the HTTP timeout for the provider.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// DefaultCacheDir returns <user cache dir>/qitops/llm_cache.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "qitops", "llm_cache")
}

// CacheDir returns the configured cache directory or the default one.
func (c CacheConfig) CacheDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return DefaultCacheDir()
}

// DefaultRouterConfig returns a local ollama provider backed by an OpenAI fallback.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Providers: []ProviderConfig{
			{
				Type:         ProviderOllama,
				APIBase:      "http://localhost:11434",
				DefaultModel: "mistral",
			},
			{
				Type:         ProviderOpenAI,
				DefaultModel: "gpt-3.5-turbo",
			},
		},
		DefaultProvider: ProviderOllama,
		TaskProviders:   map[string]string{},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: DefaultCacheTTL,
			UseDisk:    true,
		},
	}
}

func Default() *Config {
	return &Config{
		LLM: DefaultRouterConfig(),
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Path:    "/metrics",
		},
		Usage: UsageConfig{
			Enabled: true,
			DBPath:  filepath.Join(configDir(), "usage.db"),
		},
	}
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".qitops")
}

var extensions = []string{".yaml", ".yml", ".json", ".toml"}

// Candidates returns the search path in priority order: ./qitops-config.* then ~/.qitops/config.*.
func Candidates() []string {
	var paths []string
	for _, ext := range extensions {
		paths = append(paths, "qitops-config"+ext)
	}
	for _, ext := range extensions {
		paths = append(paths, filepath.Join(configDir(), "config"+ext))
	}
	return paths
}

// Resolve picks the config file to use. An explicit path always wins. Otherwise
// the first existing candidate is returned, or ~/.qitops/config.yaml when none exists.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, p := range Candidates() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(configDir(), "config.yaml")
}

// Load reads the config at path, decoding by file extension. Values absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config not found: %w", err)
	}

	cfg := Default()
	// Decoders reuse existing slice elements, so start the provider list empty
	// and restore the defaults only when the file has none.
	cfg.LLM.Providers = nil
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = DefaultRouterConfig().Providers
	}
	if cfg.LLM.TaskProviders == nil {
		cfg.LLM.TaskProviders = map[string]string{}
	}

	return cfg, nil
}

// LoadOrDefault resolves and loads the config. A missing file yields Default().
func LoadOrDefault(explicit string) (*Config, string, error) {
	path := Resolve(explicit)
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), path, nil
	}
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// API keys may be stored in the file
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

// Validate checks the configuration and returns errors and warnings
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}

	llm := &c.LLM
	if len(llm.Providers) == 0 {
		result.Errors = append(result.Errors, "No LLM providers configured: add one with 'qitops llm add'")
	}

	seen := map[string]bool{}
	for i, p := range llm.Providers {
		if !slices.Contains(KnownProviders, p.Type) {
			result.Errors = append(result.Errors, fmt.Sprintf("Provider #%d has unknown type '%s', supported: %s", i+1, p.Type, strings.Join(KnownProviders, ", ")))
			continue
		}
		if seen[p.Type] {
			result.Errors = append(result.Errors, fmt.Sprintf("Provider '%s' is configured more than once", p.Type))
		}
		seen[p.Type] = true

		if p.DefaultModel == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("Provider '%s' has no default_model", p.Type))
		}
		if env := APIKeyEnv(p.Type); env != "" && p.ResolvedAPIKey() == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Provider '%s' has no API key: set api_key or %s", p.Type, env))
		}
	}

	if llm.DefaultProvider == "" {
		result.Warnings = append(result.Warnings, "No default_provider set, the first available provider will be used")
	} else if llm.Provider(llm.DefaultProvider) == nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Default provider '%s' is not configured", llm.DefaultProvider))
	}

	for task, provider := range llm.TaskProviders {
		if llm.Provider(provider) == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Task '%s' is mapped to unconfigured provider '%s'", task, provider))
		}
	}

	if llm.Cache.Enabled && llm.Cache.TTLSeconds <= 0 {
		result.Errors = append(result.Errors, "Cache enabled with non-positive ttl_seconds")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		result.Warnings = append(result.Warnings, "Metrics enabled but metrics.addr is empty, endpoint will only start with --metrics-addr")
	}

	return result
}

// Provider returns the provider of the given type, or nil.
func (r *RouterConfig) Provider(providerType string) *ProviderConfig {
	for i := range r.Providers {
		if r.Providers[i].Type == providerType {
			return &r.Providers[i]
		}
	}
	return nil
}

// SetDefaultProvider makes providerType the default. It must already be configured.
func (r *RouterConfig) SetDefaultProvider(providerType string) error {
	if r.Provider(providerType) == nil {
		return fmt.Errorf("provider not found: %s", providerType)
	}
	r.DefaultProvider = providerType
	return nil
}

// AddProvider appends a provider. Types must be unique.
func (r *RouterConfig) AddProvider(p ProviderConfig) error {
	if !slices.Contains(KnownProviders, p.Type) {
		return fmt.Errorf("unknown provider type: %s", p.Type)
	}
	if r.Provider(p.Type) != nil {
		return fmt.Errorf("provider already exists: %s", p.Type)
	}
	r.Providers = append(r.Providers, p)
	return nil
}

// RemoveProvider deletes a provider and every task mapping that points at it.
// The default provider cannot be removed.
func (r *RouterConfig) RemoveProvider(providerType string) error {
	if r.Provider(providerType) == nil {
		return fmt.Errorf("provider not found: %s", providerType)
	}
	if r.DefaultProvider == providerType {
		return fmt.Errorf("cannot remove the default provider %s", providerType)
	}

	r.Providers = slices.DeleteFunc(r.Providers, func(p ProviderConfig) bool {
		return p.Type == providerType
	})
	for task, p := range r.TaskProviders {
		if p == providerType {
			delete(r.TaskProviders, task)
		}
	}
	return nil
}

// SetTaskProvider routes task to providerType.
func (r *RouterConfig) SetTaskProvider(task, providerType string) error {
	if r.Provider(providerType) == nil {
		return fmt.Errorf("provider not found: %s", providerType)
	}
	if r.TaskProviders == nil {
		r.TaskProviders = map[string]string{}
	}
	r.TaskProviders[task] = providerType
	return nil
}

// RemoveTaskProvider deletes a task mapping.
func (r *RouterConfig) RemoveTaskProvider(task string) error {
	if _, ok := r.TaskProviders[task]; !ok {
		return fmt.Errorf("task mapping not found: %s", task)
	}
	delete(r.TaskProviders, task)
	return nil
}
