package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for thinkloop.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys come from
//     per-provider environment variables (see Provider.APIKeyEnv).
//   - Field names are snake_case across the whole config surface.
type Config struct {
	// Providers is the provider registry available to sessions.
	//
	// Providers own their allowed model list; exactly one provider model must
	// be marked as default via models[].is_default.
	Providers []Provider `json:"providers"`

	// ToolServersManifest is an optional path to the YAML tool-server
	// manifest. When empty, only the built-in sysmon server is available.
	ToolServersManifest string `json:"tool_servers_manifest,omitempty"`

	// Transcript controls session persistence.
	Transcript TranscriptConfig `json:"transcript,omitempty"`

	Loop  LoopConfig  `json:"loop,omitempty"`
	Retry RetryConfig `json:"retry,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

type Provider struct {
	// ID is a stable internal id (primary key). It must not change once used
	// for model routing.
	ID string `json:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `json:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for
	// openai_compatible; optional otherwise.
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the api key.
	// Defaults to THINKLOOP_<ID>_API_KEY.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// Models is the allowed model list for this provider.
	Models []ProviderModel `json:"models,omitempty"`
}

type ProviderModel struct {
	ModelName string `json:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `json:"is_default,omitempty"`
}

type TranscriptConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// Path to the sqlite file. Defaults to transcript.sqlite under the
	// config directory.
	Path string `json:"path,omitempty"`
}

type LoopConfig struct {
	MaxSteps            int `json:"max_steps,omitempty"`
	StagnationThreshold int `json:"stagnation_threshold,omitempty"`
	Parallelism         int `json:"parallelism,omitempty"`
}

type RetryConfig struct {
	MaxAttempts   int   `json:"max_attempts,omitempty"`
	BackoffBaseMs int64 `json:"backoff_base_ms,omitempty"`
	BackoffCapMs  int64 `json:"backoff_cap_ms,omitempty"`
}

// APIKey reads the provider's key from its environment variable.
func (p Provider) APIKey() string {
	return strings.TrimSpace(os.Getenv(p.KeyEnvName()))
}

func (p Provider) KeyEnvName() string {
	if env := strings.TrimSpace(p.APIKeyEnv); env != "" {
		return env
	}
	id := strings.ToUpper(strings.TrimSpace(p.ID))
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
	return "THINKLOOP_" + id + "_API_KEY"
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		for j, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if m.IsDefault {
				defaultCount++
			}
		}
	}
	if defaultCount != 1 {
		return fmt.Errorf("exactly one providers[].models[].is_default must be true (got %d)", defaultCount)
	}

	if format := strings.TrimSpace(strings.ToLower(c.LogFormat)); format != "" && format != "json" && format != "text" {
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch level := strings.TrimSpace(strings.ToLower(c.LogLevel)); level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if c.Loop.MaxSteps < 0 {
		return fmt.Errorf("invalid loop.max_steps %d", c.Loop.MaxSteps)
	}
	if c.Loop.StagnationThreshold < 0 {
		return fmt.Errorf("invalid loop.stagnation_threshold %d", c.Loop.StagnationThreshold)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("invalid retry.max_attempts %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffBaseMs < 0 || c.Retry.BackoffCapMs < 0 {
		return errors.New("invalid retry backoff values")
	}
	return nil
}

// DefaultProviderModel returns the provider and model marked is_default.
func (c *Config) DefaultProviderModel() (Provider, string, error) {
	if c == nil {
		return Provider{}, "", errors.New("nil config")
	}
	for _, p := range c.Providers {
		for _, m := range p.Models {
			if m.IsDefault {
				return p, strings.TrimSpace(m.ModelName), nil
			}
		}
	}
	return Provider{}, "", errors.New("no default model configured")
}

// FindProvider returns the provider with the given id.
func (c *Config) FindProvider(id string) (Provider, bool) {
	id = strings.TrimSpace(id)
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == id {
			return p, true
		}
	}
	return Provider{}, false
}

// DefaultConfigPath returns the default config path:
//
//	~/.thinkloop/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "thinkloop.config.json"
	}
	return filepath.Join(home, ".thinkloop", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
