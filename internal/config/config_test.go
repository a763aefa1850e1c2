package config

import (
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Providers: []Provider{
			{
				ID:   "anthropic-main",
				Type: "anthropic",
				Models: []ProviderModel{
					{ModelName: "claude-sonnet-4-5", IsDefault: true},
				},
			},
			{
				ID:      "local",
				Type:    "openai_compatible",
				BaseURL: "http://localhost:11434/v1",
				Models:  []ProviderModel{{ModelName: "llama3"}},
			},
		},
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"missing id", func(c *Config) { c.Providers[0].ID = "" }},
		{"duplicate id", func(c *Config) { c.Providers[1].ID = c.Providers[0].ID }},
		{"bad type", func(c *Config) { c.Providers[0].Type = "gemini" }},
		{"compatible without base_url", func(c *Config) { c.Providers[1].BaseURL = "" }},
		{"bad base_url scheme", func(c *Config) { c.Providers[1].BaseURL = "ftp://x" }},
		{"no models", func(c *Config) { c.Providers[1].Models = nil }},
		{"no default model", func(c *Config) { c.Providers[0].Models[0].IsDefault = false }},
		{"two default models", func(c *Config) { c.Providers[1].Models[0].IsDefault = true }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
		{"negative max steps", func(c *Config) { c.Loop.MaxSteps = -1 }},
		{"negative backoff", func(c *Config) { c.Retry.BackoffBaseMs = -1 }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := validConfig()
	cfg.Loop.MaxSteps = 12
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Loop.MaxSteps != 12 {
		t.Fatalf("max_steps=%d, want 12", loaded.Loop.MaxSteps)
	}
	provider, model, err := loaded.DefaultProviderModel()
	if err != nil {
		t.Fatalf("DefaultProviderModel: %v", err)
	}
	if provider.ID != "anthropic-main" || model != "claude-sonnet-4-5" {
		t.Fatalf("default=%s/%s", provider.ID, model)
	}
}

func TestKeyEnvName(t *testing.T) {
	t.Parallel()

	p := Provider{ID: "anthropic-main"}
	if got := p.KeyEnvName(); got != "THINKLOOP_ANTHROPIC_MAIN_API_KEY" {
		t.Fatalf("KeyEnvName=%q", got)
	}
	p.APIKeyEnv = "MY_KEY"
	if got := p.KeyEnvName(); got != "MY_KEY" {
		t.Fatalf("KeyEnvName override=%q", got)
	}
}

func TestAPIKeyFromEnv(t *testing.T) {
	p := Provider{ID: "envtest"}
	t.Setenv("THINKLOOP_ENVTEST_API_KEY", " secret ")
	if got := p.APIKey(); got != "secret" {
		t.Fatalf("APIKey=%q", got)
	}
}
