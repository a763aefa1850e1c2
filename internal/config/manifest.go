package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest declares the tool servers available to sessions and the default
// filters applied to discovery.
type Manifest struct {
	Servers []ManifestServer `yaml:"servers"`

	// BlockedServers and AllowedTools are the default registry filters.
	// Blocking wins over any allow entry.
	BlockedServers []string            `yaml:"blocked_servers,omitempty"`
	AllowedTools   map[string][]string `yaml:"allowed_tools,omitempty"`
}

type ManifestServer struct {
	ID string `yaml:"id"`

	// Kind selects the client implementation. Only "builtin" servers ship
	// with the binary; anything else is wired by the embedding application.
	Kind string `yaml:"kind,omitempty"`

	// Category groups the server's tools. Servers in the "reasoning"
	// category never reach the model.
	Category string `yaml:"category,omitempty"`

	// TimeoutMs bounds one call to this server. Zero means the default.
	TimeoutMs int64 `yaml:"timeout_ms,omitempty"`

	// ContextAware servers receive the ambient conversation id in their
	// arguments.
	ContextAware bool `yaml:"context_aware,omitempty"`
}

const ServerKindBuiltin = "builtin"

func (m *Manifest) Validate() error {
	if m == nil {
		return errors.New("nil manifest")
	}
	seen := make(map[string]struct{}, len(m.Servers))
	for i, srv := range m.Servers {
		id := strings.TrimSpace(srv.ID)
		if id == "" {
			return fmt.Errorf("servers[%d]: missing id", i)
		}
		if strings.Contains(id, ":") {
			return fmt.Errorf("servers[%d]: invalid id %q (must not contain :)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if kind := strings.TrimSpace(srv.Kind); kind != "" && kind != ServerKindBuiltin {
			return fmt.Errorf("servers[%d]: unsupported kind %q", i, srv.Kind)
		}
		if srv.TimeoutMs < 0 {
			return fmt.Errorf("servers[%d]: invalid timeout_ms %d", i, srv.TimeoutMs)
		}
	}
	return nil
}

// Timeout converts the per-server timeout to a duration.
func (s ManifestServer) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
