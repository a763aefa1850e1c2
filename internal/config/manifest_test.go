package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadManifest(t *testing.T) {
	t.Parallel()

	raw := `
servers:
  - id: sysmon
    kind: builtin
    timeout_ms: 5000
  - id: planner
    kind: builtin
    category: reasoning
    context_aware: true
blocked_servers:
  - legacy
allowed_tools:
  sysmon:
    - status
`
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Servers) != 2 {
		t.Fatalf("servers=%d, want 2", len(m.Servers))
	}
	if m.Servers[0].Timeout() != 5*time.Second {
		t.Fatalf("timeout=%s", m.Servers[0].Timeout())
	}
	if m.Servers[1].Category != "reasoning" || !m.Servers[1].ContextAware {
		t.Fatalf("server=%+v", m.Servers[1])
	}
	if len(m.BlockedServers) != 1 || m.BlockedServers[0] != "legacy" {
		t.Fatalf("blocked=%v", m.BlockedServers)
	}
	if got := m.AllowedTools["sysmon"]; len(got) != 1 || got[0] != "status" {
		t.Fatalf("allowed=%v", m.AllowedTools)
	}
}

func TestManifestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		m    Manifest
	}{
		{"missing id", Manifest{Servers: []ManifestServer{{}}}},
		{"colon in id", Manifest{Servers: []ManifestServer{{ID: "a:b"}}}},
		{"duplicate id", Manifest{Servers: []ManifestServer{{ID: "a"}, {ID: "a"}}}},
		{"unknown kind", Manifest{Servers: []ManifestServer{{ID: "a", Kind: "remote"}}}},
		{"negative timeout", Manifest{Servers: []ManifestServer{{ID: "a", TimeoutMs: -1}}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.m.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
