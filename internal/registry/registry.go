// Package registry builds the tool snapshot a thinking session works against.
//
// Tool servers own short local tool names. The registry namespaces them into
// canonical names ("serverID:toolName"), applies the configured filters, and
// derives the provider-safe display name each descriptor is advertised under.
// A snapshot is immutable after construction and safe to share across
// concurrent sessions.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CategoryReasoning marks servers whose tools would let the model re-enter a
// thinking loop. They are excluded from every snapshot, regardless of filters.
const CategoryReasoning = "reasoning"

// Descriptor is one tool as advertised to the model.
type Descriptor struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// DisplayName is derived during snapshot construction.
	DisplayName string `json:"display_name,omitempty"`
}

// Canonical returns the durable server-qualified identity of the tool.
func (d Descriptor) Canonical() string {
	return strings.TrimSpace(d.Server) + ":" + strings.TrimSpace(d.Name)
}

// Filters narrows the discovered tool set.
//
// BlockedServers wins over everything: an allow-list entry naming a blocked
// server's tool does not resurrect it. AllowedTools is per server; a server
// without an entry keeps all of its tools.
type Filters struct {
	BlockedServers []string            `json:"blocked_servers,omitempty"`
	AllowedTools   map[string][]string `json:"allowed_tools,omitempty"`
}

// Snapshot is an immutable, filtered view of the discovered tools.
type Snapshot struct {
	tools     []Descriptor
	byDisplay map[string]Descriptor
}

// NewSnapshot filters and namespaces raw descriptors.
//
// Construction fails when two surviving descriptors share a canonical name:
// the display-name mapping must stay a bijection within one snapshot.
func NewSnapshot(raw []Descriptor, filters Filters) (*Snapshot, error) {
	blocked := make(map[string]struct{}, len(filters.BlockedServers))
	for _, id := range filters.BlockedServers {
		id = strings.TrimSpace(id)
		if id != "" {
			blocked[id] = struct{}{}
		}
	}
	allowed := make(map[string]map[string]struct{}, len(filters.AllowedTools))
	for server, names := range filters.AllowedTools {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		set := make(map[string]struct{}, len(names))
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n != "" {
				set[n] = struct{}{}
			}
		}
		allowed[server] = set
	}

	s := &Snapshot{byDisplay: make(map[string]Descriptor, len(raw))}
	for _, d := range raw {
		d.Server = strings.TrimSpace(d.Server)
		d.Name = strings.TrimSpace(d.Name)
		if d.Server == "" || d.Name == "" {
			continue
		}
		if _, ok := blocked[d.Server]; ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(d.Category), CategoryReasoning) {
			continue
		}
		if set, ok := allowed[d.Server]; ok {
			if _, ok := set[d.Name]; !ok {
				continue
			}
		}
		display, err := EncodeDisplayName(d.Canonical())
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Canonical(), err)
		}
		if prev, ok := s.byDisplay[display]; ok {
			return nil, fmt.Errorf("display name collision: %s and %s both encode to %q", prev.Canonical(), d.Canonical(), display)
		}
		d.DisplayName = display
		s.byDisplay[display] = d
		s.tools = append(s.tools, d)
	}
	sort.Slice(s.tools, func(i, j int) bool { return s.tools[i].Canonical() < s.tools[j].Canonical() })
	return s, nil
}

// Tools returns the surviving descriptors in canonical order.
func (s *Snapshot) Tools() []Descriptor {
	if s == nil {
		return nil
	}
	return append([]Descriptor(nil), s.tools...)
}

// Resolve maps a display name back to its descriptor. It is a pure lookup:
// an unknown display name is reported, never guessed at.
func (s *Snapshot) Resolve(displayName string) (Descriptor, bool) {
	if s == nil {
		return Descriptor{}, false
	}
	d, ok := s.byDisplay[strings.TrimSpace(displayName)]
	return d, ok
}

// Len reports how many tools survived filtering.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}
