package provider

import (
	"encoding/json"
	"testing"

	"github.com/floegence/thinkloop/internal/registry"
)

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	if _, err := New("gemini", "", "key"); err == nil {
		t.Fatalf("expected error for unknown provider type")
	}
	if _, err := New("anthropic", "", ""); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestNewKnownProviders(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{"anthropic", "openai", "openai_compatible"} {
		adapter, err := New(typ, "", "test-key")
		if err != nil {
			t.Fatalf("New(%q): %v", typ, err)
		}
		if adapter == nil {
			t.Fatalf("New(%q): nil adapter", typ)
		}
	}
}

func TestBuildAnthropicMessagesRoles(t *testing.T) {
	t.Parallel()

	messages := []Message{
		{Role: "system", Content: []ContentPart{{Type: "text", Text: "be brief"}}},
		{Role: "user", Content: []ContentPart{{Type: "text", Text: "hello"}}},
		{Role: "assistant", Content: []ContentPart{{Type: "tool_call", ToolCallID: "c1", ToolName: "srv__lookup", ArgsJSON: `{"q":"x"}`}}},
		{Role: "tool", Content: []ContentPart{{Type: "tool_result", ToolCallID: "c1", Text: "result"}}},
	}
	out := buildAnthropicMessages(messages)
	// System turns are hoisted into the system prompt, not the message list.
	if len(out) != 3 {
		t.Fatalf("messages=%d, want 3", len(out))
	}
	if collectSystemPrompt(messages) != "be brief" {
		t.Fatalf("system prompt=%q", collectSystemPrompt(messages))
	}
}

func TestBuildAnthropicMessagesNeverEmpty(t *testing.T) {
	t.Parallel()

	out := buildAnthropicMessages(nil)
	if len(out) != 1 {
		t.Fatalf("messages=%d, want 1 fallback turn", len(out))
	}
}

func TestBuildOpenAIInputMapsToolTurns(t *testing.T) {
	t.Parallel()

	messages := []Message{
		{Role: "system", Content: []ContentPart{{Type: "text", Text: "sys a"}}},
		{Role: "system", Content: []ContentPart{{Type: "text", Text: "sys b"}}},
		{Role: "user", Content: []ContentPart{{Type: "text", Text: "hi"}}},
		{Role: "assistant", Content: []ContentPart{{Type: "tool_call", ToolCallID: "c1", ToolName: "srv__lookup", ArgsJSON: `{"q":1}`}}},
		{Role: "tool", Content: []ContentPart{{Type: "tool_result", ToolCallID: "c1", JSON: []byte(`{"ok":true}`)}}},
	}
	items, instructions := buildOpenAIInput(messages)
	if instructions != "sys a\n\nsys b" {
		t.Fatalf("instructions=%q", instructions)
	}
	if len(items) != 3 {
		t.Fatalf("items=%d, want 3 (user, function_call, function_call_output)", len(items))
	}
}

func TestBuildToolsUseDisplayNames(t *testing.T) {
	t.Parallel()

	defs := []registry.Descriptor{
		{Server: "srv", Name: "lookup", DisplayName: "srv__lookup", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`)},
		{Server: "srv", Name: ""},
	}
	atools := buildAnthropicTools(defs)
	if len(atools) != 1 {
		t.Fatalf("anthropic tools=%d, want 1", len(atools))
	}
	if got := atools[0].OfTool.Name; got != "srv__lookup" {
		t.Fatalf("anthropic tool name=%q", got)
	}
	otools := buildOpenAITools(defs, true)
	if len(otools) != 1 {
		t.Fatalf("openai tools=%d, want 1", len(otools))
	}
}
