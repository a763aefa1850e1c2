package provider

import (
	"encoding/json"
	"testing"
)

func TestInlineSchemaRefs(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"entity": {"$ref": "#/$defs/entity"},
			"limit": {"type": "integer"}
		},
		"required": ["entity"],
		"$defs": {
			"entity": {"type": "string", "description": "biomedical entity id"}
		}
	}`)

	schema := inlineSchemaRefs(raw)
	if _, ok := schema["$defs"]; ok {
		t.Fatalf("$defs not stripped: %v", schema)
	}
	props, _ := schema["properties"].(map[string]any)
	entity, _ := props["entity"].(map[string]any)
	if entity == nil {
		t.Fatalf("entity property missing: %v", props)
	}
	if got := entity["type"]; got != "string" {
		t.Fatalf("entity.type=%v, want string (ref not inlined)", got)
	}
}

func TestInlineSchemaRefsLeavesUnknownRefs(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"properties": {"x": {"$ref": "#/$defs/missing"}}}`)
	schema := inlineSchemaRefs(raw)
	props, _ := schema["properties"].(map[string]any)
	x, _ := props["x"].(map[string]any)
	if x == nil || x["$ref"] != "#/$defs/missing" {
		t.Fatalf("unknown ref rewritten: %v", props)
	}
}

func TestInlineSchemaRefsBoundsRecursion(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"properties": {"node": {"$ref": "#/$defs/node"}},
		"$defs": {"node": {"$ref": "#/$defs/node"}}
	}`)
	// Must terminate; the exact shape of the capped expansion is not part of
	// the contract.
	_ = inlineSchemaRefs(raw)
}

func TestInlineSchemaRefsEmptyInput(t *testing.T) {
	t.Parallel()

	schema := inlineSchemaRefs(nil)
	if schema == nil {
		t.Fatalf("nil schema for empty input")
	}
}
