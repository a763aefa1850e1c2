package provider

import (
	"encoding/json"
	"strings"
)

// Backends differ in whether they accept JSON Schema composition, so local
// "$ref" pointers into "$defs"/"definitions" are inlined before a schema is
// emitted in a request. External refs and unknown pointers are left as-is;
// the depth cap keeps recursive schemas from expanding forever.
const maxRefDepth = 16

func inlineSchemaRefs(raw json.RawMessage) map[string]any {
	schema := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}
	defs := collectLocalDefs(schema)
	inlined, _ := inlineRefsValue(schema, defs, 0).(map[string]any)
	if inlined == nil {
		return map[string]any{}
	}
	delete(inlined, "$defs")
	delete(inlined, "definitions")
	return inlined
}

func collectLocalDefs(schema map[string]any) map[string]any {
	defs := map[string]any{}
	for _, key := range []string{"$defs", "definitions"} {
		section, _ := schema[key].(map[string]any)
		for name, def := range section {
			defs["#/"+key+"/"+name] = def
		}
	}
	return defs
}

func inlineRefsValue(v any, defs map[string]any, depth int) any {
	if depth > maxRefDepth {
		return v
	}
	switch x := v.(type) {
	case map[string]any:
		if ref, ok := x["$ref"].(string); ok && len(x) == 1 {
			if target, found := defs[strings.TrimSpace(ref)]; found {
				return inlineRefsValue(target, defs, depth+1)
			}
			return x
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = inlineRefsValue(val, defs, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = inlineRefsValue(x[i], defs, depth+1)
		}
		return out
	default:
		return v
	}
}
