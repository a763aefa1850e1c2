package registry

import (
	"fmt"
	"strings"
)

// Canonical names separate server and tool with ':', which neither provider's
// tool-name grammar accepts. EncodeDisplayName rewrites the separator with a
// '_'-escape so the mapping stays invertible:
//
//	':'  ->  "__"
//	'_'  ->  "_-"
//
// DecodeDisplayName is the exact inverse and rejects any other '_' pairing,
// so resolve(encode(x)) == x holds for every canonical name.

// EncodeDisplayName derives the provider-safe display name for a canonical
// tool name. It fails when the result would still leave the provider grammar
// ([A-Za-z0-9_-]).
func EncodeDisplayName(canonical string) (string, error) {
	canonical = strings.TrimSpace(canonical)
	if canonical == "" {
		return "", fmt.Errorf("empty canonical name")
	}
	var sb strings.Builder
	sb.Grow(len(canonical) + 2)
	for _, ch := range canonical {
		switch {
		case ch == ':':
			sb.WriteString("__")
		case ch == '_':
			sb.WriteString("_-")
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-':
			sb.WriteRune(ch)
		default:
			return "", fmt.Errorf("canonical name %q contains %q, outside the provider tool-name grammar", canonical, string(ch))
		}
	}
	return sb.String(), nil
}

// DecodeDisplayName inverts EncodeDisplayName.
func DecodeDisplayName(display string) (string, error) {
	display = strings.TrimSpace(display)
	if display == "" {
		return "", fmt.Errorf("empty display name")
	}
	var sb strings.Builder
	sb.Grow(len(display))
	runes := []rune(display)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if ch != '_' {
			sb.WriteRune(ch)
			continue
		}
		if i+1 >= len(runes) {
			return "", fmt.Errorf("display name %q: dangling escape", display)
		}
		i++
		switch runes[i] {
		case '_':
			sb.WriteRune(':')
		case '-':
			sb.WriteRune('_')
		default:
			return "", fmt.Errorf("display name %q: invalid escape %q", display, "_"+string(runes[i]))
		}
	}
	return sb.String(), nil
}
