package loop

import "testing"

func TestCallSignatureStableUnderKeyOrder(t *testing.T) {
	t.Parallel()

	a := callSignature("srv:lookup", map[string]any{"q": "x", "limit": 5, "nested": map[string]any{"b": 2, "a": 1}})
	b := callSignature("srv:lookup", map[string]any{"nested": map[string]any{"a": 1, "b": 2}, "limit": 5, "q": "x"})
	if a != b {
		t.Fatalf("signatures differ under key reorder: %s vs %s", a, b)
	}
}

func TestCallSignatureDiscriminates(t *testing.T) {
	t.Parallel()

	base := callSignature("srv:lookup", map[string]any{"q": "x"})
	if got := callSignature("srv:lookup", map[string]any{"q": "y"}); got == base {
		t.Fatalf("different args share a signature")
	}
	if got := callSignature("srv:other", map[string]any{"q": "x"}); got == base {
		t.Fatalf("different tools share a signature")
	}
	if got := callSignature("", map[string]any{"q": "x"}); got != "" {
		t.Fatalf("empty name yielded signature %q", got)
	}
}

func TestSessionRecordBounded(t *testing.T) {
	t.Parallel()

	s := newSession(10)
	first := callSignature("srv:t", map[string]any{"i": 0})
	for i := 0; i < maxRecentSignatures+1; i++ {
		s.record(callSignature("srv:t", map[string]any{"i": i}))
	}
	if len(s.sigs) != maxRecentSignatures {
		t.Fatalf("set size=%d, want %d", len(s.sigs), maxRecentSignatures)
	}
	if s.seen(first) {
		t.Fatalf("oldest signature not evicted")
	}
}
