package toolcall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type stubClient struct {
	mu       sync.Mutex
	lastArgs map[string]any
	delay    time.Duration
	err      error
	output   *CallOutput
}

func (c *stubClient) ListTools(ctx context.Context) ([]ToolSpec, error) {
	return []ToolSpec{{Name: "echo"}}, nil
}

func (c *stubClient) CallTool(ctx context.Context, name string, args map[string]any) (*CallOutput, error) {
	c.mu.Lock()
	c.lastArgs = args
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	if c.output != nil {
		return c.output, nil
	}
	return &CallOutput{Segments: []Segment{{Kind: "text", Text: "ok"}}}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestInvokeTimeoutBecomesErrorSegment(t *testing.T) {
	t.Parallel()

	inv := NewInvoker(testLogger())
	if err := inv.AddServer("slow", &stubClient{delay: time.Second}, ServerOptions{Timeout: 20 * time.Millisecond}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	res := inv.Invoke(context.Background(), "slow", "echo", nil, SessionContext{}, "corr_1")
	if res.ErrorCode != ErrorCodeTimeout {
		t.Fatalf("error_code=%s, want %s", res.ErrorCode, ErrorCodeTimeout)
	}
	if len(res.Segments) != 1 || !res.Segments[0].IsError {
		t.Fatalf("expected one error-flagged segment, got %+v", res.Segments)
	}
	if !res.Failed() {
		t.Fatalf("Failed() = false for a timeout result")
	}
}

func TestInvokeUnknownServer(t *testing.T) {
	t.Parallel()

	inv := NewInvoker(testLogger())
	res := inv.Invoke(context.Background(), "ghost", "echo", nil, SessionContext{}, "corr_1")
	if res.ErrorCode != ErrorCodeUnreachable {
		t.Fatalf("error_code=%s, want %s", res.ErrorCode, ErrorCodeUnreachable)
	}
}

func TestInvokeContextAwareInjection(t *testing.T) {
	t.Parallel()

	aware := &stubClient{}
	plain := &stubClient{}
	inv := NewInvoker(testLogger())
	if err := inv.AddServer("aware", aware, ServerOptions{ContextAware: true}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := inv.AddServer("plain", plain, ServerOptions{}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	sess := SessionContext{ConversationID: "conv_42"}
	inv.Invoke(context.Background(), "aware", "echo", map[string]any{"q": "x"}, sess, "c1")
	inv.Invoke(context.Background(), "plain", "echo", map[string]any{"q": "x"}, sess, "c2")

	if got := aware.lastArgs["conversation_id"]; got != "conv_42" {
		t.Fatalf("context-aware server args missing conversation_id, got %v", aware.lastArgs)
	}
	if _, leaked := plain.lastArgs["conversation_id"]; leaked {
		t.Fatalf("conversation_id leaked into non-context-aware server args")
	}
}

func TestInvokeContextAwareDoesNotOverrideCallerValue(t *testing.T) {
	t.Parallel()

	aware := &stubClient{}
	inv := NewInvoker(testLogger())
	if err := inv.AddServer("aware", aware, ServerOptions{ContextAware: true}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	inv.Invoke(context.Background(), "aware", "echo", map[string]any{"conversation_id": "explicit"}, SessionContext{ConversationID: "ambient"}, "c1")
	if got := aware.lastArgs["conversation_id"]; got != "explicit" {
		t.Fatalf("conversation_id=%v, want explicit", got)
	}
}

func TestInvokeDuplicateCorrelation(t *testing.T) {
	t.Parallel()

	slow := &stubClient{delay: 200 * time.Millisecond}
	inv := NewInvoker(testLogger())
	if err := inv.AddServer("s", slow, ServerOptions{}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	done := make(chan Result, 1)
	go func() {
		done <- inv.Invoke(context.Background(), "s", "echo", nil, SessionContext{}, "dup")
	}()
	time.Sleep(50 * time.Millisecond)
	second := inv.Invoke(context.Background(), "s", "echo", nil, SessionContext{}, "dup")
	if second.ErrorCode != ErrorCodeDuplicate {
		t.Fatalf("error_code=%s, want %s", second.ErrorCode, ErrorCodeDuplicate)
	}
	first := <-done
	if first.Failed() {
		t.Fatalf("first invocation failed: %+v", first)
	}
}

func TestInvokeTransportError(t *testing.T) {
	t.Parallel()

	inv := NewInvoker(testLogger())
	if err := inv.AddServer("s", &stubClient{err: errors.New("connection refused")}, ServerOptions{}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	res := inv.Invoke(context.Background(), "s", "echo", nil, SessionContext{}, "c1")
	if res.ErrorCode != ErrorCodeUnreachable {
		t.Fatalf("error_code=%s, want %s", res.ErrorCode, ErrorCodeUnreachable)
	}
	if len(res.Segments) == 0 || !res.Segments[0].IsError {
		t.Fatalf("expected error segment, got %+v", res.Segments)
	}
}
