package loop

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/floegence/thinkloop/internal/provider"
)

func respondTurn(args map[string]any) func(provider.TurnRequest) (provider.TurnResult, error) {
	return func(req provider.TurnRequest) (provider.TurnResult, error) {
		return provider.TurnResult{
			FinishReason: "tool_calls",
			ToolCalls:    []provider.ToolCall{{ID: "final", Name: RespondToolName, Args: args}},
		}, nil
	}
}

func TestFormatFinalValidAnswer(t *testing.T) {
	t.Parallel()

	adapter := &stubAdapter{turns: []func(provider.TurnRequest) (provider.TurnResult, error){
		respondTurn(map[string]any{
			"thinking": "compared both sources",
			"segments": []any{
				map[string]any{"kind": "text", "text": "The answer is 42."},
				map[string]any{"kind": "artifact", "artifact_id": "art-1", "title": "Chart"},
			},
		}),
	}}

	resp, err := FormatFinal(context.Background(), slog.Default(), adapter, "m", Outcome{State: StateCompleted}, provider.SamplingParams{})
	if err != nil {
		t.Fatalf("FormatFinal: %v", err)
	}
	if resp.Degraded {
		t.Fatalf("valid answer marked degraded")
	}
	if len(resp.Segments) != 2 {
		t.Fatalf("segments=%d, want 2", len(resp.Segments))
	}
	if resp.Segments[1].Kind != "artifact" || resp.Segments[1].ArtifactID != "art-1" {
		t.Fatalf("artifact segment=%+v", resp.Segments[1])
	}
	if resp.Thinking != "compared both sources" {
		t.Fatalf("thinking=%q", resp.Thinking)
	}
}

func TestFormatFinalMissingKindFallsBack(t *testing.T) {
	t.Parallel()

	adapter := &stubAdapter{turns: []func(provider.TurnRequest) (provider.TurnResult, error){
		respondTurn(map[string]any{
			"segments": []any{map[string]any{"text": "no kind here"}},
		}),
	}}

	resp, err := FormatFinal(context.Background(), slog.Default(), adapter, "m", Outcome{State: StateCompleted, LastText: "raw thinking text"}, provider.SamplingParams{})
	if err != nil {
		t.Fatalf("FormatFinal: %v", err)
	}
	if !resp.Degraded {
		t.Fatalf("invalid answer not degraded")
	}
	if len(resp.Segments) != 1 {
		t.Fatalf("segments=%d, want 1", len(resp.Segments))
	}
	if resp.Segments[0].Kind != "text" || resp.Segments[0].Text != "raw thinking text" {
		t.Fatalf("fallback segment=%+v", resp.Segments[0])
	}
}

func TestFormatFinalModelDeclinesTool(t *testing.T) {
	t.Parallel()

	adapter := &stubAdapter{turns: []func(provider.TurnRequest) (provider.TurnResult, error){
		textTurn("plain text instead"),
	}}

	resp, err := FormatFinal(context.Background(), slog.Default(), adapter, "m", Outcome{State: StateStalled}, provider.SamplingParams{})
	if err != nil {
		t.Fatalf("FormatFinal: %v", err)
	}
	if !resp.Degraded || len(resp.Segments) != 1 {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Segments[0].Text != "plain text instead" {
		t.Fatalf("fallback text=%q", resp.Segments[0].Text)
	}
}

func TestFormatFinalNeverEmpty(t *testing.T) {
	t.Parallel()

	adapter := &stubAdapter{turns: []func(provider.TurnRequest) (provider.TurnResult, error){
		textTurn(""),
	}}

	for _, state := range []State{StateCompleted, StateExhausted, StateStalled} {
		resp, err := FormatFinal(context.Background(), slog.Default(), adapter, "m", Outcome{State: state}, provider.SamplingParams{})
		if err != nil {
			t.Fatalf("FormatFinal(%s): %v", state, err)
		}
		if len(resp.Segments) == 0 {
			t.Fatalf("state %s: empty segments", state)
		}
		for _, seg := range resp.Segments {
			if seg.Kind == "" {
				t.Fatalf("state %s: segment without kind", state)
			}
		}
	}
}

func TestFormatFinalOffersOnlyRespondTool(t *testing.T) {
	t.Parallel()

	var seen []string
	adapter := &stubAdapter{turns: []func(provider.TurnRequest) (provider.TurnResult, error){
		func(req provider.TurnRequest) (provider.TurnResult, error) {
			for _, tool := range req.Tools {
				seen = append(seen, tool.DisplayName)
			}
			return provider.TurnResult{FinishReason: "stop", Text: "t"}, nil
		},
	}}

	if _, err := FormatFinal(context.Background(), slog.Default(), adapter, "m", Outcome{}, provider.SamplingParams{}); err != nil {
		t.Fatalf("FormatFinal: %v", err)
	}
	if len(seen) != 1 || seen[0] != RespondToolName {
		t.Fatalf("offered tools=%v, want [respond]", seen)
	}
}

func TestFormatFinalPropagatesProviderError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("rate limited")
	adapter := &stubAdapter{turns: []func(provider.TurnRequest) (provider.TurnResult, error){
		func(provider.TurnRequest) (provider.TurnResult, error) { return provider.TurnResult{}, sentinel },
	}}

	if _, err := FormatFinal(context.Background(), slog.Default(), adapter, "m", Outcome{}, provider.SamplingParams{}); !errors.Is(err, sentinel) {
		t.Fatalf("err=%v, want sentinel", err)
	}
}
