// Package provider adapts the canonical conversation representation to each
// supported model backend's calling convention.
//
// One adapter exists per backend. Each one implements the same capability
// set (format tools, format history, extract tool calls, format tool
// results) against its own SDK, behind the single Turn entry point.
// Selection happens once per session from the configured provider type,
// never via reflection.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/floegence/thinkloop/internal/registry"
)

// ContentPart is one typed segment of a canonical message.
type ContentPart struct {
	Type       string `json:"type"` // text | tool_call | tool_result
	Text       string `json:"text,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ArgsJSON   string `json:"args_json,omitempty"`
	JSON       []byte `json:"json,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one canonical conversation turn.
type Message struct {
	Role    string        `json:"role"` // system | user | assistant | tool
	Content []ContentPart `json:"content"`
}

// SamplingParams are the generation controls a caller can set. The retry
// supervisor relaxes them deterministically between attempts.
type SamplingParams struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}

// TurnRequest is one model turn in canonical form.
type TurnRequest struct {
	Model    string
	Messages []Message
	Tools    []registry.Descriptor
	Sampling SamplingParams
}

// ToolCall is a tool invocation request extracted from a model turn.
// Name is the provider-facing display name; resolution back to a canonical
// tool is the registry's job.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// TurnResult is the normalized outcome of one model turn. Zero tool calls
// signals the model produced only text.
type TurnResult struct {
	FinishReason string     `json:"finish_reason"`
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage,omitempty"`
}

// Adapter is the normalized backend contract.
type Adapter interface {
	Name() string
	Turn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

const defaultMaxOutputTokens = 4096

// New constructs the adapter for a provider type. The set of backends is
// closed; unknown types are an error, not a fallback.
func New(providerType, baseURL, apiKey string) (Adapter, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAIAdapter{
			client:           openai.NewClient(opts...),
			strictToolSchema: providerType == "openai" && strings.TrimSpace(baseURL) == "",
		}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicAdapter{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

func collectSystemPrompt(messages []Message) string {
	parts := make([]string, 0, 2)
	for _, msg := range messages {
		if strings.ToLower(strings.TrimSpace(msg.Role)) != "system" {
			continue
		}
		if txt := joinMessageText(msg); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n\n")
}

func joinMessageText(msg Message) string {
	parts := make([]string, 0, len(msg.Content))
	for _, part := range msg.Content {
		if strings.ToLower(strings.TrimSpace(part.Type)) != "text" {
			continue
		}
		if txt := strings.TrimSpace(part.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n")
}
