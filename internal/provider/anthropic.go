package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/floegence/thinkloop/internal/registry"
)

type anthropicAdapter struct {
	client anthropic.Client
}

func (p *anthropicAdapter) Name() string { return "anthropic" }

func (p *anthropicAdapter) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil adapter")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
		Tools:     buildAnthropicTools(req.Tools),
	}
	if req.Sampling.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.Sampling.MaxOutputTokens)
	}
	if req.Sampling.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Sampling.Temperature)
	}
	if req.Sampling.TopP != nil {
		params.TopP = anthropic.Float(*req.Sampling.TopP)
	}
	if system := collectSystemPrompt(req.Messages); strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: strings.TrimSpace(system)}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return TurnResult{}, err
	}
	if msg == nil {
		return TurnResult{}, errors.New("empty anthropic response")
	}

	result := TurnResult{
		FinishReason: mapAnthropicStopReason(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	result.Text, result.ToolCalls = extractAnthropicContent(*msg)
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

// buildAnthropicTools is the formatTools capability for this backend. Schema
// refs are inlined before emission; Anthropic strict mode rejects unresolved
// composition.
func buildAnthropicTools(defs []registry.Descriptor) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.DisplayName)
		if name == "" {
			continue
		}
		schemaMap := inlineSchemaRefs(def.InputSchema)
		required, _ := toStringSlice(schemaMap["required"])
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schemaMap["properties"], Required: required},
			Strict:      anthropic.Bool(true),
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// buildAnthropicMessages is the formatHistory capability: canonical turns
// (including tool_call and tool_result parts) become Messages API turns.
func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role == "system" {
			continue
		}
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content)+1)
		for _, part := range msg.Content {
			switch strings.ToLower(strings.TrimSpace(part.Type)) {
			case "tool_call":
				callID := strings.TrimSpace(part.ToolCallID)
				name := strings.TrimSpace(part.ToolName)
				if callID == "" || name == "" {
					continue
				}
				rawArgs := strings.TrimSpace(part.ArgsJSON)
				if rawArgs == "" || !json.Valid([]byte(rawArgs)) {
					rawArgs = "{}"
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(callID, json.RawMessage(rawArgs), name))
			case "tool_result":
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				content := strings.TrimSpace(part.Text)
				if content == "" && len(part.JSON) > 0 {
					content = string(part.JSON)
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(callID, content, part.IsError))
			default:
				if txt := strings.TrimSpace(part.Text); txt != "" {
					blocks = append(blocks, anthropic.NewTextBlock(txt))
				}
			}
		}
		if len(blocks) == 0 {
			if txt := joinMessageText(msg); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch role {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			// Tool results ride on user turns, per the Messages API convention.
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

// extractAnthropicContent is the extractToolCalls capability. A tool_use
// block with undecodable input still yields a call with empty args so the
// loop can answer it with a recoverable argument error.
func extractAnthropicContent(msg anthropic.Message) (string, []ToolCall) {
	var sb strings.Builder
	var calls []ToolCall
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if txt := strings.TrimSpace(variant.Text); txt != "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(txt)
			}
		case anthropic.ToolUseBlock:
			callID := strings.TrimSpace(variant.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(calls)+1)
			}
			args := map[string]any{}
			if len(variant.Input) > 0 {
				_ = json.Unmarshal(variant.Input, &args)
			}
			calls = append(calls, ToolCall{ID: callID, Name: strings.TrimSpace(variant.Name), Args: args})
		}
	}
	return sb.String(), calls
}

func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "refusal":
		return "content_filter"
	default:
		return "unknown"
	}
}

func toStringSlice(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
		return out, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _ := item.(string)
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
