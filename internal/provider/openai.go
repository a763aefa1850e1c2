package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/floegence/thinkloop/internal/registry"
)

type openAIAdapter struct {
	client           openai.Client
	strictToolSchema bool
}

func (p *openAIAdapter) Name() string { return "openai" }

func (p *openAIAdapter) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil adapter")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.Sampling.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.Sampling.MaxOutputTokens))
	}
	if req.Sampling.Temperature != nil {
		params.Temperature = openai.Float(*req.Sampling.Temperature)
	}
	if req.Sampling.TopP != nil {
		params.TopP = openai.Float(*req.Sampling.TopP)
	}

	inputItems, instructions := buildOpenAIInput(req.Messages)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if strings.TrimSpace(instructions) != "" {
		params.Instructions = openai.String(strings.TrimSpace(instructions))
	}
	if tools := buildOpenAITools(req.Tools, p.strictToolSchema); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return TurnResult{}, err
	}
	if resp == nil {
		return TurnResult{}, errors.New("empty openai response")
	}

	result := TurnResult{
		FinishReason: mapOpenAIStatus(resp.Status),
		Text:         strings.TrimSpace(extractOpenAIResponseText(*resp)),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	result.ToolCalls = extractOpenAIToolCalls(*resp)
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

// buildOpenAITools is the formatTools capability for the Responses API.
func buildOpenAITools(defs []registry.Descriptor, strict bool) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.DisplayName)
		if name == "" {
			continue
		}
		schema := inlineSchemaRefs(def.InputSchema)
		out = append(out, oresponses.ToolParamOfFunction(name, schema, strict))
	}
	return out
}

// buildOpenAIInput is the formatHistory capability: canonical turns become
// Responses API input items. System turns collapse into instructions;
// assistant tool_call parts become function_call items and tool turns become
// function_call_output items (the formatToolResult capability for this
// backend).
func buildOpenAIInput(messages []Message) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	instructions := ""
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "system":
			if txt := joinMessageText(msg); txt != "" {
				if instructions == "" {
					instructions = txt
				} else {
					instructions += "\n\n" + txt
				}
			}
		case "tool":
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != "tool_result" {
					continue
				}
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				output := strings.TrimSpace(part.Text)
				if output == "" && len(part.JSON) > 0 {
					output = string(part.JSON)
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, output))
			}
		case "assistant":
			for _, part := range msg.Content {
				switch strings.ToLower(strings.TrimSpace(part.Type)) {
				case "tool_call":
					callID := strings.TrimSpace(part.ToolCallID)
					name := strings.TrimSpace(part.ToolName)
					if callID == "" || name == "" {
						continue
					}
					argsRaw := strings.TrimSpace(part.ArgsJSON)
					if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
						argsRaw = "{}"
					}
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
				case "text":
					if txt := strings.TrimSpace(part.Text); txt != "" {
						items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
					}
				}
			}
		default:
			if txt := joinMessageText(msg); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items, instructions
}

// extractOpenAIToolCalls is the extractToolCalls capability.
func extractOpenAIToolCalls(resp oresponses.Response) []ToolCall {
	var calls []ToolCall
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "function_call" {
			continue
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = strings.TrimSpace(item.ID)
		}
		if callID == "" {
			callID = fmt.Sprintf("openai_call_%d", len(calls)+1)
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(item.Arguments); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		calls = append(calls, ToolCall{ID: callID, Name: strings.TrimSpace(item.Name), Args: args})
	}
	return calls
}

func extractOpenAIResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}

func mapOpenAIStatus(status oresponses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	case "failed", "cancelled":
		return "error"
	default:
		return "unknown"
	}
}
