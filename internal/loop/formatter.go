package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/thinkloop/internal/provider"
	"github.com/floegence/thinkloop/internal/registry"
)

// RespondToolName is the final-answer tool offered on the formatting turn.
const RespondToolName = "respond"

const respondInstruction = "Produce your final answer now by calling the respond tool exactly once. Do not call any other tool."

var respondSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"thinking": {
			"type": "string",
			"description": "Optional short recap of the reasoning behind the answer."
		},
		"segments": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"kind": {"type": "string", "enum": ["text", "artifact"]},
					"text": {"type": "string"},
					"artifact_id": {"type": "string"},
					"title": {"type": "string"}
				},
				"required": ["kind"]
			}
		}
	},
	"required": ["segments"]
}`)

// ResponseSegment is one typed element of the final answer.
type ResponseSegment struct {
	Kind       string `json:"kind"` // text | artifact
	Text       string `json:"text,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Title      string `json:"title,omitempty"`
}

// FormattedResponse is the validated structured final answer. Segments is
// never empty and every element carries a kind.
type FormattedResponse struct {
	Thinking string            `json:"thinking,omitempty"`
	Segments []ResponseSegment `json:"segments"`

	// Degraded marks the single-text fallback path.
	Degraded bool `json:"degraded,omitempty"`
}

func respondDescriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:        RespondToolName,
		DisplayName: RespondToolName,
		Description: "Deliver the final structured answer as an ordered list of text and artifact segments.",
		InputSchema: respondSchema,
	}
}

// FormatFinal issues the single formatting turn after the controller
// terminates and validates the answer against the respond schema. Validation
// failures and a model that declines the tool degrade to wrapping the last
// plain text, never to a caller-visible error; only a provider-call failure
// is returned as an error, so the retry supervisor can rerun the attempt.
func FormatFinal(ctx context.Context, log *slog.Logger, adapter provider.Adapter, model string, out Outcome, sampling provider.SamplingParams) (FormattedResponse, error) {
	if log == nil {
		log = slog.Default()
	}
	if adapter == nil {
		return FormattedResponse{}, errors.New("nil provider adapter")
	}

	msgs := append([]provider.Message(nil), out.History...)
	msgs = append(msgs, provider.Message{Role: "user", Content: []provider.ContentPart{{Type: "text", Text: respondInstruction}}})

	turn, err := adapter.Turn(ctx, provider.TurnRequest{
		Model:    model,
		Messages: msgs,
		Tools:    []registry.Descriptor{respondDescriptor()},
		Sampling: sampling,
	})
	if err != nil {
		return FormattedResponse{}, err
	}

	for _, call := range turn.ToolCalls {
		if strings.TrimSpace(call.Name) != RespondToolName {
			continue
		}
		resp, err := parseRespondArgs(call.Args)
		if err != nil {
			log.Warn("format.invalid_answer", "error", err.Error())
			break
		}
		return resp, nil
	}

	// Degraded path: wrap the best available plain text as one text segment.
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		text = strings.TrimSpace(out.LastText)
	}
	if text == "" {
		text = "No answer was produced."
	}
	log.Warn("format.degraded", "state", string(out.State))
	return FormattedResponse{Segments: []ResponseSegment{{Kind: "text", Text: text}}, Degraded: true}, nil
}

func parseRespondArgs(args map[string]any) (FormattedResponse, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return FormattedResponse{}, err
	}
	var resp FormattedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return FormattedResponse{}, err
	}
	if err := validateResponse(resp); err != nil {
		return FormattedResponse{}, err
	}
	return resp, nil
}

func validateResponse(resp FormattedResponse) error {
	if len(resp.Segments) == 0 {
		return errors.New("segments must be a non-empty array")
	}
	for i, seg := range resp.Segments {
		switch strings.TrimSpace(seg.Kind) {
		case "text":
			if strings.TrimSpace(seg.Text) == "" {
				return errorsSegment(i, "text segment requires text")
			}
		case "artifact":
			if strings.TrimSpace(seg.ArtifactID) == "" {
				return errorsSegment(i, "artifact segment requires artifact_id")
			}
		case "":
			return errorsSegment(i, "segment missing kind")
		default:
			return errorsSegment(i, "unknown segment kind "+strings.TrimSpace(seg.Kind))
		}
	}
	return nil
}

func errorsSegment(index int, msg string) error {
	return fmt.Errorf("segment %d: %s", index, msg)
}
