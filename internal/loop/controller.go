// Package loop drives the bounded thinking loop: repeated model turns with
// tool dispatch in between, terminated by completion, step budget, or
// stagnation, and closed by one structured final-answer turn.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/floegence/thinkloop/internal/provider"
	"github.com/floegence/thinkloop/internal/registry"
	"github.com/floegence/thinkloop/internal/toolcall"
)

// State is the terminal condition of one controller run.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateExhausted State = "exhausted"
	StateStalled   State = "stalled"
	StateFailed    State = "failed"
)

// Config bounds one controller run. Zero values take the defaults.
type Config struct {
	MaxSteps            int
	StagnationThreshold int
	// Parallelism caps concurrent tool invocations within one step.
	Parallelism int
}

// Controller is the iterative state machine for one conversation. One
// instance processes steps strictly sequentially; independent conversations
// run as independent instances sharing only the read-only registry snapshot.
type Controller struct {
	log      *slog.Logger
	adapter  provider.Adapter
	snapshot *registry.Snapshot
	invoker  *toolcall.Invoker
	cfg      Config
}

// Outcome is what a terminated run hands to the formatter. Stalled and
// Exhausted are not errors: a partial transcript is still useful context
// for the final answer.
type Outcome struct {
	State    State
	Steps    int
	History  []provider.Message
	LastText string
	Usage    provider.Usage
}

func NewController(log *slog.Logger, adapter provider.Adapter, snapshot *registry.Snapshot, invoker *toolcall.Invoker, cfg Config) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StagnationThreshold <= 0 {
		cfg.StagnationThreshold = defaultStagnationThreshold
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	return &Controller{log: log, adapter: adapter, snapshot: snapshot, invoker: invoker, cfg: cfg}
}

// Run executes the loop over a private copy of the supplied history. The
// caller's slice is never mutated, so a failed attempt contributes nothing
// to a retry.
func (c *Controller) Run(ctx context.Context, model string, history []provider.Message, sampling provider.SamplingParams, sessCtx toolcall.SessionContext) (Outcome, error) {
	msgs := append([]provider.Message(nil), history...)
	sess := newSession(c.cfg.MaxSteps)
	sess.seedFromHistory(msgs)

	out := Outcome{State: StateRunning, History: msgs}
	for {
		if err := ctx.Err(); err != nil {
			out.State = StateFailed
			return out, err
		}
		if sess.stepCount >= hardMaxSteps {
			out.State = StateExhausted
			out.History = msgs
			return out, nil
		}

		turn, err := c.adapter.Turn(ctx, provider.TurnRequest{
			Model:    model,
			Messages: msgs,
			Tools:    c.snapshot.Tools(),
			Sampling: sampling,
		})
		if err != nil {
			out.State = StateFailed
			out.History = msgs
			return out, fmt.Errorf("model turn %d: %w", sess.stepCount+1, err)
		}
		out.Usage.InputTokens += turn.Usage.InputTokens
		out.Usage.OutputTokens += turn.Usage.OutputTokens
		if txt := strings.TrimSpace(turn.Text); txt != "" {
			out.LastText = txt
		}

		if len(turn.ToolCalls) == 0 {
			if txt := strings.TrimSpace(turn.Text); txt != "" {
				msgs = append(msgs, provider.Message{Role: "assistant", Content: []provider.ContentPart{{Type: "text", Text: txt}}})
			}
			out.State = StateCompleted
			out.Steps = sess.stepCount
			out.History = msgs
			c.log.Info("loop.completed", "steps", sess.stepCount)
			return out, nil
		}

		msgs = append(msgs, assistantTurnMessage(turn))
		results, progressed := c.dispatchStep(ctx, turn.ToolCalls, sess, sessCtx)
		msgs = append(msgs, toolResultsMessage(results))

		if progressed {
			sess.noProgressStreak = 0
		} else {
			sess.noProgressStreak++
			c.log.Warn("loop.no_progress", "step", sess.stepCount+1, "streak", sess.noProgressStreak)
		}
		if sess.noProgressStreak >= c.cfg.StagnationThreshold {
			out.State = StateStalled
			out.Steps = sess.stepCount
			out.History = msgs
			c.log.Warn("loop.stalled", "steps", sess.stepCount, "streak", sess.noProgressStreak)
			return out, nil
		}

		sess.stepCount++
		if sess.stepCount >= sess.maxSteps {
			out.State = StateExhausted
			out.Steps = sess.stepCount
			out.History = msgs
			c.log.Warn("loop.exhausted", "steps", sess.stepCount, "max_steps", sess.maxSteps)
			return out, nil
		}
		out.Steps = sess.stepCount
	}
}

// dispatchStep resolves, validates, and invokes every call of one step.
// Invocations may run concurrently, but results are reassembled in request
// order before the next model turn. The boolean reports whether any call
// this step was new relative to the recorded signatures.
func (c *Controller) dispatchStep(ctx context.Context, calls []provider.ToolCall, sess *session, sessCtx toolcall.SessionContext) ([]toolcall.Result, bool) {
	results := make([]toolcall.Result, len(calls))

	type dispatchItem struct {
		index int
		desc  registry.Descriptor
		call  provider.ToolCall
	}
	items := make([]dispatchItem, 0, len(calls))
	progressed := false

	for idx, call := range calls {
		name := strings.TrimSpace(call.Name)
		if name == "" {
			results[idx] = toolcall.ErrorResult(call.ID, name, "missing tool name")
			continue
		}
		desc, ok := c.snapshot.Resolve(name)
		if !ok {
			results[idx] = toolcall.ErrorResult(call.ID, name, fmt.Sprintf("unknown tool %q", name))
			c.log.Warn("loop.unknown_tool", "display_name", name)
			continue
		}
		sig := callSignature(desc.Canonical(), call.Args)
		if !sess.seen(sig) {
			progressed = true
			sess.record(sig)
		}
		if err := validateArgs(desc, call.Args); err != nil {
			results[idx] = toolcall.ErrorResult(call.ID, name, err.Error())
			continue
		}
		items = append(items, dispatchItem{index: idx, desc: desc, call: call})
	}

	if len(items) == 1 {
		item := items[0]
		results[item.index] = c.invoker.Invoke(ctx, item.desc.Server, item.desc.Name, item.call.Args, sessCtx, item.call.ID)
	} else if len(items) > 1 {
		sem := make(chan struct{}, c.cfg.Parallelism)
		var wg sync.WaitGroup
		for _, item := range items {
			item := item
			wg.Add(1)
			go func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[item.index] = c.invoker.Invoke(ctx, item.desc.Server, item.desc.Name, item.call.Args, sessCtx, item.call.ID)
			}()
		}
		wg.Wait()
	}
	return results, progressed
}

func assistantTurnMessage(turn provider.TurnResult) provider.Message {
	parts := make([]provider.ContentPart, 0, len(turn.ToolCalls)+1)
	if txt := strings.TrimSpace(turn.Text); txt != "" {
		parts = append(parts, provider.ContentPart{Type: "text", Text: txt})
	}
	for _, call := range turn.ToolCalls {
		argsJSON := "{}"
		if b, err := json.Marshal(call.Args); err == nil {
			argsJSON = string(b)
		}
		parts = append(parts, provider.ContentPart{
			Type:       "tool_call",
			ToolCallID: call.ID,
			ToolName:   strings.TrimSpace(call.Name),
			ArgsJSON:   argsJSON,
		})
	}
	return provider.Message{Role: "assistant", Content: parts}
}

func toolResultsMessage(results []toolcall.Result) provider.Message {
	parts := make([]provider.ContentPart, 0, len(results))
	for _, res := range results {
		part := provider.ContentPart{
			Type:       "tool_result",
			ToolCallID: res.CorrelationID,
			Text:       res.Text(),
			IsError:    res.Failed(),
		}
		if part.Text == "" {
			if b, err := json.Marshal(res.Segments); err == nil {
				part.JSON = b
			}
		}
		parts = append(parts, part)
	}
	return provider.Message{Role: "tool", Content: parts}
}

// validateArgs checks the call arguments against the descriptor's input
// schema before dispatch. Only required-field presence and primitive type
// agreement are enforced; anything deeper is the tool server's problem.
func validateArgs(desc registry.Descriptor, args map[string]any) error {
	if len(desc.InputSchema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	var schema map[string]any
	if err := json.Unmarshal(desc.InputSchema, &schema); err != nil {
		return nil
	}
	if req, ok := schema["required"].([]any); ok {
		for _, item := range req {
			name, _ := item.(string)
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, exists := args[name]; !exists {
				return fmt.Errorf("missing required field: %s", name)
			}
		}
	}
	properties, _ := schema["properties"].(map[string]any)
	for key, val := range args {
		propRaw, ok := properties[key]
		if !ok {
			continue
		}
		prop, _ := propRaw.(map[string]any)
		typeName, _ := prop["type"].(string)
		typeName = strings.TrimSpace(typeName)
		if typeName == "" {
			continue
		}
		if !matchesSchemaType(typeName, val) {
			return fmt.Errorf("invalid type for %s: expected %s", key, typeName)
		}
	}
	return nil
}

func matchesSchemaType(typeName string, v any) bool {
	switch strings.ToLower(strings.TrimSpace(typeName)) {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer", "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		default:
			return false
		}
	case "object":
		return reflect.TypeOf(v) != nil && reflect.TypeOf(v).Kind() == reflect.Map
	case "array":
		kind := reflect.TypeOf(v)
		return kind != nil && (kind.Kind() == reflect.Slice || kind.Kind() == reflect.Array)
	default:
		return true
	}
}
