// Package orchestrator is the entry point the surrounding application calls:
// it owns provider adapters, tool servers, discovery, the retry-wrapped
// thinking loop, and post-run transcript persistence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/thinkloop/internal/loop"
	"github.com/floegence/thinkloop/internal/provider"
	"github.com/floegence/thinkloop/internal/registry"
	"github.com/floegence/thinkloop/internal/toolcall"
	"github.com/floegence/thinkloop/internal/transcript"
)

// OrchestrationError reports exhausted retries. Callers receive either a
// valid FormattedResponse or this, never a partial result.
type OrchestrationError struct {
	Attempts int
	Err      error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// Options configures an Engine. Zero values take the loop defaults.
type Options struct {
	Loop  loop.Config
	Retry loop.RetryPolicy

	// Store, when set, receives a record of every completed session.
	Store *transcript.Store
}

// Engine holds the long-lived collaborators shared by all sessions. Each
// RunThinkingSession call builds its own controller over a fresh registry
// snapshot, so concurrent conversations share nothing mutable.
type Engine struct {
	log  *slog.Logger
	opts Options

	mu         sync.RWMutex
	adapters   map[string]provider.Adapter
	invoker    *toolcall.Invoker
	categories map[string]string
}

func NewEngine(log *slog.Logger, opts Options) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:        log,
		opts:       opts,
		adapters:   make(map[string]provider.Adapter),
		invoker:    toolcall.NewInvoker(log),
		categories: make(map[string]string),
	}
}

// RegisterProvider makes an adapter selectable by name.
func (e *Engine) RegisterProvider(name string, adapter provider.Adapter) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errors.New("provider name is required")
	}
	if adapter == nil {
		return fmt.Errorf("provider %s missing adapter", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.adapters[name]; ok {
		return fmt.Errorf("provider %s already registered", name)
	}
	e.adapters[name] = adapter
	return nil
}

// AddToolServer registers a tool server under its id. Category drives the
// registry's unconditional exclusions (a "reasoning" server never reaches
// the model).
func (e *Engine) AddToolServer(id, category string, client toolcall.ServerClient, opts toolcall.ServerOptions) error {
	if err := e.invoker.AddServer(id, client, opts); err != nil {
		return err
	}
	e.mu.Lock()
	e.categories[strings.TrimSpace(id)] = strings.TrimSpace(category)
	e.mu.Unlock()
	return nil
}

// DiscoverTools lists every registered server's tools and builds the
// filtered snapshot a session works against.
func (e *Engine) DiscoverTools(ctx context.Context, filters registry.Filters) (*registry.Snapshot, error) {
	var raw []registry.Descriptor
	for _, id := range e.invoker.Servers() {
		client, ok := e.invoker.Client(id)
		if !ok {
			continue
		}
		specs, err := client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", id, err)
		}
		e.mu.RLock()
		category := e.categories[id]
		e.mu.RUnlock()
		for _, spec := range specs {
			raw = append(raw, registry.Descriptor{
				Server:      id,
				Name:        spec.Name,
				Category:    category,
				Description: spec.Description,
				InputSchema: spec.InputSchema,
			})
		}
	}
	return registry.NewSnapshot(raw, filters)
}

// Params is one orchestration request.
type Params struct {
	ConversationID string
	UserMessage    string
	History        []provider.Message
	Provider       string
	Model          string
	Sampling       provider.SamplingParams
	Filters        registry.Filters
}

// RunThinkingSession drives one full thinking session: discovery, the
// retry-wrapped loop, the formatting turn, and transcript persistence.
func (e *Engine) RunThinkingSession(ctx context.Context, params Params) (*loop.FormattedResponse, error) {
	providerName := strings.ToLower(strings.TrimSpace(params.Provider))
	e.mu.RLock()
	adapter, ok := e.adapters[providerName]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}
	if strings.TrimSpace(params.Model) == "" {
		return nil, errors.New("missing model")
	}

	conversationID := strings.TrimSpace(params.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	sessionID := uuid.NewString()

	snapshot, err := e.DiscoverTools(ctx, params.Filters)
	if err != nil {
		return nil, fmt.Errorf("tool discovery: %w", err)
	}

	history := append([]provider.Message(nil), params.History...)
	if txt := strings.TrimSpace(params.UserMessage); txt != "" {
		history = append(history, provider.Message{Role: "user", Content: []provider.ContentPart{{Type: "text", Text: txt}}})
	}
	sessCtx := toolcall.SessionContext{ConversationID: conversationID}

	log := e.log.With("session_id", sessionID, "conversation_id", conversationID, "provider", providerName, "model", params.Model)
	log.Info("session.start", "tools", snapshot.Len(), "history_turns", len(history))

	controller := loop.NewController(log, adapter, snapshot, e.invoker, e.opts.Loop)

	type attemptResult struct {
		outcome  loop.Outcome
		response loop.FormattedResponse
	}
	var final attemptResult

	retry := e.opts.Retry
	outcome, err := retry.Run(ctx, log, params.Sampling, func(ctx context.Context, sampling provider.SamplingParams) (loop.Outcome, error) {
		out, err := controller.Run(ctx, params.Model, history, sampling, sessCtx)
		if err != nil {
			return out, err
		}
		resp, err := loop.FormatFinal(ctx, log, adapter, params.Model, out, sampling)
		if err != nil {
			return loop.Outcome{State: loop.StateFailed}, fmt.Errorf("format final answer: %w", err)
		}
		final = attemptResult{outcome: out, response: resp}
		return out, nil
	})
	if err != nil {
		attempts := retry.MaxAttempts
		if attempts <= 0 {
			attempts = 3
		}
		log.Error("session.failed", "error", err.Error())
		return nil, &OrchestrationError{Attempts: attempts, Err: err}
	}

	log.Info("session.done",
		"state", string(outcome.State),
		"steps", outcome.Steps,
		"degraded", final.response.Degraded,
		"input_tokens", outcome.Usage.InputTokens,
		"output_tokens", outcome.Usage.OutputTokens,
	)
	e.persist(ctx, sessionID, conversationID, providerName, params.Model, final.outcome, final.response)

	resp := final.response
	return &resp, nil
}

// persist writes the completed session to the transcript store, best effort.
func (e *Engine) persist(ctx context.Context, sessionID, conversationID, providerName, model string, out loop.Outcome, resp loop.FormattedResponse) {
	if e.opts.Store == nil {
		return
	}
	responseJSON := ""
	if b, err := json.Marshal(resp); err == nil {
		responseJSON = string(b)
	}
	rec := transcript.SessionRecord{
		SessionID:       sessionID,
		ConversationID:  conversationID,
		Provider:        providerName,
		Model:           model,
		State:           string(out.State),
		Steps:           out.Steps,
		Degraded:        resp.Degraded,
		InputTokens:     out.Usage.InputTokens,
		OutputTokens:    out.Usage.OutputTokens,
		ResponseJSON:    responseJSON,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}
	if err := e.opts.Store.SaveSession(ctx, rec, collectToolCallRecords(out.History)); err != nil {
		e.log.Warn("transcript.save_failed", "session_id", sessionID, "error", err.Error())
	}
}

// collectToolCallRecords pairs tool_call parts with their results by
// correlation id, preserving request order.
func collectToolCallRecords(history []provider.Message) []transcript.ToolCallRecord {
	type resultInfo struct {
		text    string
		isError bool
	}
	results := make(map[string]resultInfo)
	for _, msg := range history {
		if msg.Role != "tool" {
			continue
		}
		for _, part := range msg.Content {
			if part.Type != "tool_result" || strings.TrimSpace(part.ToolCallID) == "" {
				continue
			}
			results[part.ToolCallID] = resultInfo{text: part.Text, isError: part.IsError}
		}
	}

	var out []transcript.ToolCallRecord
	for _, msg := range history {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Content {
			if part.Type != "tool_call" {
				continue
			}
			rec := transcript.ToolCallRecord{
				CorrelationID: part.ToolCallID,
				Tool:          part.ToolName,
				ArgsJSON:      part.ArgsJSON,
			}
			if info, ok := results[part.ToolCallID]; ok {
				rec.ResultText = info.text
				rec.IsError = info.isError
			}
			out = append(out, rec)
		}
	}
	return out
}
