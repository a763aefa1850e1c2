package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultServerTimeout = 30 * time.Second

// ServerOptions configures dispatch behavior for one tool server.
type ServerOptions struct {
	// Timeout bounds one call to this server. Zero means the default.
	Timeout time.Duration

	// ContextAware servers get the ambient conversation id merged into their
	// arguments so they can write to a side store keyed by conversation.
	ContextAware bool
}

// Invoker routes resolved tool calls to their owning server client.
//
// It guarantees at most one outstanding invocation per correlation id and
// never returns a Go error from Invoke: every failure mode becomes an
// error-flagged result segment.
type Invoker struct {
	log     *slog.Logger
	mu      sync.Mutex
	clients map[string]ServerClient
	opts    map[string]ServerOptions

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewInvoker(log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{
		log:      log,
		clients:  make(map[string]ServerClient),
		opts:     make(map[string]ServerOptions),
		inflight: make(map[string]struct{}),
	}
}

// AddServer registers a server client under its id.
func (inv *Invoker) AddServer(id string, client ServerClient, opts ServerOptions) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("server id is required")
	}
	if client == nil {
		return fmt.Errorf("server %s missing client", id)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.clients[id]; ok {
		return fmt.Errorf("server %s already registered", id)
	}
	inv.clients[id] = client
	inv.opts[id] = opts
	return nil
}

// Servers returns the registered server ids.
func (inv *Invoker) Servers() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, 0, len(inv.clients))
	for id := range inv.clients {
		out = append(out, id)
	}
	return out
}

// Client returns the client registered for a server id.
func (inv *Invoker) Client(id string) (ServerClient, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c, ok := inv.clients[strings.TrimSpace(id)]
	return c, ok
}

// Invoke runs one tool call against its owning server.
//
// The returned Result always carries at least one segment; timeouts,
// unreachable servers, and logical tool failures all land in history as
// error content the model can react to.
func (inv *Invoker) Invoke(ctx context.Context, server, tool string, args map[string]any, sess SessionContext, correlationID string) Result {
	server = strings.TrimSpace(server)
	tool = strings.TrimSpace(tool)
	correlationID = strings.TrimSpace(correlationID)

	base := Result{CorrelationID: correlationID, Server: server, Tool: tool}
	if b, err := json.Marshal(args); err == nil {
		base.RawArgs = b
	}

	if correlationID != "" {
		inv.inflightMu.Lock()
		if _, dup := inv.inflight[correlationID]; dup {
			inv.inflightMu.Unlock()
			return errorResult(base, ErrorCodeDuplicate, fmt.Sprintf("invocation %s is already in flight", correlationID))
		}
		inv.inflight[correlationID] = struct{}{}
		inv.inflightMu.Unlock()
		defer func() {
			inv.inflightMu.Lock()
			delete(inv.inflight, correlationID)
			inv.inflightMu.Unlock()
		}()
	}

	inv.mu.Lock()
	client, ok := inv.clients[server]
	opts := inv.opts[server]
	inv.mu.Unlock()
	if !ok {
		return errorResult(base, ErrorCodeUnreachable, fmt.Sprintf("no client for tool server %q", server))
	}

	if opts.ContextAware && strings.TrimSpace(sess.ConversationID) != "" {
		merged := make(map[string]any, len(args)+1)
		for k, v := range args {
			merged[k] = v
		}
		if _, exists := merged["conversation_id"]; !exists {
			merged["conversation_id"] = strings.TrimSpace(sess.ConversationID)
		}
		args = merged
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultServerTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	out, err := client.CallTool(callCtx, tool, args)
	elapsed := time.Since(started)
	if err != nil {
		code := ErrorCodeUnreachable
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = ErrorCodeTimeout
		case errors.Is(err, context.Canceled):
			code = ErrorCodeCanceled
		}
		inv.log.Warn("toolcall.invoke.failed",
			"server", server,
			"tool", tool,
			"correlation_id", correlationID,
			"code", string(code),
			"duration_ms", elapsed.Milliseconds(),
			"error", err.Error(),
		)
		return errorResult(base, code, fmt.Sprintf("tool %s:%s failed: %v", server, tool, err))
	}

	base.Segments = out.Segments
	base.Citations = out.Citations
	base.Extras = out.Extras
	if len(base.Segments) == 0 {
		base.Segments = []Segment{{Kind: "text", Text: "(no output)"}}
	}
	inv.log.Debug("toolcall.invoke.ok",
		"server", server,
		"tool", tool,
		"correlation_id", correlationID,
		"segments", len(base.Segments),
		"duration_ms", elapsed.Milliseconds(),
	)
	return base
}

func errorResult(base Result, code ErrorCode, message string) Result {
	base.ErrorCode = code
	base.Segments = []Segment{{Kind: "text", Text: message, IsError: true}}
	return base
}

// ErrorResult builds a history-safe error result outside the invoker, for
// failures the caller detects itself (e.g. an unresolvable display name).
func ErrorResult(correlationID, displayName, message string) Result {
	return errorResult(Result{CorrelationID: strings.TrimSpace(correlationID), Tool: strings.TrimSpace(displayName)}, ErrorCodeToolFailed, message)
}
