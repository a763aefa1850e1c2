// Package toolcall dispatches resolved tool invocations to their owning tool
// server and normalizes every outcome into history-safe result values.
package toolcall

import (
	"context"
	"encoding/json"
	"strings"
)

// ErrorCode is a stable, machine-readable invocation failure code.
type ErrorCode string

const (
	ErrorCodeTimeout     ErrorCode = "TIMEOUT"
	ErrorCodeCanceled    ErrorCode = "CANCELED"
	ErrorCodeUnreachable ErrorCode = "UNREACHABLE"
	ErrorCodeDuplicate   ErrorCode = "DUPLICATE_CALL"
	ErrorCodeToolFailed  ErrorCode = "TOOL_FAILED"
	ErrorCodeUnknown     ErrorCode = "UNKNOWN"
)

// Segment is one typed piece of tool output.
type Segment struct {
	Kind     string          `json:"kind"` // text | binary | structured
	Text     string          `json:"text,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
	Data     []byte          `json:"data,omitempty"`
	JSON     json.RawMessage `json:"json,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
}

// Result is the normalized outcome of one invocation. Transport faults and
// timeouts are represented as an error-flagged segment, never as a Go error,
// so the conversation history stays well-formed.
type Result struct {
	CorrelationID string          `json:"correlation_id"`
	Server        string          `json:"server"`
	Tool          string          `json:"tool"`
	Segments      []Segment       `json:"segments"`
	Citations     []Citation      `json:"citations,omitempty"`
	Extras        map[string]any  `json:"extras,omitempty"`
	ErrorCode     ErrorCode       `json:"error_code,omitempty"`
	RawArgs       json.RawMessage `json:"raw_args,omitempty"`
}

// Citation is an optional source reference attached by the tool server.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Quote string `json:"quote,omitempty"`
}

// Failed reports whether any segment is error-flagged.
func (r Result) Failed() bool {
	if r.ErrorCode != "" {
		return true
	}
	for _, seg := range r.Segments {
		if seg.IsError {
			return true
		}
	}
	return false
}

// Text joins the text segments for logging and fallbacks.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, seg := range r.Segments {
		if txt := strings.TrimSpace(seg.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n")
}

// SessionContext carries ambient metadata for context-aware tool servers.
type SessionContext struct {
	ConversationID string
}

// ToolSpec is a tool as reported by a server during discovery, before the
// registry namespaces it.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CallOutput is the raw payload a server client returns for one call.
// A tool that ran but failed logically sets IsError on a segment; transport
// failures surface as the client's returned error.
type CallOutput struct {
	Segments  []Segment
	Citations []Citation
	Extras    map[string]any
}

// ServerClient is the transport collaborator owning the bytes on the wire to
// one tool server. Implementations live outside the orchestration core; the
// in-process sysmon server is the reference implementation.
type ServerClient interface {
	ListTools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallOutput, error)
}
