package loop

import (
	"encoding/json"
	"strings"

	"github.com/floegence/thinkloop/internal/provider"
	"github.com/floegence/thinkloop/internal/registry"
)

const (
	defaultMaxSteps = 24

	// hardMaxSteps is the absolute safety net for a single session.
	hardMaxSteps = 200

	defaultStagnationThreshold = 2

	// maxRecentSignatures bounds the dedup set; beyond it the oldest
	// signatures age out first.
	maxRecentSignatures = 256
)

// session is the transient per-run state. It is created at loop start,
// owned exclusively by one Run call, and discarded when Run returns.
type session struct {
	stepCount        int
	maxSteps         int
	noProgressStreak int

	sigs     map[string]struct{}
	sigOrder []string
}

func newSession(maxSteps int) *session {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	if maxSteps > hardMaxSteps {
		maxSteps = hardMaxSteps
	}
	return &session{
		maxSteps: maxSteps,
		sigs:     make(map[string]struct{}),
	}
}

func (s *session) seen(sig string) bool {
	if sig == "" {
		return false
	}
	_, ok := s.sigs[sig]
	return ok
}

func (s *session) record(sig string) {
	if sig == "" || s.seen(sig) {
		return
	}
	s.sigs[sig] = struct{}{}
	s.sigOrder = append(s.sigOrder, sig)
	if len(s.sigOrder) > maxRecentSignatures {
		oldest := s.sigOrder[0]
		s.sigOrder = s.sigOrder[1:]
		delete(s.sigs, oldest)
	}
}

// seedFromHistory records the signatures of tool calls already present in the
// prior conversation, so a new run of the same conversation cannot escape
// stagnation detection by re-deriving a call an earlier run already made.
func (s *session) seedFromHistory(history []provider.Message) {
	for _, msg := range history {
		if strings.ToLower(strings.TrimSpace(msg.Role)) != "assistant" {
			continue
		}
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "tool_call" {
				continue
			}
			name := strings.TrimSpace(part.ToolName)
			if name == "" {
				continue
			}
			if canonical, err := registry.DecodeDisplayName(name); err == nil {
				name = canonical
			}
			var args map[string]any
			if raw := strings.TrimSpace(part.ArgsJSON); raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			s.record(callSignature(name, args))
		}
	}
}
