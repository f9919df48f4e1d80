// Package managedav implements the Managed-AV Session Controller (component
// F): the mobile-client counterpart to the Voice Session Loop. It exposes a
// small net/http mux (grounded on the teacher's http_server.go's
// http.ServeMux style) reusing the Conversation Store (A), Agent Profile
// Registry (B), Tool Invocation Engine (C), and LLM Streaming Driver (D)
// against a non-streaming, request/response transport instead of a
// WebSocket.
package managedav

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danshapiro/ringdown/internal/llm"
	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/pkg/models"
)

// Driver streams one completion's events, implemented by *llm.Driver. Same
// shape as voiceloop.Driver; kept as its own interface so this package never
// imports internal/voiceloop for a one-method contract.
type Driver interface {
	Stream(ctx context.Context, req *llm.Request) <-chan llm.Event
}

// Invoker dispatches one tool call, implemented by *tooling.Executor.
type Invoker interface {
	Invoke(ctx context.Context, call models.ToolCall, observe tooling.Observer) (json.RawMessage, *tooling.ToolError)
}

// ControlMessage is one enqueued control-audio frame, delivered to a mobile
// client by POST /v1/mobile/managed-av/control/next (spec.md §6.2). Only
// meaningful when the control harness feature is enabled.
type ControlMessage struct {
	MessageID    string            `json:"messageId"`
	PromptID     string            `json:"promptId,omitempty"`
	AudioBase64  string            `json:"audioBase64"`
	SampleRateHz int               `json:"sampleRateHz"`
	Channels     int               `json:"channels"`
	Format       string            `json:"format"`
	EnqueuedAt   time.Time         `json:"enqueuedAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// session is the in-memory Managed-AV Session record (spec.md §3), owned
// exclusively by Controller under its mutex.
type session struct {
	id                string
	deviceID          string
	caller            models.CallerID
	profile           models.AgentProfile
	pipelineSessionID string
	roomURL           string
	controlKey        string
	createdAt         time.Time
	expiresAt         time.Time
	pending           []ControlMessage
}

func (s *session) ttlFraction() float64 {
	total := s.expiresAt.Sub(s.createdAt)
	if total <= 0 {
		return 0
	}
	return time.Until(s.expiresAt).Seconds() / total.Seconds()
}
