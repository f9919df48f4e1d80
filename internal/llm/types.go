// Package llm implements the LLM Streaming Driver (component D): a
// provider-agnostic event stream over Anthropic (primary) and OpenAI (backup
// model) completions.
package llm

import (
	"context"
	"encoding/json"

	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/pkg/models"
)

// Message is one turn of conversation handed to a provider. It is built from
// a conversation snapshot (pkg/models.Message) by the caller, not by this
// package, so the driver stays ignorant of conversation pruning policy.
type Message struct {
	Role        string // "system" | "user" | "assistant" | "tool"
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []ToolResult
}

// ToolResult is a completed tool invocation fed back into the conversation
// for a continuation call.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Request is one streaming completion request.
type Request struct {
	Model       string
	BackupModel string
	System      string
	Messages    []Message
	Tools       []tooling.Descriptor
	MaxTokens   int
}

// EventKind tags the union of events a Provider/Driver emits, grounded on
// spec.md §4.4's TextDelta|ToolCallRequest|TurnComplete|StreamError.
type EventKind string

const (
	EventTextDelta       EventKind = "text_delta"
	EventToolCallRequest EventKind = "tool_call_request"
	EventTurnComplete    EventKind = "turn_complete"
	EventStreamError     EventKind = "stream_error"
)

// StreamErrorKind classifies a terminal StreamError, per spec.md §4.4/§7.
type StreamErrorKind string

const (
	ErrorTransient StreamErrorKind = "transient"
	ErrorTimeout   StreamErrorKind = "timeout"
	ErrorCancelled StreamErrorKind = "cancelled"
	ErrorInternal  StreamErrorKind = "internal"
)

// Event is one item of the lazy sequence stream() produces. Exactly one of
// the typed fields is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	// EventTextDelta
	Fragment string

	// EventToolCallRequest
	ToolCallID   string
	ToolName     string
	ToolArgsJSON json.RawMessage

	// EventTurnComplete
	FinishReason string
	InputTokens  int
	OutputTokens int

	// EventStreamError
	ErrorKind StreamErrorKind
	Err       error
}

// Provider streams one completion request over a channel of raw chunks. A
// concrete Provider knows nothing about the spec's event union; Driver.Stream
// adapts whatever the provider emits into Event. Grounded on the teacher's
// agent.LLMProvider interface.
type Provider interface {
	Name() string
	// Complete starts a streaming completion. The returned channel is closed
	// when the stream ends, whether by completion, error, or cancellation.
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Chunk is a single raw event from a Provider, pre-adaptation. Mirrors the
// teacher's agent.CompletionChunk shape.
type Chunk struct {
	Text         string
	ToolCall     *models.ToolCall
	Done         bool
	Error        error
	InputTokens  int
	OutputTokens int
}
