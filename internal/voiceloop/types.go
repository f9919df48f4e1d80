// Package voiceloop implements the Voice Session Loop (component E): the
// per-call turn state machine consuming the LLM Streaming Driver's event
// union and dispatching tool invocations, grounded on the teacher's
// gateway.wsSession (WebSocket transport shape) and agent.AgenticLoop (phase
// structure: stream → execute tools → continue).
package voiceloop

import (
	"context"
	"encoding/json"

	"github.com/danshapiro/ringdown/internal/llm"
	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/pkg/models"
)

// State is a Voice Session's position in spec.md §4.5's state machine.
type State string

const (
	StateIdle           State = "idle"
	StateGreeting        State = "greeting"
	StateAwaitingUser     State = "awaiting_user"
	StateModelStreaming   State = "model_streaming"
	StateToolRunning      State = "tool_running"
	StateSpeaking         State = "speaking"
	StateReconnecting     State = "reconnecting"
	StateInterrupted      State = "interrupted"
	StateClosing          State = "closing"
	StateClosed           State = "closed"
)

// Sink is how the turn engine emits outbound frames. Implemented by the real
// WebSocket transport (transport.go) and by fakes in tests, decoupling the
// state machine from any actual network I/O.
type Sink interface {
	// SendText emits one speech fragment. last marks the final fragment of a
	// turn's speech (mirrors the outbound `text` frame's `last` field).
	SendText(token string, last bool) error
	// SendClear tells the gateway to drop any queued TTS audio — the
	// barge-in "clear-output" control frame.
	SendClear() error
	// SendEnd emits the graceful session-end frame.
	SendEnd() error
}

// Driver streams one completion's events, implemented by *llm.Driver.
// Abstracted here so tests can exercise the turn cycle against a scripted
// fake instead of a real provider.
type Driver interface {
	Stream(ctx context.Context, req *llm.Request) <-chan llm.Event
}

// Invoker dispatches one tool call, implemented by *tooling.Executor.
type Invoker interface {
	Invoke(ctx context.Context, call models.ToolCall, observe tooling.Observer) (json.RawMessage, *tooling.ToolError)
}

// cancelledPayload is the synthetic ToolResult payload spec.md §4.5's
// barge-in contract requires for every tool call still pending at the
// moment of interruption.
var cancelledPayload = json.RawMessage(`{"ok":false,"error":"cancelled","message":"turn interrupted"}`)
