// Package tooling implements the Tool Invocation Engine (component C):
// typed registration, JSON Schema export, argument validation, deadline- and
// cancellation-aware dispatch, and per-tool status narration.
package tooling

import (
	"context"
	"encoding/json"
	"time"
)

// Fn is a tool's executor: validated arguments in, a structured payload or
// structured error out. Never a raw Go error — see spec.md §9's
// "Exceptions for control flow → Result / tagged error returns".
type Fn func(ctx context.Context, args json.RawMessage) (json.RawMessage, *ToolError)

// Spec describes one registrable tool, grounded on spec.md §3's Tool Spec
// record.
type Spec struct {
	Name        string
	Description string
	// ArgsType is a zero-value instance of the Go struct describing this
	// tool's arguments; SchemaFor reflects over it with invopop/jsonschema.
	ArgsType any
	Timeout  time.Duration
	// StatusNarration, if non-empty, is the human phrase the engine emits as
	// a "running" status event within the first 200ms of a slow call.
	StatusNarration string
	Fn              Fn
}

// Descriptor is the schema view of a Spec exported to the LLM Streaming
// Driver, restricted to an agent's tool_allowlist.
type Descriptor struct {
	Name            string
	Description     string
	ArgSchema       json.RawMessage
	StatusNarration string
}

// StatusEvent is emitted to an Observer when a tool's status_narration phrase
// should be surfaced to the caller (spoken as a filler phrase by the Voice
// Session Loop while the tool is still running).
type StatusEvent struct {
	ToolCallID string
	Phrase     string
}

// Observer receives status narration events. nil is a valid no-op observer.
type Observer func(StatusEvent)
