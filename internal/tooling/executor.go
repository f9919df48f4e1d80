package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danshapiro/ringdown/pkg/models"
)

// State is a Tool Invocation's lifecycle state, per spec.md §3.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Invocation is the record of one call(name, args) through the engine.
type Invocation struct {
	ID        string
	Name      string
	RawArgs   json.RawMessage
	State     State
	StartedAt time.Time
	EndedAt   time.Time
	Payload   json.RawMessage
	Err       *ToolError
}

const defaultTimeout = 30 * time.Second

// statusNarrationDelay is the window within which a "running" status event
// MUST fire for a tool with status_narration set, per spec.md §4.3.
const statusNarrationDelay = 200 * time.Millisecond

// Executor dispatches tool invocations against a Registry, enforcing
// per-tool deadlines and cooperative cancellation. Grounded on the teacher's
// agent.ToolExecutor.executeWithTimeout (goroutine + select on ctx.Done vs.
// result channel), simplified to one invocation at a time — the Voice
// Session Loop fans calls out itself since tools may run concurrently with
// further LLM streaming (spec.md §4.5 step 3).
type Executor struct {
	registry *Registry
}

// NewExecutor builds an Executor bound to registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Invoke validates args against the tool's schema, then runs it under a
// deadline of spec.Timeout (or defaultTimeout), returning a payload that is
// always valid JSON suitable for a ToolResult message: on success the tool's
// own payload; on failure a structured `{ok:false,error,message,...}`
// object. The returned *ToolError is non-nil whenever the result reflects a
// failure, for the caller's logging/metrics — callers must still treat the
// invocation as resolved (never fatal) and append the returned payload.
func (e *Executor) Invoke(ctx context.Context, call models.ToolCall, observe Observer) (json.RawMessage, *ToolError) {
	spec, ok := e.registry.Get(call.Name)
	if !ok {
		toolErr := NewInternalError(fmt.Errorf("unknown tool %q", call.Name))
		return failurePayload(toolErr), toolErr
	}

	if err := e.registry.validate(call.Name, call.ArgsRaw); err != nil {
		toolErr := NewInvalidArgsError(err.Error())
		return failurePayload(toolErr), toolErr
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var narrationTimer *time.Timer
	if spec.StatusNarration != "" && observe != nil {
		narrationTimer = time.AfterFunc(statusNarrationDelay, func() {
			observe(StatusEvent{ToolCallID: call.ID, Phrase: spec.StatusNarration})
		})
		defer narrationTimer.Stop()
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		payload json.RawMessage
		toolErr *ToolError
	}
	resultCh := make(chan outcome, 1)

	go func() {
		payload, toolErr := spec.Fn(toolCtx, call.ArgsRaw)
		select {
		case resultCh <- outcome{payload: payload, toolErr: toolErr}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		var toolErr *ToolError
		if ctx.Err() != nil {
			// The turn's own context was cancelled (barge-in/hangup), not
			// just this call's deadline.
			toolErr = NewCancelledError()
		} else {
			toolErr = NewTimeoutError()
		}
		return failurePayload(toolErr), toolErr
	case res := <-resultCh:
		if res.toolErr != nil {
			return failurePayload(res.toolErr), res.toolErr
		}
		if res.payload == nil {
			res.payload = json.RawMessage(`{}`)
		}
		return successPayload(res.payload), nil
	}
}

// successPayload wraps a tool's own JSON result in the {ok:true,...}
// envelope spec.md's scenarios (S2, S4) describe.
func successPayload(data json.RawMessage) json.RawMessage {
	out, err := json.Marshal(map[string]any{"ok": true, "data": json.RawMessage(data)})
	if err != nil {
		return json.RawMessage(`{"ok":true}`)
	}
	return out
}

// failurePayload builds the `{ok:false, error, message, disabled?, reason?}`
// envelope spec.md §4.3/§7 requires for every non-fatal tool failure.
func failurePayload(toolErr *ToolError) json.RawMessage {
	env := map[string]any{
		"ok":      false,
		"error":   string(toolErr.Kind),
		"message": toolErr.Message,
	}
	if toolErr.Disabled {
		env["disabled"] = true
		env["reason"] = toolErr.Reason
	}
	out, err := json.Marshal(env)
	if err != nil {
		return json.RawMessage(`{"ok":false,"error":"internal"}`)
	}
	return out
}
