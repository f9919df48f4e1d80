package managedav

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/danshapiro/ringdown/internal/conversation"
	"github.com/danshapiro/ringdown/internal/llm"
	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/pkg/models"
)

// toolCallDriver emits one tool_call request then completes, standing in
// for a model that wants to use a tool.
type toolCallDriver struct{}

func (toolCallDriver) Stream(ctx context.Context, req *llm.Request) <-chan llm.Event {
	out := make(chan llm.Event, 2)
	out <- llm.Event{Kind: llm.EventTextDelta, Fragment: "Let me check. "}
	out <- llm.Event{Kind: llm.EventToolCallRequest, ToolCallID: "t1", ToolName: "LookupOrder", ToolArgsJSON: json.RawMessage(`{}`)}
	out <- llm.Event{Kind: llm.EventTurnComplete}
	close(out)
	return out
}

// countingInvoker records how many times Invoke was called.
type countingInvoker struct {
	mu    sync.Mutex
	count int
}

func (c *countingInvoker) Invoke(ctx context.Context, call models.ToolCall, observe tooling.Observer) (json.RawMessage, *tooling.ToolError) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	return json.RawMessage(`{"ok":true}`), nil
}

func (c *countingInvoker) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// observingInvoker fires its received Observer once with a synthetic status
// event, letting a test confirm runTurn actually threads one through.
type observingInvoker struct{}

func (observingInvoker) Invoke(ctx context.Context, call models.ToolCall, observe tooling.Observer) (json.RawMessage, *tooling.ToolError) {
	if observe != nil {
		observe(tooling.StatusEvent{ToolCallID: call.ID, Phrase: "Checking your order."})
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func TestRunTurnThreadsObserverIntoInvoke(t *testing.T) {
	store := conversation.NewMemoryStore(0)
	caller, err := models.NewCallerID("+15555550161")
	if err != nil {
		t.Fatalf("NewCallerID: %v", err)
	}
	handle, err := store.Acquire(context.Background(), caller)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer handle.Release()

	// MaxToolIterations=1 so the Invoke call happens exactly once before the
	// next leg's iteration count exceeds the limit and runTurn returns.
	profile := models.AgentProfile{ID: "demo", PromptTemplate: "sys", MaxToolIterations: 1}

	var mu sync.Mutex
	var got []tooling.StatusEvent
	observe := func(ev tooling.StatusEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}

	if _, err := runTurn(context.Background(), toolCallDriver{}, observingInvoker{}, nil, store, handle, profile, observe, nil); err != nil {
		t.Fatalf("runTurn: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ToolCallID != "t1" || got[0].Phrase != "Checking your order." {
		t.Fatalf("expected observer to fire once for t1, got %+v", got)
	}
}

func TestRunTurnZeroMaxToolIterationsRefusesWithoutInvoking(t *testing.T) {
	store := conversation.NewMemoryStore(0)
	caller, err := models.NewCallerID("+15555550160")
	if err != nil {
		t.Fatalf("NewCallerID: %v", err)
	}
	handle, err := store.Acquire(context.Background(), caller)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer handle.Release()

	profile := models.AgentProfile{ID: "demo", PromptTemplate: "sys", MaxToolIterations: 0, FallbackMessage: "Tools aren't available here."}
	invoker := &countingInvoker{}

	text, err := runTurn(context.Background(), toolCallDriver{}, invoker, nil, store, handle, profile, nil, nil)
	if err != nil {
		t.Fatalf("runTurn: %v", err)
	}
	if text != "Tools aren't available here." {
		t.Fatalf("expected fallback message returned, got %q", text)
	}
	if invoker.calls() != 0 {
		t.Fatalf("expected invoker never called, got %d calls", invoker.calls())
	}

	snapshot := store.Snapshot(handle)
	var sawToolResult bool
	for _, m := range snapshot {
		if m.Kind == models.KindToolResult && m.ToolCallID == "t1" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatalf("expected a synthetic refusal ToolResult for t1: %+v", snapshot)
	}
}
