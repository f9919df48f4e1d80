package tooling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/danshapiro/ringdown/pkg/models"
)

type sendEmailArgs struct {
	To   string `json:"to" jsonschema:"required"`
	Body string `json:"body" jsonschema:"required"`
}

func echoSpec() Spec {
	return Spec{
		Name:        "SendEmail",
		Description: "send an email",
		ArgsType:    sendEmailArgs{},
		Timeout:     time.Second,
		Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, *ToolError) {
			return json.RawMessage(`{"sent":true}`), nil
		},
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoSpec()); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	err := r.Register(echoSpec())
	if _, ok := err.(*ErrDuplicateTool); !ok {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestSchemaForHonorsAllowlistOrder(t *testing.T) {
	r := NewRegistry()
	must(t, r.Register(echoSpec()))
	must(t, r.Register(Spec{Name: "Search", Description: "search the web", Fn: noopFn}))

	descs := r.SchemaFor([]string{"Search", "SendEmail", "NotRegistered"})
	if len(descs) != 2 || descs[0].Name != "Search" || descs[1].Name != "SendEmail" {
		t.Fatalf("unexpected descriptors: %+v", descs)
	}
	for _, d := range descs {
		var decoded map[string]any
		if err := json.Unmarshal(d.ArgSchema, &decoded); err != nil {
			t.Fatalf("schema not valid JSON: %v", err)
		}
		if decoded["$schema"] != draft202012 {
			t.Fatalf("expected draft 2020-12 $schema, got %v", decoded["$schema"])
		}
		if refsComponents(decoded) {
			t.Fatalf("schema must never reference #/components/: %s", d.ArgSchema)
		}
	}
}

func refsComponents(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for k, vv := range val {
			if k == "$ref" {
				if s, ok := vv.(string); ok && len(s) >= 13 && s[:13] == "#/components/" {
					return true
				}
			}
			if refsComponents(vv) {
				return true
			}
		}
	case []any:
		for _, vv := range val {
			if refsComponents(vv) {
				return true
			}
		}
	}
	return false
}

func noopFn(ctx context.Context, args json.RawMessage) (json.RawMessage, *ToolError) {
	return json.RawMessage(`{}`), nil
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInvokeRejectsInvalidArgs(t *testing.T) {
	r := NewRegistry()
	must(t, r.Register(echoSpec()))
	exec := NewExecutor(r)

	call := models.ToolCall{ID: "t1", Name: "SendEmail", ArgsRaw: json.RawMessage(`{}`)}
	payload, toolErr := exec.Invoke(context.Background(), call, nil)
	if toolErr == nil || toolErr.Kind != ErrorInvalidArgs {
		t.Fatalf("expected ErrorInvalidArgs, got %v", toolErr)
	}
	var env map[string]any
	must(t, json.Unmarshal(payload, &env))
	if env["ok"] != false {
		t.Fatalf("expected ok:false envelope, got %s", payload)
	}
}

func TestInvokeSucceeds(t *testing.T) {
	r := NewRegistry()
	must(t, r.Register(echoSpec()))
	exec := NewExecutor(r)

	call := models.ToolCall{ID: "t1", Name: "SendEmail", ArgsRaw: json.RawMessage(`{"to":"dan@example.com","body":"hi"}`)}
	payload, toolErr := exec.Invoke(context.Background(), call, nil)
	if toolErr != nil {
		t.Fatalf("unexpected error: %v", toolErr)
	}
	var env map[string]any
	must(t, json.Unmarshal(payload, &env))
	if env["ok"] != true {
		t.Fatalf("expected ok:true envelope, got %s", payload)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	r := NewRegistry()
	must(t, r.Register(Spec{
		Name:    "Slow",
		Timeout: 10 * time.Millisecond,
		Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, *ToolError) {
			<-ctx.Done()
			return nil, nil
		},
	}))
	exec := NewExecutor(r)

	call := models.ToolCall{ID: "t1", Name: "Slow", ArgsRaw: json.RawMessage(`{}`)}
	_, toolErr := exec.Invoke(context.Background(), call, nil)
	if toolErr == nil || toolErr.Kind != ErrorTimeout {
		t.Fatalf("expected ErrorTimeout, got %v", toolErr)
	}
}

func TestInvokeCancelledByTurnContext(t *testing.T) {
	r := NewRegistry()
	must(t, r.Register(Spec{
		Name:    "Slow",
		Timeout: time.Second,
		Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, *ToolError) {
			<-ctx.Done()
			return nil, nil
		},
	}))
	exec := NewExecutor(r)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	call := models.ToolCall{ID: "t1", Name: "Slow", ArgsRaw: json.RawMessage(`{}`)}
	_, toolErr := exec.Invoke(ctx, call, nil)
	if toolErr == nil || toolErr.Kind != ErrorCancelled {
		t.Fatalf("expected ErrorCancelled, got %v", toolErr)
	}
}

func TestInvokeEmitsStatusNarrationWithin200ms(t *testing.T) {
	r := NewRegistry()
	must(t, r.Register(Spec{
		Name:            "Slow",
		Timeout:         time.Second,
		StatusNarration: "Working on it...",
		Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, *ToolError) {
			time.Sleep(300 * time.Millisecond)
			return json.RawMessage(`{}`), nil
		},
	}))
	exec := NewExecutor(r)

	var events []StatusEvent
	done := make(chan struct{})
	observe := func(e StatusEvent) {
		events = append(events, e)
		close(done)
	}

	call := models.ToolCall{ID: "t1", Name: "Slow", ArgsRaw: json.RawMessage(`{}`)}
	start := time.Now()
	_, _ = exec.Invoke(context.Background(), call, observe)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("status narration never fired")
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		// sanity: narration should not fire immediately
		t.Fatalf("narration fired implausibly early: %v", elapsed)
	}
	if len(events) != 1 || events[0].Phrase != "Working on it..." {
		t.Fatalf("unexpected events: %+v", events)
	}
}
