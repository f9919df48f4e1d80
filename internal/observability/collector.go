package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Collector bundles Metrics, Tracer, and EventRecorder into the one
// dependency voiceloop.Session and managedav's turn cycle hold and thread
// through a call, instead of three separate ones. Any field may be left nil
// (tests construct a bare &Collector{} or pass a nil *Collector outright)
// and every method no-ops for the pieces that are absent.
type Collector struct {
	Metrics *Metrics
	Tracer  *Tracer
	Events  *EventRecorder
}

// CallStarted records a call beginning for transport ("telephony" or
// "managed_av").
func (c *Collector) CallStarted(ctx context.Context, transport, sessionID string) {
	if c == nil {
		return
	}
	if c.Metrics != nil {
		c.Metrics.CallStarted(transport)
	}
	if c.Events != nil {
		_ = c.Events.RecordCallEvent(ctx, EventTypeCallStart, sessionID, map[string]interface{}{"transport": transport})
	}
	EmitCallState(&CallStateEvent{SessionID: sessionID, Transport: transport, State: CallStateActive})
}

// CallEnded records a call ending with outcome ("completed", "hangup", or
// "error").
func (c *Collector) CallEnded(ctx context.Context, transport, sessionID, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	if c.Metrics != nil {
		c.Metrics.CallEnded(transport, outcome, duration.Seconds())
	}
	if c.Events != nil {
		_ = c.Events.RecordCallEvent(ctx, EventTypeCallEnd, sessionID, map[string]interface{}{"transport": transport, "outcome": outcome})
	}
	EmitCallState(&CallStateEvent{SessionID: sessionID, Transport: transport, State: CallStateEnding, Reason: outcome})
}

// Reconnect records a Connection Lifetime Governor reconnect.
func (c *Collector) Reconnect(sessionID string) {
	if c == nil {
		return
	}
	if c.Metrics != nil {
		c.Metrics.RecordReconnect()
	}
	EmitCallState(&CallStateEvent{SessionID: sessionID, State: CallStateActive, Reason: "governor_reconnect"})
}

// WSConnectionClosed records a closed telephony WebSocket connection's age.
func (c *Collector) WSConnectionClosed(age time.Duration) {
	if c == nil || c.Metrics == nil {
		return
	}
	c.Metrics.RecordWSConnectionClosed(age.Seconds())
}

// ManagedAVSessionCreated records a new managed-AV session.
func (c *Collector) ManagedAVSessionCreated() {
	if c == nil || c.Metrics == nil {
		return
	}
	c.Metrics.RecordManagedAVSessionCreated()
}

// TurnSpan tracks one turn (LLM stream + tool dispatch) from start to end.
type TurnSpan struct {
	c         *Collector
	span      trace.Span
	started   time.Time
	transport string
}

// StartTurn begins instrumentation for one turn: a trace span, a start
// timestamp for the eventual duration histogram, and a timeline event.
func (c *Collector) StartTurn(ctx context.Context, transport, callID, turnID string) (context.Context, *TurnSpan) {
	started := time.Now()
	if c == nil {
		return ctx, &TurnSpan{started: started, transport: transport}
	}
	var span trace.Span
	if c.Tracer != nil {
		ctx, span = c.Tracer.TraceTurn(ctx, transport, callID)
	}
	if c.Events != nil {
		ctx = AddTurnID(ctx, turnID)
		_ = c.Events.RecordTurnStart(ctx, turnID, map[string]interface{}{"transport": transport, "call_id": callID})
	}
	return ctx, &TurnSpan{c: c, span: span, started: started, transport: transport}
}

// End closes the turn span, records its duration, and appends the turn-end
// timeline event.
func (t *TurnSpan) End(ctx context.Context, err error) {
	if t == nil || t.c == nil {
		return
	}
	duration := time.Since(t.started)
	if t.c.Metrics != nil {
		t.c.Metrics.RecordTurn(t.transport, duration.Seconds())
	}
	if t.span != nil {
		if err != nil {
			t.c.Tracer.RecordError(t.span, err)
		}
		t.span.End()
	}
	if t.c.Events != nil {
		_ = t.c.Events.RecordTurnEnd(ctx, duration, err)
	}
}

// LLMSpan tracks one LLM provider request from dispatch to completion.
type LLMSpan struct {
	c        *Collector
	span     trace.Span
	started  time.Time
	provider string
	model    string
}

// StartLLMRequest begins instrumentation for one streamed LLM completion.
func (c *Collector) StartLLMRequest(ctx context.Context, provider, model string) (context.Context, *LLMSpan) {
	started := time.Now()
	if c == nil {
		return ctx, &LLMSpan{started: started, provider: provider, model: model}
	}
	var span trace.Span
	if c.Tracer != nil {
		ctx, span = c.Tracer.TraceLLMRequest(ctx, provider, model)
	}
	return ctx, &LLMSpan{c: c, span: span, started: started, provider: provider, model: model}
}

// End closes the LLM span and records request duration, status, and token
// usage. status is "success", "error", or "retry" (a fallback to the backup
// model after the primary failed).
func (l *LLMSpan) End(status string, promptTokens, completionTokens int, err error) {
	if l == nil || l.c == nil {
		return
	}
	duration := time.Since(l.started)
	if l.c.Metrics != nil {
		l.c.Metrics.RecordLLMRequest(l.provider, l.model, status, duration.Seconds(), promptTokens, completionTokens)
	}
	if l.span != nil {
		if err != nil {
			l.c.Tracer.RecordError(l.span, err)
		}
		l.c.Tracer.SetAttributes(l.span, "llm.prompt_tokens", promptTokens, "llm.completion_tokens", completionTokens, "llm.status", status)
		l.span.End()
	}
}

// ToolSpan tracks one tool invocation from dispatch to resolution.
type ToolSpan struct {
	c       *Collector
	span    trace.Span
	started time.Time
	name    string
}

// StartToolExecution begins instrumentation for one tool call.
func (c *Collector) StartToolExecution(ctx context.Context, toolName string) (context.Context, *ToolSpan) {
	started := time.Now()
	if c == nil {
		return ctx, &ToolSpan{started: started, name: toolName}
	}
	var span trace.Span
	if c.Tracer != nil {
		ctx, span = c.Tracer.TraceToolExecution(ctx, toolName)
	}
	if c.Events != nil {
		_ = c.Events.RecordToolStart(ctx, toolName, nil)
	}
	return ctx, &ToolSpan{c: c, span: span, started: started, name: toolName}
}

// End closes the tool span and records execution duration/outcome. status is
// "success" or "error".
func (t *ToolSpan) End(ctx context.Context, status string, toolErr error) {
	if t == nil || t.c == nil {
		return
	}
	duration := time.Since(t.started)
	if t.c.Metrics != nil {
		t.c.Metrics.RecordToolExecution(t.name, status, duration.Seconds())
	}
	if t.span != nil {
		if toolErr != nil {
			t.c.Tracer.RecordError(t.span, toolErr)
		}
		t.span.End()
	}
	if t.c.Events != nil {
		_ = t.c.Events.RecordToolEnd(ctx, t.name, duration, nil, toolErr)
	}
}
