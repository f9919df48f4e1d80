// Package observability provides monitoring and debugging capabilities for
// ringdownd through metrics, structured logging, distributed tracing, and a
// per-call event timeline.
//
// # Overview
//
// The observability package implements four pillars:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed tracing with OpenTelemetry
//  4. Timeline - Per-call event history for debugging dropped or misbehaving calls
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Call volume and duration by transport (telephony, managed_av)
//   - Turn latency (one LLM stream + its tool dispatch)
//   - LLM request latency, retries, and token usage
//   - Tool execution duration and outcome
//   - Error rates by component and kind
//   - WebSocket connection age at close
//   - Managed-AV session counts
//   - Managed-AV HTTP request/response metrics
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//	metrics.CallStarted("telephony")
//	defer metrics.CallEnded("telephony", "completed", time.Since(start).Seconds())
//
//	// Track LLM requests
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	// Track tool execution
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("SendEmail", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request/session ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	logger.Info(ctx, "turn completed",
//	    "transport", "telephony",
//	    "caller_id", callerID,
//	    "tool_calls", len(toolCalls),
//	)
//
//	logger.Error(ctx, "LLM request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track a call's turns, LLM
// requests, tool executions, and managed-AV HTTP requests. The default
// exporter writes to an in-process writer (stdouttrace) — there is no
// downstream collector to configure for a single-process deployment.
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "ringdownd",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    SamplingRatio:  0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceTurn(ctx, "telephony", callID)
//	defer span.End()
//
//	ctx, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", "claude-sonnet-4-20250514")
//	defer llmSpan.End()
//	tracer.SetAttributes(llmSpan, "prompt_tokens", 100, "completion_tokens", 500)
//
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "SendEmail")
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// # Timeline
//
// Every turn, tool call, and LLM request recorded through an EventRecorder
// can be replayed afterward as a Timeline — the only way to inspect what
// happened on a PSTN call once it has hung up.
//
//	recorder := observability.NewEventRecorder(observability.NewMemoryEventStore(0), logger)
//	recorder.RecordTurnStart(ctx, turnID, nil)
//	defer recorder.RecordTurnEnd(ctx, time.Since(start), turnErr)
//
//	events, _ := store.GetBySessionID(sessionID)
//	fmt.Println(observability.FormatTimeline(observability.BuildTimeline(events)))
//
// # Context Propagation
//
// All components integrate with Go's context for automatic correlation:
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, "sess-456")
//	ctx = observability.AddCallerID(ctx, "+15551234567")
//	ctx = observability.AddTransport(ctx, "telephony")
//
//	logger.Info(ctx, "turn started") // Includes request_id, session_id, etc.
//
//	ctx, span := tracer.Start(ctx, "operation")
//	// Trace context propagates to child spans
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil against an isolated registry
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with the no-op provider when TraceConfig.Enabled is false
package observability
