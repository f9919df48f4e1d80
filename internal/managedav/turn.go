package managedav

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/danshapiro/ringdown/internal/conversation"
	"github.com/danshapiro/ringdown/internal/llm"
	"github.com/danshapiro/ringdown/internal/observability"
	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/pkg/models"
)

var toolIterationLimitPayload = []byte(`{"ok":false,"error":"internal","message":"tool iteration limit reached for this turn"}`)

var toolIterationRefusedPayload = []byte(`{"ok":false,"error":"internal","message":"tools are disabled for this agent"}`)

// runTurn drives one full LLM+tool cycle to completion and returns the
// accumulated assistant text, blocking until a leg produces no further tool
// calls. This is the non-streaming counterpart to voiceloop.Session's turn
// cycle (spec.md §4.6: "run one turn via (D) fully (non-streaming to the
// caller; accumulated text is returned)"); unlike the Voice Session Loop it
// has no partial-speech flush policy or barge-in, since an HTTP request has
// no mid-flight interrupt channel.
func runTurn(ctx context.Context, driver Driver, invoker Invoker, tools []tooling.Descriptor, store *conversation.MemoryStore, handle *conversation.Handle, profile models.AgentProfile, observe tooling.Observer, obs *observability.Collector) (string, error) {
	iterations := 0
	for {
		snapshot := store.Snapshot(handle)
		system, messages := toLLMMessages(snapshot)
		req := &llm.Request{
			Model: profile.Model, BackupModel: profile.BackupModel,
			System: system, Messages: messages, Tools: tools,
		}

		llmCtx, llmSpan := obs.StartLLMRequest(ctx, llmProviderFromModel(profile.Model), profile.Model)
		var text strings.Builder
		var calls []models.ToolCall
		var streamErr error
		var inputTokens, outputTokens int
		for ev := range driver.Stream(llmCtx, req) {
			switch ev.Kind {
			case llm.EventTextDelta:
				text.WriteString(ev.Fragment)
			case llm.EventToolCallRequest:
				calls = append(calls, models.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName, ArgsRaw: ev.ToolArgsJSON})
			case llm.EventStreamError:
				streamErr = ev.Err
			case llm.EventTurnComplete:
				inputTokens, outputTokens = ev.InputTokens, ev.OutputTokens
			}
		}
		if streamErr != nil {
			llmSpan.End("error", inputTokens, outputTokens, streamErr)
		} else {
			llmSpan.End("success", inputTokens, outputTokens, nil)
		}
		if streamErr != nil {
			if profile.FallbackMessage != "" {
				return profile.FallbackMessage, nil
			}
			return "", streamErr
		}

		if len(calls) == 0 {
			if text.Len() > 0 {
				if err := store.Append(handle, models.NewAssistantMessage(uuid.NewString(), text.String(), nil)); err != nil {
					return "", err
				}
			}
			return text.String(), nil
		}

		if err := store.Append(handle, models.NewAssistantMessage(uuid.NewString(), text.String(), calls)); err != nil {
			return "", err
		}

		// spec.md §8's explicit boundary: max_tool_iterations=0 means this
		// profile never runs tools at all; every tool_call request
		// short-circuits to a spoken refusal instead of invoking anything.
		if profile.MaxToolIterations == 0 {
			for _, call := range calls {
				_, toolSpan := obs.StartToolExecution(ctx, call.Name)
				toolSpan.End(ctx, "refused", nil)
				if err := store.Append(handle, models.NewToolResultMessage(uuid.NewString(), call.ID, call.Name, toolIterationRefusedPayload)); err != nil {
					return "", err
				}
			}
			if profile.FallbackMessage != "" {
				return profile.FallbackMessage, nil
			}
			return "I'm sorry, I can't do that on this call.", nil
		}

		iterations++
		if iterations > profile.MaxToolIterations {
			limitErr := tooling.NewInternalError(errors.New("tool iteration limit reached for this turn"))
			for _, call := range calls {
				_, toolSpan := obs.StartToolExecution(ctx, call.Name)
				toolSpan.End(ctx, "error", limitErr)
				if err := store.Append(handle, models.NewToolResultMessage(uuid.NewString(), call.ID, call.Name, toolIterationLimitPayload)); err != nil {
					return "", err
				}
			}
			return "", nil
		}

		for _, call := range calls {
			toolCtx, toolSpan := obs.StartToolExecution(ctx, call.Name)
			payload, toolErr := invoker.Invoke(toolCtx, call, observe)
			status := "success"
			var errForSpan error
			if toolErr != nil {
				status = "error"
				errForSpan = toolErr
			}
			toolSpan.End(toolCtx, status, errForSpan)
			if err := store.Append(handle, models.NewToolResultMessage(uuid.NewString(), call.ID, call.Name, payload)); err != nil {
				return "", err
			}
		}
	}
}

// llmProviderFromModel guesses the provider label for metrics/tracing from a
// model name's vendor prefix; the Driver/Invoker interfaces this package
// depends on don't expose actual provider identity to the call-handling
// layer.
func llmProviderFromModel(model string) string {
	if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") {
		return "openai"
	}
	return "anthropic"
}
