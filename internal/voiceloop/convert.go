package voiceloop

import (
	"encoding/json"

	"github.com/danshapiro/ringdown/internal/llm"
	"github.com/danshapiro/ringdown/pkg/models"
)

// toLLMMessages splits a conversation snapshot into the system prompt text
// and the provider-agnostic message list (D)'s Request expects. A ToolResult
// entry is folded onto the most recent Assistant message's ToolResults slice
// rather than kept as its own llm.Message — both providers expect tool
// results nested alongside the tool_calls that produced them (see
// internal/llm's convertMessages/convertOpenAIMessages), even though the
// conversation store keeps them as separate history entries.
func toLLMMessages(snapshot []models.Message) (system string, messages []llm.Message) {
	lastAssistant := -1
	for _, m := range snapshot {
		switch m.Kind {
		case models.KindSystem:
			system = m.Text
		case models.KindUser:
			messages = append(messages, llm.Message{Role: "user", Content: m.Text})
			lastAssistant = -1
		case models.KindAssistant:
			messages = append(messages, llm.Message{
				Role:      "assistant",
				Content:   m.Text,
				ToolCalls: m.ToolCalls,
			})
			lastAssistant = len(messages) - 1
		case models.KindToolResult:
			if lastAssistant < 0 {
				continue
			}
			messages[lastAssistant].ToolResults = append(messages[lastAssistant].ToolResults, llm.ToolResult{
				ToolCallID: m.ToolCallID,
				Content:    string(m.PayloadJSON),
				IsError:    payloadIsError(m.PayloadJSON),
			})
		}
	}
	return system, messages
}

func payloadIsError(payload json.RawMessage) bool {
	var envelope struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return false
	}
	return !envelope.OK
}
