package managedav

import (
	"encoding/json"

	"github.com/danshapiro/ringdown/internal/llm"
	"github.com/danshapiro/ringdown/pkg/models"
)

// toLLMMessages mirrors voiceloop's converter of the same name: both exist
// because package boundaries keep the unexported conversion private to each
// caller, not because the logic differs. Grounded on internal/llm/anthropic.go
// and openai.go's convertMessages, which nest ToolResults on the preceding
// Assistant message rather than treating them as standalone entries.
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
