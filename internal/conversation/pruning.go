package conversation

import "github.com/danshapiro/ringdown/pkg/models"

// prune enforces spec.md §4.1's window invariant: when message count exceeds
// window, remove the oldest non-system message until within window, removing
// an Assistant/ToolResult pair together so no ToolResult is ever left
// referencing a tool_call_id no longer present on an Assistant message.
//
// The system message (always index 0 when present) is never removed.
func prune(messages []models.Message, window int) ([]models.Message, error) {
	if len(messages) <= window {
		return messages, nil
	}

	// Work on a copy; messages[0] is the system message if present.
	out := append([]models.Message(nil), messages...)

	for len(out) > window {
		// Find the oldest non-system message.
		idx := -1
		for i, m := range out {
			if !m.IsSystem() {
				idx = i
				break
			}
		}
		if idx == -1 {
			// Only the system message remains; can't prune further.
			break
		}

		victim := out[idx]
		switch {
		case victim.HasPendingToolCalls():
			// Remove this Assistant message together with every ToolResult
			// that resolves one of its tool_calls, wherever they fall.
			ids := make(map[string]bool, len(victim.ToolCalls))
			for _, tc := range victim.ToolCalls {
				ids[tc.ID] = true
			}
			out = removeAt(out, idx)
			out = removeMatching(out, func(m models.Message) bool {
				return m.Kind == models.KindToolResult && ids[m.ToolCallID]
			})
		case victim.Kind == models.KindToolResult:
			// A ToolResult should never be pruned ahead of its owning
			// Assistant message (Assistant messages are older), but if
			// encountered alone, drop it — its tool_call_id is by
			// definition no longer referenced once its Assistant sibling
			// is gone.
			out = removeAt(out, idx)
		default:
			out = removeAt(out, idx)
		}
	}

	if err := validateNoOrphans(out); err != nil {
		return nil, err
	}
	return out, nil
}

func removeAt(messages []models.Message, idx int) []models.Message {
	out := make([]models.Message, 0, len(messages)-1)
	out = append(out, messages[:idx]...)
	out = append(out, messages[idx+1:]...)
	return out
}

func removeMatching(messages []models.Message, match func(models.Message) bool) []models.Message {
	out := messages[:0:0]
	for _, m := range messages {
		if !match(m) {
			out = append(out, m)
		}
	}
	return out
}

// validateNoOrphans re-asserts the §3 invariant after pruning: every
// remaining ToolResult's tool_call_id must still appear on some Assistant
// message in the slice.
func validateNoOrphans(messages []models.Message) error {
	known := make(map[string]bool)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			known[tc.ID] = true
		}
	}
	for _, m := range messages {
		if m.Kind == models.KindToolResult && !known[m.ToolCallID] {
			return ErrPruneInvariant
		}
	}
	return nil
}
