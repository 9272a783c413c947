package agent

import "github.com/driftworks/conduit/internal/providers"

// sanitizeToolPairing drops tool messages whose invoking assistant is not
// present earlier in the slice. This happens when a history window cut off
// the assistant that announced the call, or when a crash left a hanging tool
// row. The LLM wire format rejects an orphaned tool message outright, so
// dropping is the only safe repair.
func sanitizeToolPairing(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	pending := map[string]bool{}

	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			pending = map[string]bool{}
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
			}
			out = append(out, m)
		case "tool":
			if m.ToolCallID != "" && pending[m.ToolCallID] {
				delete(pending, m.ToolCallID)
				out = append(out, m)
			}
		default:
			// Any other role closes the tool window.
			pending = map[string]bool{}
			out = append(out, m)
		}
	}
	return out
}
