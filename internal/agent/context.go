package agent

import (
	"strings"

	"github.com/driftworks/conduit/internal/providers"
)

// ContextBuilder assembles the message window sent to the LLM: one combined
// system message followed by the most recent slice of session history.
type ContextBuilder struct {
	SystemPrompt       string
	MaxSessionMessages int

	// Preludes are resolved per turn so hot-reloaded skills and an edited
	// memory file take effect without a restart. Either may be nil.
	Skills func() string
	Memory func() string
}

// Build returns the LLM message list for the given session history.
func (b *ContextBuilder) Build(history []providers.Message) []providers.Message {
	var parts []string
	if b.SystemPrompt != "" {
		parts = append(parts, b.SystemPrompt)
	}
	if b.Skills != nil {
		if s := b.Skills(); s != "" {
			parts = append(parts, s)
		}
	}
	if b.Memory != nil {
		if m := b.Memory(); m != "" {
			parts = append(parts, m)
		}
	}

	window := history
	if b.MaxSessionMessages > 0 && len(window) > b.MaxSessionMessages {
		window = window[len(window)-b.MaxSessionMessages:]
	}
	window = sanitizeToolPairing(window)

	msgs := make([]providers.Message, 0, len(window)+1)
	if len(parts) > 0 {
		msgs = append(msgs, providers.Message{
			Role:    "system",
			Content: strings.Join(parts, "\n\n"),
		})
	}
	return append(msgs, window...)
}

// EstimateTokens approximates the token count of a message list. Four
// characters per token is close enough for budgeting; role framing and tool
// call payloads get a small per-message overhead.
func EstimateTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 // role framing
		total += len(m.Content) / 4
		for _, tc := range m.ToolCalls {
			total += len(tc.Name)/4 + 16
		}
	}
	return total
}
