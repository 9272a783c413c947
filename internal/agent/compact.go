package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/driftworks/conduit/internal/providers"
	"github.com/driftworks/conduit/internal/sessions"
)

const summaryPrompt = `Summarize the following conversation turns concisely.
Preserve facts, decisions, names, numbers and open tasks. Output only the
summary text.`

// Compactor shrinks a session's history when it outgrows the model's context
// window. The middle of the conversation is replaced by an LLM-written
// summary; the first system message and the most recent turns survive
// verbatim.
type Compactor struct {
	provider     providers.Provider
	model        string
	contextLimit int // tokens
}

func NewCompactor(provider providers.Provider, model string, contextLimit int) *Compactor {
	if contextLimit <= 0 {
		contextLimit = 128_000
	}
	return &Compactor{provider: provider, model: model, contextLimit: contextLimit}
}

// Threshold is the estimated token count above which compaction triggers.
func (c *Compactor) Threshold() int {
	return c.contextLimit * 8 / 10
}

// NeedsCompaction reports whether the session history is over the threshold.
func (c *Compactor) NeedsCompaction(s *sessions.Session) bool {
	return EstimateTokens(s.Messages) > c.Threshold()
}

// Compact rewrites the session history in place: keep a leading system
// message if present, keep the most recent turns that fit in the tail
// budget, and replace everything between with a single user message
// summarizing what was dropped. On summary failure the middle is dropped
// without one. The compaction counter is incremented either way; the caller
// persists the session.
func (c *Compactor) Compact(ctx context.Context, s *sessions.Session) error {
	msgs := s.Messages
	if len(msgs) == 0 {
		return nil
	}

	head := 0
	if msgs[0].Role == "system" {
		head = 1
	}

	// Walk back from the end until the kept tail would exceed the budget.
	// The tail, the summary message and the turn's own reply together must
	// stay within half the context limit, so the tail gets 40%.
	budget := c.contextLimit * 4 / 10
	keepFrom := len(msgs)
	used := 0
	for i := len(msgs) - 1; i >= head; i-- {
		cost := 4 + len(msgs[i].Content)/4
		if used+cost > budget {
			break
		}
		used += cost
		keepFrom = i
	}

	if keepFrom <= head {
		// Nothing to drop.
		return nil
	}

	dropped := msgs[head:keepFrom]
	summary, err := c.summarize(ctx, dropped)
	if err != nil {
		slog.Warn("compaction summary failed, dropping without summary",
			"session", s.Key, "dropped", len(dropped), "error", err)
		summary = ""
	}

	rebuilt := make([]providers.Message, 0, 1+1+len(msgs)-keepFrom)
	rebuilt = append(rebuilt, msgs[:head]...)
	if summary != "" {
		rebuilt = append(rebuilt, providers.Message{
			Role:      "user",
			Content:   "[Conversation summary of earlier turns]\n" + summary,
			Timestamp: time.Now(),
		})
	}
	rebuilt = append(rebuilt, sanitizeToolPairing(msgs[keepFrom:])...)

	s.Messages = rebuilt
	s.IncrementCompaction()
	slog.Info("session compacted",
		"session", s.Key, "dropped", len(dropped), "kept", len(rebuilt), "summarized", summary != "")
	return nil
}

func (c *Compactor) summarize(ctx context.Context, dropped []providers.Message) (string, error) {
	var b strings.Builder
	for _, m := range dropped {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Model: c.model,
		Messages: []providers.Message{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: b.String()},
		},
		MaxTokens:   1024,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
