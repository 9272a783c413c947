package agent

import (
	"sort"
	"time"

	"github.com/driftworks/conduit/internal/providers"
	"github.com/driftworks/conduit/internal/store"
)

// TurnTelemetry accumulates per-turn accounting: token usage, iteration
// count, tool-call outcomes and wall-clock durations. One entry goes to the
// usage sink when the turn completes.
type TurnTelemetry struct {
	Channel    string
	SessionKey string
	Model      string
	Start      time.Time

	Iterations       int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LLMDuration      time.Duration

	ToolCalls       int
	FailedToolCalls int
	ToolDuration    time.Duration

	Compactions int

	Success   bool
	Truncated bool
	Error     string

	toolNames map[string]struct{}
}

func NewTurnTelemetry(channel, sessionKey, model string) *TurnTelemetry {
	return &TurnTelemetry{
		Channel:    channel,
		SessionKey: sessionKey,
		Model:      model,
		Start:      time.Now(),
		toolNames:  make(map[string]struct{}),
	}
}

// RecordLLMCall adds one LLM round trip.
func (t *TurnTelemetry) RecordLLMCall(usage *providers.Usage, dur time.Duration) {
	t.LLMDuration += dur
	if usage != nil {
		t.PromptTokens += usage.PromptTokens
		t.CompletionTokens += usage.CompletionTokens
		t.TotalTokens += usage.TotalTokens
	}
}

// RecordToolCall adds one tool invocation.
func (t *TurnTelemetry) RecordToolCall(name string, dur time.Duration, failed bool) {
	t.ToolCalls++
	t.ToolDuration += dur
	if failed {
		t.FailedToolCalls++
	}
	t.toolNames[name] = struct{}{}
}

// ToolNames returns the distinct tools used this turn, sorted.
func (t *TurnTelemetry) ToolNames() []string {
	names := make([]string, 0, len(t.toolNames))
	for n := range t.toolNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Entry freezes the telemetry into a usage row.
func (t *TurnTelemetry) Entry() *store.UsageEntry {
	return &store.UsageEntry{
		Timestamp:        t.Start,
		Channel:          t.Channel,
		SessionKey:       t.SessionKey,
		Model:            t.Model,
		Success:          t.Success,
		Error:            t.Error,
		Iterations:       t.Iterations,
		PromptTokens:     t.PromptTokens,
		CompletionTokens: t.CompletionTokens,
		TotalTokens:      t.TotalTokens,
		LLMDurationMs:    t.LLMDuration.Milliseconds(),
		ToolCalls:        t.ToolCalls,
		FailedToolCalls:  t.FailedToolCalls,
		ToolDurationMs:   t.ToolDuration.Milliseconds(),
		TotalDurationMs:  time.Since(t.Start).Milliseconds(),
		ToolNames:        t.ToolNames(),
	}
}
