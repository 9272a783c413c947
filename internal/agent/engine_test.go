package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/driftworks/conduit/internal/bus"
	"github.com/driftworks/conduit/internal/providers"
	"github.com/driftworks/conduit/internal/sessions"
	"github.com/driftworks/conduit/internal/store"
	"github.com/driftworks/conduit/internal/tools"
)

// scriptedProvider returns canned responses in order; the last one repeats.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	err       error
	calls     int
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	i := p.calls - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil && resp.Content != "" {
		onChunk(providers.StreamChunk{Content: resp.Content})
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type engineFixture struct {
	engine  *Engine
	mgr     *sessions.Manager
	bus     *bus.MessageBus
	usage   *store.UsageStore
	cleanup func()
}

func newFixture(t *testing.T, p providers.Provider, maxIterations int) *engineFixture {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mgr := sessions.NewManager(store.NewSessionStore(db))
	usage := store.NewUsageStore(db)
	b := bus.New()
	t.Cleanup(b.Close)

	reg := tools.NewRegistry()
	reg.Register(tools.NewCalculatorTool())

	eng := NewEngine(Config{
		Provider:      p,
		Model:         "test-model",
		MaxIterations: maxIterations,
		Sessions:      mgr,
		Tools:         reg,
		Builder:       &ContextBuilder{SystemPrompt: "You are a helpful assistant."},
		Bus:           b,
		Usage:         usage,
	})
	return &engineFixture{engine: eng, mgr: mgr, bus: b, usage: usage}
}

func collectOutbound(t *testing.T, b *bus.MessageBus, channel string) (<-chan bus.OutboundMessage, context.CancelFunc) {
	t.Helper()
	out := make(chan bus.OutboundMessage, 8)
	b.SubscribeOutbound(channel, func(m bus.OutboundMessage) error {
		out <- m
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	go b.DispatchOutbound(ctx)
	return out, cancel
}

func TestRun_EchoNoTools(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "hi", FinishReason: "stop", Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
	}}
	f := newFixture(t, p, 10)
	out, cancel := collectOutbound(t, f.bus, "web")
	defer cancel()

	res, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:default", Channel: "web", ChatID: "default", Content: "hello",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "hi" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Telemetry.Iterations != 1 || res.Telemetry.ToolCalls != 0 {
		t.Errorf("telemetry = %+v", res.Telemetry)
	}

	sess, _ := f.mgr.GetOrCreate("web:default")
	if len(sess.Messages) != 2 ||
		sess.Messages[0].Role != "user" || sess.Messages[0].Content != "hello" ||
		sess.Messages[1].Role != "assistant" || sess.Messages[1].Content != "hi" {
		t.Errorf("session messages = %+v", sess.Messages)
	}

	select {
	case m := <-out:
		if m.Channel != "web" || m.ChatID != "default" || m.Content != "hi" {
			t.Errorf("outbound = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no outbound message")
	}
}

func TestRun_OneToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{
				ID: "call_1", Name: "calculator",
				Arguments: map[string]any{"a": float64(2), "b": float64(3)},
			}},
		},
		{Content: "The sum is 5.", FinishReason: "stop"},
	}}
	f := newFixture(t, p, 10)
	out, cancel := collectOutbound(t, f.bus, "web")
	defer cancel()

	res, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:calc", Channel: "web", ChatID: "calc", Content: "what is 2+3?",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "The sum is 5." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Telemetry.Iterations != 2 || res.Telemetry.ToolCalls != 1 || res.Telemetry.FailedToolCalls != 0 {
		t.Errorf("telemetry = %+v", res.Telemetry)
	}

	sess, _ := f.mgr.GetOrCreate("web:calc")
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	if len(sess.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(sess.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if sess.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q", i, sess.Messages[i].Role, role)
		}
	}
	if sess.Messages[2].Content != "5" || sess.Messages[2].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", sess.Messages[2])
	}
	if len(sess.Messages[1].ToolCalls) != 1 || sess.Messages[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls = %+v", sess.Messages[1].ToolCalls)
	}

	select {
	case m := <-out:
		if m.Content != "The sum is 5." {
			t.Errorf("outbound = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no outbound message")
	}
}

func TestRun_IterationCap(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{
				ID: "call_x", Name: "calculator",
				Arguments: map[string]any{"a": float64(1), "b": float64(1)},
			}},
		},
	}}
	f := newFixture(t, p, 2)

	res, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:loop", Channel: "web", ChatID: "loop", Content: "go", Direct: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("llm calls = %d, want 2", p.calls)
	}
	if res.Telemetry.ToolCalls != 2 {
		t.Errorf("tool calls = %d, want 2", res.Telemetry.ToolCalls)
	}
	if !res.Telemetry.Success || !res.Telemetry.Truncated {
		t.Errorf("telemetry success=%v truncated=%v", res.Telemetry.Success, res.Telemetry.Truncated)
	}

	sess, _ := f.mgr.GetOrCreate("web:loop")
	last := sess.Messages[len(sess.Messages)-1]
	if last.Role != "assistant" || last.Content != iterationLimitText {
		t.Errorf("terminator = %+v", last)
	}
}

func TestRun_SingleIterationBoundary(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{
				ID: "c1", Name: "calculator",
				Arguments: map[string]any{"a": float64(1), "b": float64(2)},
			}},
		},
	}}
	f := newFixture(t, p, 1)

	res, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:one", Channel: "web", ChatID: "one", Content: "go", Direct: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("llm calls = %d, want 1", p.calls)
	}
	if !res.Telemetry.Truncated || res.Content != iterationLimitText {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_ToolFailureFeedsBack(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{
				ID: "c1", Name: "calculator",
				Arguments: map[string]any{"a": float64(1), "b": float64(0), "op": "div"},
			}},
		},
		{Content: "Cannot divide by zero.", FinishReason: "stop"},
	}}
	f := newFixture(t, p, 10)

	res, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:div", Channel: "web", ChatID: "div", Content: "1/0", Direct: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "Cannot divide by zero." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Telemetry.FailedToolCalls != 1 {
		t.Errorf("failed tool calls = %d", res.Telemetry.FailedToolCalls)
	}

	sess, _ := f.mgr.GetOrCreate("web:div")
	toolMsg := sess.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.Content == "" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestRun_UnknownToolFeedsBack(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "c1", Name: "nonexistent", Arguments: map[string]any{}}},
		},
		{Content: "done", FinishReason: "stop"},
	}}
	f := newFixture(t, p, 10)

	res, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:unk", Channel: "web", ChatID: "unk", Content: "go", Direct: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Telemetry.FailedToolCalls != 1 {
		t.Errorf("failed tool calls = %d", res.Telemetry.FailedToolCalls)
	}
}

func TestRun_LLMErrorFailsTurn(t *testing.T) {
	p := &scriptedProvider{err: errors.New("backend down")}
	f := newFixture(t, p, 10)

	_, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:err", Channel: "web", ChatID: "err", Content: "hi", Direct: true,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 1 {
		t.Errorf("llm calls = %d, want 1 (no retry within the turn)", p.calls)
	}

	// Failure still produces a usage row.
	entries, uerr := f.usage.Recent(10)
	if uerr != nil {
		t.Fatalf("Recent: %v", uerr)
	}
	if len(entries) != 1 || entries[0].Success {
		t.Errorf("usage = %+v", entries)
	}
}

func TestRun_StreamingEvents(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{
				ID: "c1", Name: "calculator",
				Arguments: map[string]any{"a": float64(2), "b": float64(3)},
			}},
		},
		{Content: "The sum is 5.", FinishReason: "stop"},
	}}
	f := newFixture(t, p, 10)

	var events []Event
	res, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:stream", Channel: "web", ChatID: "stream", Content: "2+3?",
		Direct:  true,
		OnEvent: func(ev Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawToolStart, sawToolEnd, sawDelta bool
	var done *Event
	for i := range events {
		switch events[i].Type {
		case EventToolStart:
			sawToolStart = true
		case EventToolEnd:
			sawToolEnd = true
		case EventTextDelta:
			sawDelta = true
		case EventDone:
			done = &events[i]
		}
	}
	if !sawToolStart || !sawToolEnd || !sawDelta {
		t.Errorf("events missing markers: start=%v end=%v delta=%v", sawToolStart, sawToolEnd, sawDelta)
	}
	if done == nil {
		t.Fatal("no done event")
	}
	if done.Text != res.Content || done.Telemetry == nil {
		t.Errorf("done = %+v", done)
	}
	if events[len(events)-1].Type != EventDone {
		t.Errorf("last event = %v, want done", events[len(events)-1].Type)
	}
}

func TestRun_UsageRowWritten(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "ok", FinishReason: "stop", Usage: &providers.Usage{PromptTokens: 7, CompletionTokens: 1, TotalTokens: 8}},
	}}
	f := newFixture(t, p, 10)

	if _, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:u", Channel: "web", ChatID: "u", Content: "hi", Direct: true,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := f.usage.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("usage rows = %d", len(entries))
	}
	e := entries[0]
	if !e.Success || e.Iterations != 1 || e.TotalTokens != 8 || e.Channel != "web" {
		t.Errorf("usage = %+v", e)
	}
}

func TestRun_CompactsOversizedSession(t *testing.T) {
	// First scripted response feeds the compaction summary call, second the
	// turn itself.
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "earlier chat summary", FinishReason: "stop"},
		{Content: "ok", FinishReason: "stop"},
	}}
	f := newFixture(t, p, 10)

	const limit = 2000
	f.engine.compactor = NewCompactor(p, "test-model", limit)

	sess, err := f.mgr.GetOrCreate("web:long")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	sess.Append(providers.Message{Role: "system", Content: "base prompt"})
	filler := strings.Repeat("history ", 25) // 200 chars per message
	for i := 0; i < 40; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		sess.Append(providers.Message{Role: role, Content: fmt.Sprintf("%d %s", i, filler)})
	}
	if EstimateTokens(sess.Messages) <= f.engine.compactor.Threshold() {
		t.Fatalf("fixture not over threshold: %d", EstimateTokens(sess.Messages))
	}
	if err := f.mgr.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// The last 8 messages the turn will see: the seeded tail plus the
	// incoming user message.
	wantTail := make([]string, 0, 8)
	for _, m := range sess.Messages[len(sess.Messages)-7:] {
		wantTail = append(wantTail, m.Content)
	}
	wantTail = append(wantTail, "continue")

	res, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:long", Channel: "web", ChatID: "long", Content: "continue", Direct: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Telemetry.Compactions < 1 {
		t.Errorf("telemetry compactions = %d, want >= 1", res.Telemetry.Compactions)
	}

	sess, _ = f.mgr.GetOrCreate("web:long")
	if got := EstimateTokens(sess.Messages); got > limit/2 {
		t.Errorf("estimated tokens after compaction = %d, want <= %d", got, limit/2)
	}
	if sess.Messages[0].Role != "system" || sess.Messages[0].Content != "base prompt" {
		t.Errorf("first message = %+v", sess.Messages[0])
	}
	if sess.CompactionCount() < 1 {
		t.Errorf("compaction count = %d", sess.CompactionCount())
	}
	if p.calls != 2 {
		t.Errorf("llm calls = %d, want 2 (summary + turn)", p.calls)
	}

	// The tail survives verbatim; the final assistant reply follows it.
	last := sess.Messages[len(sess.Messages)-1]
	if last.Role != "assistant" || last.Content != "ok" {
		t.Fatalf("final message = %+v", last)
	}
	tail := sess.Messages[len(sess.Messages)-1-len(wantTail) : len(sess.Messages)-1]
	for i, want := range wantTail {
		if tail[i].Content != want {
			t.Errorf("tail[%d] = %q, want %q", i, tail[i].Content, want)
		}
	}
}

func TestRun_EmitsTraceSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{
				ID: "c1", Name: "calculator",
				Arguments: map[string]any{"a": float64(2), "b": float64(3)},
			}},
		},
		{Content: "The sum is 5.", FinishReason: "stop"},
	}}
	f := newFixture(t, p, 10)

	if _, err := f.engine.Run(context.Background(), TurnRequest{
		SessionKey: "web:trace", Channel: "web", ChatID: "trace", Content: "2+3?", Direct: true,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	counts := map[string]int{}
	for _, s := range rec.Ended() {
		counts[s.Name()]++
	}
	if counts["agent.turn"] != 1 || counts["llm.chat"] != 2 || counts["tool.execute"] != 1 {
		t.Errorf("span counts = %v", counts)
	}
}

func TestRun_ConcurrentSessionsIndependent(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "ok", FinishReason: "stop"},
	}}
	f := newFixture(t, p, 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("web:s%d", i)
			if _, err := f.engine.Run(context.Background(), TurnRequest{
				SessionKey: key, Channel: "web", ChatID: fmt.Sprintf("s%d", i),
				Content: "hi", Direct: true,
			}); err != nil {
				t.Errorf("Run %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	infos, err := f.mgr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 8 {
		t.Errorf("sessions = %d, want 8", len(infos))
	}
	for _, info := range infos {
		if info.MessageCount != 2 {
			t.Errorf("session %s has %d messages", info.Key, info.MessageCount)
		}
	}
}
