// Package agent implements the reason-act turn engine: the bounded loop that
// feeds session context to the LLM, dispatches requested tool calls, and
// persists the conversation when the turn settles.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/driftworks/conduit/internal/bus"
	"github.com/driftworks/conduit/internal/providers"
	"github.com/driftworks/conduit/internal/sessions"
	"github.com/driftworks/conduit/internal/store"
	"github.com/driftworks/conduit/internal/telemetry"
	"github.com/driftworks/conduit/internal/tools"
)

// ErrUnavailable is returned when the engine has no configured provider.
var ErrUnavailable = errors.New("agent: no LLM provider configured")

// iterationLimitText is the synthetic assistant message appended when the
// loop runs out of iterations while the LLM still wants tools.
const iterationLimitText = "iteration limit reached"

// UsageSink receives the telemetry entry of every completed turn.
type UsageSink interface {
	Append(*store.UsageEntry) error
}

// Engine drives turns. Turns for one session key are serialized through the
// session manager's per-key lock; turns for different sessions run
// concurrently.
type Engine struct {
	provider      providers.Provider
	model         string
	maxTokens     int
	temperature   float64
	maxIterations int

	sessions  *sessions.Manager
	tools     *tools.Registry
	builder   *ContextBuilder
	compactor *Compactor
	bus       *bus.MessageBus
	usage     UsageSink
}

// Config assembles an Engine.
type Config struct {
	Provider      providers.Provider
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int

	Sessions  *sessions.Manager
	Tools     *tools.Registry
	Builder   *ContextBuilder
	Compactor *Compactor
	Bus       *bus.MessageBus
	Usage     UsageSink
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.Builder == nil {
		cfg.Builder = &ContextBuilder{}
	}
	return &Engine{
		provider:      cfg.Provider,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		maxIterations: cfg.MaxIterations,
		sessions:      cfg.Sessions,
		tools:         cfg.Tools,
		builder:       cfg.Builder,
		compactor:     cfg.Compactor,
		bus:           cfg.Bus,
		usage:         cfg.Usage,
	}
}

// TurnRequest is one unit of work for the engine.
type TurnRequest struct {
	SessionKey string
	Channel    string
	ChatID     string
	Content    string

	// Direct marks synchronous entry points (CLI chat, cron with callback):
	// the caller consumes the result, so nothing is published outbound.
	Direct bool

	// OnEvent switches the turn to the streaming variant. Events arrive in
	// order: text-delta fragments, tool start/end markers, a status per
	// iteration boundary, and a final done.
	OnEvent func(Event)
}

// TurnResult is the settled outcome of a turn.
type TurnResult struct {
	Content   string
	Telemetry *TurnTelemetry
}

// Run executes one full turn and blocks until it settles.
func (e *Engine) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if e.provider == nil {
		return nil, ErrUnavailable
	}

	ctx, span := telemetry.StartSpan(ctx, "agent.turn",
		attribute.String("channel", req.Channel),
		attribute.String("session", req.SessionKey),
		attribute.String("model", e.model))
	res, err := e.run(ctx, req)
	telemetry.EndSpan(span, err)
	return res, err
}

func (e *Engine) run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	unlock := e.sessions.Lock(req.SessionKey)
	defer unlock()

	tel := NewTurnTelemetry(req.Channel, req.SessionKey, e.model)

	sess, err := e.sessions.GetOrCreate(req.SessionKey)
	if err != nil {
		return nil, err
	}
	sess.Append(providers.Message{Role: "user", Content: req.Content, Timestamp: time.Now()})

	if e.compactor != nil && e.compactor.NeedsCompaction(sess) {
		if err := e.compactor.Compact(ctx, sess); err != nil {
			slog.Warn("compaction failed", "session", req.SessionKey, "error", err)
		} else {
			tel.Compactions++
		}
		if err := e.sessions.Save(sess); err != nil {
			slog.Warn("save after compaction failed", "session", req.SessionKey, "error", err)
		}
	}

	final, err := e.runLoop(ctx, req, sess, tel)
	if err != nil {
		tel.Success = false
		tel.Error = err.Error()
		e.finish(req, sess, tel, "")
		return nil, err
	}

	tel.Success = true
	e.finish(req, sess, tel, final)
	return &TurnResult{Content: final, Telemetry: tel}, nil
}

func (e *Engine) runLoop(ctx context.Context, req TurnRequest, sess *sessions.Session, tel *TurnTelemetry) (string, error) {
	// Session-aware tools (cron) read the calling chat from the context.
	ctx = tools.WithSession(ctx, req.Channel, req.ChatID)

	for iter := 1; iter <= e.maxIterations; iter++ {
		tel.Iterations = iter
		e.emit(req, Event{Type: EventStatus, Iteration: iter})

		chatReq := providers.ChatRequest{
			Messages:    e.builder.Build(sess.Messages),
			Tools:       e.tools.Defs(),
			Model:       e.model,
			MaxTokens:   e.maxTokens,
			Temperature: e.temperature,
		}

		llmStart := time.Now()
		llmCtx, llmSpan := telemetry.StartSpan(ctx, "llm.chat",
			attribute.String("model", e.model),
			attribute.Int("iteration", iter))
		var resp *providers.ChatResponse
		var err error
		if req.OnEvent != nil {
			resp, err = e.provider.ChatStream(llmCtx, chatReq, func(c providers.StreamChunk) {
				if c.Content != "" {
					req.OnEvent(Event{Type: EventTextDelta, Text: c.Content})
				}
			})
		} else {
			resp, err = e.provider.Chat(llmCtx, chatReq)
		}
		telemetry.EndSpan(llmSpan, err)
		if err != nil {
			// Cancellation stops at the suspension point without appending a
			// partial assistant; anything else fails the turn the same way.
			return "", fmt.Errorf("llm call (iteration %d): %w", iter, err)
		}
		tel.RecordLLMCall(resp.Usage, time.Since(llmStart))

		if len(resp.ToolCalls) == 0 {
			sess.Append(providers.Message{Role: "assistant", Content: resp.Content, Timestamp: time.Now()})
			return resp.Content, nil
		}

		sess.Append(providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Timestamp: time.Now(),
		})

		for _, tc := range resp.ToolCalls {
			e.emit(req, Event{Type: EventToolStart, Tool: tc.Name, CallID: tc.ID, Iteration: iter})
			slog.Debug("tool call", "session", req.SessionKey, "tool", tc.Name, "iteration", iter)

			toolStart := time.Now()
			toolCtx, toolSpan := telemetry.StartSpan(ctx, "tool.execute",
				attribute.String("tool", tc.Name))
			out, toolErr := e.tools.Invoke(toolCtx, tc.Name, tc.Arguments)
			telemetry.EndSpan(toolSpan, toolErr)
			dur := time.Since(toolStart)

			content := out
			errText := ""
			if toolErr != nil {
				content = "error: " + toolErr.Error()
				errText = toolErr.Error()
				slog.Warn("tool failed", "session", req.SessionKey, "tool", tc.Name, "error", toolErr)
			}

			sess.Append(providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
				Timestamp:  time.Now(),
			})
			tel.RecordToolCall(tc.Name, dur, toolErr != nil)
			e.emit(req, Event{Type: EventToolEnd, Tool: tc.Name, CallID: tc.ID, Iteration: iter, Err: errText})
		}
	}

	// Out of iterations with the LLM still asking for tools.
	tel.Truncated = true
	sess.Append(providers.Message{Role: "assistant", Content: iterationLimitText, Timestamp: time.Now()})
	return iterationLimitText, nil
}

// finish persists the session, emits telemetry, and routes the final text.
// Persistence and accounting failures are logged, never surfaced.
func (e *Engine) finish(req TurnRequest, sess *sessions.Session, tel *TurnTelemetry, final string) {
	if err := e.sessions.Save(sess); err != nil {
		slog.Error("session save failed", "session", req.SessionKey, "error", err)
	}
	if e.usage != nil {
		if err := e.usage.Append(tel.Entry()); err != nil {
			slog.Warn("usage append failed", "session", req.SessionKey, "error", err)
		}
	}
	if !tel.Success {
		return
	}

	e.emit(req, Event{Type: EventDone, Text: final, Telemetry: tel})

	if !req.Direct && e.bus != nil {
		err := e.bus.PublishOutbound(bus.OutboundMessage{
			Channel: req.Channel,
			ChatID:  req.ChatID,
			Content: final,
		})
		if err != nil {
			slog.Warn("outbound publish failed", "session", req.SessionKey, "error", err)
		}
	}
}

func (e *Engine) emit(req TurnRequest, ev Event) {
	if req.OnEvent != nil {
		req.OnEvent(ev)
	}
}
