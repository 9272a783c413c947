package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/driftworks/conduit/internal/agent"
	"github.com/driftworks/conduit/internal/bus"
	"github.com/driftworks/conduit/internal/channels"
	"github.com/driftworks/conduit/internal/media"
)

// superviseInbound keeps the inbound dispatcher alive until shutdown,
// restarting it after a panic.
func (g *Gateway) superviseInbound(ctx context.Context) {
	for ctx.Err() == nil {
		if crashed := g.dispatchInbound(ctx); !crashed {
			return
		}
		slog.Error("inbound dispatcher crashed, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// dispatchInbound consumes the inbound queue and launches one turn per
// message. Turns for different sessions run concurrently; turns for the
// same session run in arrival order. Returns true when it exited via
// panic rather than shutdown.
func (g *Gateway) dispatchInbound(ctx context.Context) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("inbound dispatcher panic", "panic", r)
			crashed = true
		}
	}()

	for {
		msg, ok := g.bus.ConsumeInbound(ctx)
		if !ok {
			return false
		}
		prev, done := g.turnQueue.enqueue(msg.SessionKey())
		go func(msg bus.InboundMessage) {
			defer done()
			if prev != nil {
				select {
				case <-prev:
				case <-ctx.Done():
					return
				}
			}
			g.runInboundTurn(ctx, msg)
		}(msg)
	}
}

// sessionQueue serializes turns per session key. Each enqueue hands back
// the previous turn's completion channel; a turn waits on it before
// running, so arrival order is preserved within a session.
type sessionQueue struct {
	mu   sync.Mutex
	tail map[string]chan struct{}
}

func newSessionQueue() *sessionQueue {
	return &sessionQueue{tail: make(map[string]chan struct{})}
}

func (q *sessionQueue) enqueue(key string) (prev <-chan struct{}, done func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if tail, ok := q.tail[key]; ok {
		prev = tail
	}
	next := make(chan struct{})
	q.tail[key] = next
	return prev, func() {
		close(next)
		q.mu.Lock()
		if q.tail[key] == next {
			delete(q.tail, key)
		}
		q.mu.Unlock()
	}
}

func (g *Gateway) runInboundTurn(ctx context.Context, msg bus.InboundMessage) {
	g.inflight.add()
	defer g.inflight.done()

	content := msg.Content
	if maxChars := g.cfg.Gateway.MaxMessageChars; maxChars > 0 && len(content) > maxChars {
		content = channels.Truncate(content, maxChars)
	}

	g.ingestMedia(ctx, msg)

	_, err := g.engine.Run(ctx, agent.TurnRequest{
		SessionKey: msg.SessionKey(),
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Content:    content,
	})
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrUnavailable):
		_ = g.bus.PublishOutbound(bus.OutboundMessage{
			Channel:   msg.Channel,
			ChatID:    msg.ChatID,
			Content:   "The agent is not configured with an LLM provider yet.",
			Timestamp: time.Now(),
		})
	case errors.Is(err, context.Canceled):
		slog.Info("turn cancelled", "session", msg.SessionKey())
	default:
		slog.Error("turn failed", "session", msg.SessionKey(), "error", err)
		_ = g.bus.PublishOutbound(bus.OutboundMessage{
			Channel:   msg.Channel,
			ChatID:    msg.ChatID,
			Content:   "Sorry, something went wrong handling that message.",
			Timestamp: time.Now(),
		})
	}
}

// ingestMedia runs attached files through the media pipeline before the
// turn; results surface as asset state, not turn failures.
func (g *Gateway) ingestMedia(ctx context.Context, msg bus.InboundMessage) {
	if g.media == nil || len(msg.Media) == 0 {
		return
	}
	for _, path := range msg.Media {
		asset, err := g.media.RegisterInbound(ctx, media.RegisterRequest{
			Channel:            msg.Channel,
			ChatID:             msg.ChatID,
			LocalPath:          path,
			SourceType:         "upload",
			SourceRef:          path,
			ItemCountInMessage: len(msg.Media),
		}, msg.SenderID)
		if err != nil {
			slog.Warn("media ingest failed", "path", path, "error", err)
			continue
		}
		slog.Debug("media ingested", "asset", asset.ID, "state", asset.State)
	}
}

// turnTracker counts in-flight turns so shutdown can drain them.
type turnTracker struct {
	mu    sync.Mutex
	count int
	idle  chan struct{}
}

func newTurnTracker() *turnTracker {
	t := &turnTracker{idle: make(chan struct{})}
	close(t.idle)
	return t
}

func (t *turnTracker) add() {
	t.mu.Lock()
	if t.count == 0 {
		t.idle = make(chan struct{})
	}
	t.count++
	t.mu.Unlock()
}

func (t *turnTracker) done() {
	t.mu.Lock()
	t.count--
	if t.count == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

// waitIdle blocks until no turns are in flight or the grace period expires.
func (t *turnTracker) waitIdle(grace time.Duration) bool {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return true
	case <-time.After(grace):
		return false
	}
}
