package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftworks/conduit/internal/agent"
)

const heartbeatPrompt = "Heartbeat check-in. Review pending work and respond briefly."

// heartbeat submits a fixed prompt under the reserved session key on a long
// interval. Failures are logged and ignored.
func (g *Gateway) heartbeat(ctx context.Context) {
	minutes := g.cfg.Gateway.HeartbeatMinutes
	if minutes <= 0 {
		minutes = 30
	}
	ticker := time.NewTicker(time.Duration(minutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.runHeartbeat(ctx)
		}
	}
}

func (g *Gateway) runHeartbeat(ctx context.Context) {
	g.inflight.add()
	defer g.inflight.done()

	turnCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	res, err := g.engine.Run(turnCtx, agent.TurnRequest{
		SessionKey: heartbeatSessionKey,
		Channel:    "system",
		ChatID:     "heartbeat",
		Content:    heartbeatPrompt,
		Direct:     true,
	})
	if err != nil {
		slog.Warn("heartbeat turn failed", "error", err)
		return
	}
	slog.Debug("heartbeat ok", "chars", len(res.Content))
}
