package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/driftworks/conduit/internal/channels/webchat"
)

// buildMux wires the HTTP surface: health, webchat websocket, and recent
// media listing for operators.
func (g *Gateway) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)

	if ch, ok := g.channels.Get("web"); ok {
		if ws, ok := ch.(*webchat.Channel); ok {
			mux.Handle("/ws", ws)
		}
	}

	if g.media != nil {
		mux.HandleFunc("/media/recent", g.handleMediaRecent)
	}
	return mux
}

func (g *Gateway) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port),
		Handler:           g.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if g.engine == nil {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"channels": g.channels.Names(),
	})
}

func (g *Gateway) handleMediaRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.media.ListRecent(limit))
}
