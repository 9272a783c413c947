// Package webchat serves the "web" channel over WebSocket. The gateway's
// HTTP server mounts the channel as a handler; each connection declares a
// chat id and exchanges JSON frames.
package webchat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/driftworks/conduit/internal/bus"
	"github.com/driftworks/conduit/internal/channels"
)

// Frame is the wire format in both directions.
type Frame struct {
	Type    string `json:"type"` // "message" in, "response" out
	Content string `json:"content"`
	ChatID  string `json:"chatId,omitempty"`
}

type Channel struct {
	*channels.BaseChannel
	token string // optional shared access token checked at upgrade
	mu    sync.Mutex
	conns map[string]*websocket.Conn // chat id → active connection
}

func New(msgBus *bus.MessageBus, token string, allowlist []string) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("web", msgBus, allowlist),
		token:       token,
		conns:       make(map[string]*websocket.Conn),
	}
}

// Start only flips the running flag; the gateway HTTP server drives accepts.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	for chatID, conn := range c.conns {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(c.conns, chatID)
	}
	return nil
}

// ServeHTTP upgrades the request and pumps inbound frames to the bus until
// the client goes away.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.token != "" && r.URL.Query().Get("token") != c.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("webchat accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	chatID := r.URL.Query().Get("chat")
	if chatID == "" {
		chatID = uuid.NewString()
	}
	senderID := r.URL.Query().Get("sender")
	if senderID == "" {
		senderID = chatID
	}
	if !c.IsAllowed(senderID) {
		conn.Close(websocket.StatusPolicyViolation, "not allowed")
		return
	}

	c.register(chatID, conn)
	defer c.unregister(chatID, conn)
	slog.Info("webchat client connected", "chat_id", chatID)

	ctx := r.Context()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			slog.Debug("webchat client gone", "chat_id", chatID, "error", err)
			return
		}
		if frame.Type != "message" || frame.Content == "" {
			continue
		}
		c.HandleInbound(senderID, chatID, frame.Content, nil, nil)
	}
}

// Send writes the response frame to the chat's connection.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	conn, ok := c.conns[msg.ChatID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no webchat client for chat %s", msg.ChatID)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, Frame{
		Type:    "response",
		Content: msg.Content,
		ChatID:  msg.ChatID,
	})
}

func (c *Channel) register(chatID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.conns[chatID]; ok {
		old.Close(websocket.StatusPolicyViolation, "replaced by new connection")
	}
	c.conns[chatID] = conn
}

func (c *Channel) unregister(chatID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[chatID] == conn {
		delete(c.conns, chatID)
	}
}
