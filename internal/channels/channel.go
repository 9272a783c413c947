// Package channels is the transport adapter layer. Each adapter connects one
// messaging platform to the message bus: inbound messages pass the allowlist
// and are published to the bus; outbound messages for the adapter's channel
// name are delivered back to the platform.
package channels

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/driftworks/conduit/internal/bus"
)

// InternalChannels are reserved channel names never bound to a transport.
var InternalChannels = map[string]bool{
	"cli":    true,
	"system": true,
}

// Channel is one transport adapter.
type Channel interface {
	Name() string
	// Start begins the adapter's read loop. Non-blocking after setup.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Send delivers one outbound message to the platform.
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel carries the shared adapter state. Adapters embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowlist []string
	running   atomic.Bool
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowlist []string) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus, allowlist: allowlist}
}

func (c *BaseChannel) Name() string          { return c.name }
func (c *BaseChannel) Bus() *bus.MessageBus  { return c.bus }
func (c *BaseChannel) IsRunning() bool       { return c.running.Load() }
func (c *BaseChannel) SetRunning(v bool)     { c.running.Store(v) }

// IsAllowed reports whether the sender passes the allowlist. An empty
// allowlist accepts everyone. Entries match the sender id, or the username
// half of a compound "id|username" sender, with or without a leading @.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowlist) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		idPart, userPart = senderID[:idx], senderID[idx+1:]
	}

	for _, allowed := range c.allowlist {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || idPart == trimmed || (userPart != "" && userPart == trimmed) {
			return true
		}
	}
	return false
}

// HandleInbound publishes a received message to the bus after the allowlist
// check. Returns false when the sender was rejected.
func (c *BaseChannel) HandleInbound(senderID, chatID, content string, media []string, metadata map[string]string) bool {
	if !c.IsAllowed(senderID) {
		return false
	}
	_ = c.bus.PublishInbound(bus.InboundMessage{
		Channel:   c.name,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Media:     media,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	return true
}

// Truncate shortens s to max bytes, appending "..." when cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
