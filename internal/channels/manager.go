package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftworks/conduit/internal/bus"
)

// Manager owns the registered transport adapters: it starts and stops them
// together and binds each one to the bus's outbound queue for its channel
// name, applying per-chat rate limiting on delivery.
type Manager struct {
	mu       sync.Mutex
	channels map[string]Channel
	limiter  *ChatLimiter
}

func NewManager(ratePerMinute int) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		limiter:  NewChatLimiter(ratePerMinute),
	}
}

// Register adds an adapter. Reserved internal names are rejected.
func (m *Manager) Register(ch Channel) error {
	name := ch.Name()
	if InternalChannels[name] {
		return fmt.Errorf("channel name %q is reserved", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.channels[name]; dup {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	return nil
}

// Get returns a registered adapter by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	return out
}

// BindOutbound subscribes every adapter to its outbound queue.
func (m *Manager) BindOutbound(ctx context.Context, msgBus *bus.MessageBus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ch := range m.channels {
		ch := ch
		msgBus.SubscribeOutbound(name, func(msg bus.OutboundMessage) error {
			if !m.limiter.Allow(msg.ChatID) {
				slog.Warn("outbound rate limited", "channel", msg.Channel, "chat_id", msg.ChatID)
				return nil
			}
			return ch.Send(ctx, msg)
		})
	}
}

// StartAll starts every adapter; the first failure stops the ones already
// started and is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := make([]Channel, 0, len(m.channels))
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		slog.Info("channel started", "channel", name)
		started = append(started, ch)
	}
	return nil
}

// StopAll stops every adapter, logging failures.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "channel", name, "error", err)
		}
	}
}
