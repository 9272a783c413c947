package bus

import "time"

// InboundMessage represents a message received from a channel (Telegram, Discord, web, etc.)
// Immutable once published; consumed exactly once by the gateway dispatcher.
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Media     []string          `json:"media,omitempty"` // local file paths
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionKey returns the canonical session key for this message.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage represents a message to be delivered to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Media     []string          `json:"media,omitempty"` // local file paths
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Subscriber handles outbound messages for one channel. Errors are logged by
// the dispatcher and do not stop delivery to other subscribers.
type Subscriber func(OutboundMessage) error
