// Package bus provides the async message bus decoupling channels from the
// agent runtime. Two unbounded FIFO queues (inbound, outbound) plus a
// per-channel subscriber table for outbound fan-out.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Publish* after Close.
var ErrClosed = errors.New("bus: closed")

// queue is an unbounded FIFO. Enqueue never blocks; Dequeue blocks on the
// wake channel until an item or cancellation arrives.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	closed bool
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{wake: make(chan struct{}, 1)}
}

func (q *queue[T]) enqueue(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// dequeue returns the next item in FIFO order. The second return is false
// when the context is cancelled or the queue is closed and drained.
func (q *queue[T]) dequeue(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, false
		}

		select {
		case <-ctx.Done():
			return zero, false
		case <-q.wake:
		}
	}
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MessageBus routes messages between channels and the agent core.
// Ordering: FIFO per queue; outbound subscribers for one channel are invoked
// in registration order per message.
type MessageBus struct {
	inbound  *queue[InboundMessage]
	outbound *queue[OutboundMessage]

	mu   sync.RWMutex
	subs map[string][]Subscriber
}

// New creates an empty message bus.
func New() *MessageBus {
	return &MessageBus{
		inbound:  newQueue[InboundMessage](),
		outbound: newQueue[OutboundMessage](),
		subs:     make(map[string][]Subscriber),
	}
}

// PublishInbound enqueues a message from a channel. Never blocks.
func (b *MessageBus) PublishInbound(msg InboundMessage) error {
	return b.inbound.enqueue(msg)
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
// The second return is false on cancellation or bus shutdown.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return b.inbound.dequeue(ctx)
}

// PublishOutbound enqueues a message for delivery to its channel's subscribers.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) error {
	return b.outbound.enqueue(msg)
}

// SubscribeOutbound registers a delivery callback for one channel. Multiple
// callbacks per channel are allowed and run in registration order.
func (b *MessageBus) SubscribeOutbound(channel string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], fn)
}

// DispatchOutbound runs the outbound delivery loop until ctx is cancelled or
// the bus is closed. A failing subscriber is logged and skipped; remaining
// subscribers for the same message still run. Run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		msg, ok := b.outbound.dequeue(ctx)
		if !ok {
			return
		}

		// Snapshot under the lock, invoke outside it.
		b.mu.RLock()
		subs := make([]Subscriber, len(b.subs[msg.Channel]))
		copy(subs, b.subs[msg.Channel])
		b.mu.RUnlock()

		if len(subs) == 0 {
			slog.Warn("bus: no subscriber for outbound channel", "channel", msg.Channel)
			continue
		}

		for _, fn := range subs {
			b.deliver(fn, msg)
		}
	}
}

func (b *MessageBus) deliver(fn Subscriber, msg OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: subscriber panic", "channel", msg.Channel, "panic", r)
		}
	}()
	if err := fn(msg); err != nil {
		slog.Warn("bus: subscriber failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
	}
}

// Close shuts the bus down. Subsequent publishes return ErrClosed; pending
// items may still be drained by consumers.
func (b *MessageBus) Close() {
	b.inbound.close()
	b.outbound.close()
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int { return b.inbound.len() }

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int { return b.outbound.len() }
