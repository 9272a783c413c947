package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishConsumeInbound_FIFO(t *testing.T) {
	b := New()
	for _, content := range []string{"one", "two", "three"} {
		if err := b.PublishInbound(InboundMessage{Channel: "web", ChatID: "c1", Content: content}); err != nil {
			t.Fatalf("PublishInbound: %v", err)
		}
	}

	ctx := context.Background()
	for _, want := range []string{"one", "two", "three"} {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatal("ConsumeInbound returned not-ok with pending messages")
		}
		if msg.Content != want {
			t.Errorf("got %q, want %q", msg.Content, want)
		}
	}
}

func TestConsumeInbound_BlocksUntilPublish(t *testing.T) {
	b := New()
	done := make(chan InboundMessage, 1)

	go func() {
		msg, ok := b.ConsumeInbound(context.Background())
		if ok {
			done <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	b.PublishInbound(InboundMessage{Channel: "web", Content: "hello"})

	select {
	case msg := <-done:
		if msg.Content != "hello" {
			t.Errorf("got %q, want %q", msg.Content, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never woke up")
	}
}

func TestConsumeInbound_Cancelled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("expected not-ok after cancellation")
	}
}

func TestSessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "42"}
	if got := msg.SessionKey(); got != "telegram:42" {
		t.Errorf("SessionKey() = %q, want %q", got, "telegram:42")
	}
}

func TestDispatchOutbound_OrderAndFanout(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var first, second []string

	b.SubscribeOutbound("web", func(msg OutboundMessage) error {
		mu.Lock()
		first = append(first, msg.Content)
		mu.Unlock()
		return nil
	})
	b.SubscribeOutbound("web", func(msg OutboundMessage) error {
		mu.Lock()
		second = append(second, msg.Content)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(OutboundMessage{Channel: "web", ChatID: "c", Content: "a"})
	b.PublishOutbound(OutboundMessage{Channel: "web", ChatID: "c", Content: "b"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(second)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("outbound messages not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b"} {
		if first[i] != want || second[i] != want {
			t.Errorf("delivery order mismatch at %d: first=%v second=%v", i, first, second)
		}
	}
}

func TestDispatchOutbound_FailingSubscriberDoesNotStopOthers(t *testing.T) {
	b := New()
	got := make(chan string, 1)

	b.SubscribeOutbound("web", func(OutboundMessage) error {
		return errors.New("boom")
	})
	b.SubscribeOutbound("web", func(msg OutboundMessage) error {
		got <- msg.Content
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(OutboundMessage{Channel: "web", Content: "still delivered"})

	select {
	case content := <-got:
		if content != "still delivered" {
			t.Errorf("got %q", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber never ran")
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	b.Close()

	if err := b.PublishInbound(InboundMessage{Channel: "web"}); !errors.Is(err, ErrClosed) {
		t.Errorf("PublishInbound after close = %v, want ErrClosed", err)
	}
	if err := b.PublishOutbound(OutboundMessage{Channel: "web"}); !errors.Is(err, ErrClosed) {
		t.Errorf("PublishOutbound after close = %v, want ErrClosed", err)
	}
}

func TestClose_DrainsPending(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Content: "queued"})
	b.Close()

	msg, ok := b.ConsumeInbound(context.Background())
	if !ok || msg.Content != "queued" {
		t.Errorf("pending message lost on close: ok=%v msg=%q", ok, msg.Content)
	}
	if _, ok := b.ConsumeInbound(context.Background()); ok {
		t.Error("expected not-ok once closed queue is drained")
	}
}
