// Package telegram connects the Telegram Bot API to the message bus using
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/driftworks/conduit/internal/bus"
	"github.com/driftworks/conduit/internal/channels"
)

// telegramMaxMessageLen is the Bot API limit per message.
const telegramMaxMessageLen = 4096

type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(token string, msgBus *bus.MessageBus, allowlist []string) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, allowlist),
		bot:         bot,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the read loop so Telegram releases the
// getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram poll loop did not exit in time")
		}
	}
	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.Username != "" {
		senderID += "|" + msg.From.Username
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if !c.HandleInbound(senderID, chatID, content, nil, map[string]string{
		"message_id": strconv.Itoa(msg.MessageID),
	}) {
		slog.Debug("telegram sender rejected by allowlist", "sender", senderID)
	}
}

// Send delivers the content, chunked at the Bot API message limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", msg.ChatID, err)
	}

	for _, chunk := range splitChunks(msg.Content, telegramMaxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// splitChunks cuts content at the limit, preferring newline boundaries.
func splitChunks(content string, maxLen int) []string {
	var out []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			out = append(out, content)
			break
		}
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if content[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, content[:cut])
		content = content[cut:]
	}
	return out
}
