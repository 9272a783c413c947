// Package discord connects the Discord gateway to the message bus.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/driftworks/conduit/internal/bus"
	"github.com/driftworks/conduit/internal/channels"
)

// discordMaxMessageLen is the hard per-message limit.
const discordMaxMessageLen = 2000

type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	botUserID string
}

func New(token string, msgBus *bus.MessageBus, allowlist []string) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, allowlist),
		session:     session,
	}, nil
}

func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord connected", "username", user.Username)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}
	if m.Content == "" {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID += "|" + m.Author.Username
	}

	if !c.HandleInbound(senderID, m.ChannelID, m.Content, nil, map[string]string{
		"message_id": m.ID,
		"guild_id":   m.GuildID,
	}) {
		slog.Debug("discord sender rejected by allowlist", "sender", senderID)
	}
}

// Send delivers the content, chunked at the Discord message limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty discord channel id")
	}

	content := msg.Content
	for len(content) > 0 {
		chunk := content
		if len(chunk) > discordMaxMessageLen {
			cut := discordMaxMessageLen
			for i := discordMaxMessageLen - 1; i > discordMaxMessageLen/2; i-- {
				if content[i] == '\n' {
					cut = i + 1
					break
				}
			}
			chunk = content[:cut]
			content = content[cut:]
		} else {
			content = ""
		}
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}
