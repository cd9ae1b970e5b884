// Package discord implements the Discord transport over the bot gateway.
// Inbound messages arrive as gateway events; sends go through the REST API
// chunked at the 2000-char message limit.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/channels"
)

// maxTextLen is the Discord message length limit.
const maxTextLen = 2000

// Config holds the bot credentials.
type Config struct {
	Token string
}

// Transport connects to Discord via discordgo.
type Transport struct {
	session   *discordgo.Session
	router    bus.MessageRouter
	policy    channels.RetryPolicy
	running   atomic.Bool
	botUserID string // populated on start
}

// New creates the transport. Inbound messages are published to the router
// once Start opens the gateway.
func New(cfg Config, router bus.MessageRouter) (*Transport, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	t := &Transport{session: session, router: router}
	t.session.AddHandler(t.handleMessageCreate)
	return t, nil
}

func (t *Transport) Name() string { return channels.ChannelDiscord }

// Start opens the gateway connection and resolves the bot identity, which
// the message handler uses to skip the bot's own messages.
func (t *Transport) Start(_ context.Context) error {
	if err := t.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	user, err := t.session.User("@me")
	if err != nil {
		t.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	t.botUserID = user.ID

	t.running.Store(true)
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	t.running.Store(false)
	return t.session.Close()
}

func (t *Transport) IsRunning() bool { return t.running.Load() }

// handleMessageCreate maps one gateway message onto the inbound bus.
// Messages from bots, including this one, are dropped.
func (t *Transport) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == t.botUserID {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	metadata := map[string]string{
		"user_name": displayName(m),
		"is_dm":     strconv.FormatBool(m.GuildID == ""),
	}
	if m.GuildID != "" {
		metadata["guild_id"] = m.GuildID
	}
	t.router.PublishInbound(bus.InboundMessage{
		Channel:    channels.ChannelDiscord,
		SenderID:   m.Author.ID,
		ChatID:     m.ChannelID,
		Content:    content,
		ExternalID: m.ID,
		ReceivedAt: m.Timestamp.UTC(),
		Metadata:   metadata,
	})
}

// SendText sends text to a Discord channel id and returns the provider id
// of the last chunk.
func (t *Transport) SendText(ctx context.Context, recipient, text string) (string, error) {
	var lastID string
	for _, chunk := range channels.SplitText(text, maxTextLen) {
		id, err := channels.SendWithRetry(ctx, t.Name(), t.policy, func(ctx context.Context) (string, error) {
			return t.sendOnce(ctx, recipient, chunk)
		})
		if err != nil {
			return "", err
		}
		lastID = id
	}
	return lastID, nil
}

func (t *Transport) sendOnce(ctx context.Context, channelID, text string) (string, error) {
	msg, err := t.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return msg.ID, nil
}

// classify maps REST failures onto the channel error taxonomy. A 403 on
// Discord means the bot cannot reach that channel or user, so it counts as
// a recipient failure rather than an auth failure.
func classify(err error) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return &channels.ProviderError{
			Channel: channels.ChannelDiscord,
			Message: err.Error(),
			Class:   channels.ErrTransport,
		}
	}

	status := 0
	if rest.Response != nil {
		status = rest.Response.StatusCode
	}
	perr := &channels.ProviderError{
		Channel: channels.ChannelDiscord,
		Status:  status,
		Class:   channels.ClassifyStatus(status),
	}
	if status == 403 {
		perr.Class = channels.ErrRecipient
	}
	if rest.Message != nil {
		perr.Code = rest.Message.Code
		perr.Message = rest.Message.Message
		switch rest.Message.Code {
		case 10003, 10013, 50007: // unknown channel, unknown user, cannot DM user
			perr.Class = channels.ErrRecipient
		}
	}
	return perr
}

// displayName prefers server nickname, then global display name, then
// username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
