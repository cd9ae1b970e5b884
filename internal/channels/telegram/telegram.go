// Package telegram implements the Telegram Bot API transport. Inbound
// updates arrive over long polling; sends chunk at the Bot API message
// length limit.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/channels"
)

// maxTextLen is the Bot API message length limit.
const maxTextLen = 4096

// Config holds the bot credentials.
type Config struct {
	Token     string
	APIServer string // override for tests, default api.telegram.org
}

// Transport connects to the Bot API via telego.
type Transport struct {
	bot     *telego.Bot
	router  bus.MessageRouter
	policy  channels.RetryPolicy
	running atomic.Bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the transport. Inbound messages are published to the router
// once Start is called.
func New(cfg Config, router bus.MessageRouter) (*Transport, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}

	var opts []telego.BotOption
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(cfg.APIServer))
	}
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Transport{bot: bot, router: router}, nil
}

func (t *Transport) Name() string { return channels.ChannelTelegram }

// Start begins long polling for updates.
func (t *Transport) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.pollDone = make(chan struct{})

	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	t.running.Store(true)
	slog.Info("telegram: connected", "username", t.bot.Username())

	go func() {
		defer close(t.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram: updates channel closed")
					return
				}
				if update.Message != nil {
					t.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels the polling context and waits for the receive goroutine, so
// Telegram releases the getUpdates lock before a new instance starts.
func (t *Transport) Stop(_ context.Context) error {
	t.running.Store(false)
	if t.pollCancel != nil {
		t.pollCancel()
	}
	if t.pollDone != nil {
		select {
		case <-t.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (t *Transport) IsRunning() bool { return t.running.Load() }

// handleMessage publishes one Bot API message onto the inbound bus.
func (t *Transport) handleMessage(msg *telego.Message) {
	if mapped, ok := mapMessage(msg); ok {
		t.router.PublishInbound(mapped)
	}
}

// mapMessage converts a Bot API message to the bus shape. Service messages,
// bot-authored messages, and messages with no text yield ok=false.
func mapMessage(msg *telego.Message) (bus.InboundMessage, bool) {
	if msg.From == nil || msg.From.IsBot {
		return bus.InboundMessage{}, false
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return bus.InboundMessage{}, false
	}

	metadata := map[string]string{"chat_type": msg.Chat.Type}
	if msg.From.Username != "" {
		metadata["user_name"] = msg.From.Username
	}
	return bus.InboundMessage{
		Channel:    channels.ChannelTelegram,
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Content:    content,
		ExternalID: strconv.Itoa(msg.MessageID),
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
		Metadata:   metadata,
	}, true
}

// ParseUpdate extracts the inbound message from one webhook update body.
// Non-message updates yield no message and no error.
func ParseUpdate(body []byte) ([]bus.InboundMessage, error) {
	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}
	if update.Message == nil {
		return nil, nil
	}
	if mapped, ok := mapMessage(update.Message); ok {
		return []bus.InboundMessage{mapped}, nil
	}
	return nil, nil
}

// SendText sends text to a numeric chat id and returns the provider id of
// the last chunk.
func (t *Transport) SendText(ctx context.Context, recipient, text string) (string, error) {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad telegram chat id %q", channels.ErrRecipient, recipient)
	}

	var lastID string
	for _, chunk := range channels.SplitText(text, maxTextLen) {
		id, err := channels.SendWithRetry(ctx, t.Name(), t.policy, func(ctx context.Context) (string, error) {
			return t.sendOnce(ctx, chatID, chunk)
		})
		if err != nil {
			return "", err
		}
		lastID = id
	}
	return lastID, nil
}

func (t *Transport) sendOnce(ctx context.Context, chatID int64, text string) (string, error) {
	msg, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return "", classify(err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

// classify maps Bot API failures onto the channel error taxonomy. telego
// folds the API description into the error string, so match the well-known
// phrases. A blocked bot is a recipient problem, not an auth problem.
func classify(err error) error {
	desc := strings.ToLower(err.Error())
	class := channels.ErrTransport
	switch {
	case strings.Contains(desc, "unauthorized"):
		class = channels.ErrAuth
	case strings.Contains(desc, "bot was blocked"),
		strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "user is deactivated"),
		strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "forbidden"):
		class = channels.ErrRecipient
	}
	return &channels.ProviderError{
		Channel: channels.ChannelTelegram,
		Message: err.Error(),
		Class:   class,
	}
}
