package bus

import (
	"context"
	"time"
)

// InboundMessage represents a message received from a channel (WhatsApp,
// Telegram, Discord). Tenant attribution happens later, in the consumer.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`   // canonical sender (phone, chat id, user id)
	ChatID     string            `json:"chat_id"`     // native chat/conversation id
	Content    string            `json:"content"`
	ExternalID string            `json:"external_id,omitempty"` // provider message id, used for dedup
	Media      []string          `json:"media,omitempty"`       // local paths of stored attachments
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the runtime to decouple from MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channel
// transports, the gateway webhook dispatcher, and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	PublishInboundWait(ctx context.Context, msg InboundMessage) bool
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
