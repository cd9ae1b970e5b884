// Package channels provides the messaging transport layer. Each transport
// wraps one provider's cloud API (WhatsApp Cloud, Telegram Bot, Discord)
// behind a single contract: send text to a native recipient, return the
// provider's message id. Provider failures map onto one error taxonomy so
// callers never branch on provider specifics.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Channel names. A tenant's channel column holds one of these.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
)

// Transport is one provider connection.
type Transport interface {
	// Name returns the channel identifier ("whatsapp", "telegram", "discord").
	Name() string

	// Start begins receiving inbound messages. Non-blocking after setup.
	// Webhook-fed transports treat this as arming only.
	Start(ctx context.Context) error

	// Stop shuts the transport down and waits for its receive loop.
	Stop(ctx context.Context) error

	// SendText delivers text to a native recipient id and returns the
	// provider's message id. Implementations retry transient failures
	// internally; persistent failures surface classified.
	SendText(ctx context.Context, recipient, text string) (string, error)

	// IsRunning reports whether the transport is receiving.
	IsRunning() bool
}

// Error classes. Transports wrap provider envelopes in a ProviderError whose
// Unwrap yields one of these, so errors.Is works across providers.
var (
	// ErrAuth covers rejected tokens and signatures.
	ErrAuth = errors.New("channels: provider rejected credentials")
	// ErrRecipient covers unknown or unreachable recipients.
	ErrRecipient = errors.New("channels: recipient rejected")
	// ErrTransport covers timeouts and 5xx. Transient, retried.
	ErrTransport = errors.New("channels: transport failure")
	// ErrNotRunning means the transport has not been started or was stopped.
	ErrNotRunning = errors.New("channels: transport not running")
	// ErrUnknownChannel means no transport is registered under that name.
	ErrUnknownChannel = errors.New("channels: unknown channel")
)

// ProviderError carries the provider's error envelope alongside its class.
type ProviderError struct {
	Channel string
	Status  int    // HTTP status, 0 when not applicable
	Code    int    // provider-specific error code, 0 when absent
	Message string
	Class   error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%s: status %d code %d: %s", e.Channel, e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Channel, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Channel, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Class }

// ClassifyStatus maps an HTTP status onto an error class. Provider-specific
// codes can override this in the transport.
func ClassifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 400 || status == 404:
		return ErrRecipient
	default:
		return ErrTransport
	}
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// SplitText chunks text at a provider's message length limit. Cuts land on
// rune boundaries and prefer a newline break in the back half of the chunk.
func SplitText(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}
	var chunks []string
	remaining := s
	for len(remaining) > limit {
		cut := limit
		if idx := strings.LastIndexByte(remaining[:limit], '\n'); idx > limit/2 {
			cut = idx
		}
		for cut > 0 && !isRuneStart(remaining[cut]) {
			cut--
		}
		chunks = append(chunks, strings.TrimRight(remaining[:cut], "\n"))
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
