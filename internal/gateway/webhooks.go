package gateway

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/channels"
	"github.com/tidewater-labs/concierge/internal/channels/telegram"
	"github.com/tidewater-labs/concierge/internal/channels/whatsapp"
	"github.com/tidewater-labs/concierge/internal/metrics"
	"github.com/tidewater-labs/concierge/internal/trigger"
)

// TriggerSecrets looks up the shared secret of a webhook trigger.
// Implementations return ErrUnknownTrigger when no trigger carries the id.
type TriggerSecrets interface {
	WebhookSecret(ctx context.Context, triggerID uuid.UUID) (string, error)
}

// ErrUnknownTrigger maps to a 404 on the trigger webhook endpoint.
var ErrUnknownTrigger = errors.New("gateway: unknown trigger")

// maxWebhookBody caps request bodies on every webhook endpoint.
const maxWebhookBody = 1 << 20

const (
	inboxBatchSize  = 50
	inboxPollEvery  = 2 * time.Second
	inboxPruneEvery = time.Hour
	inboxKeepFor    = 24 * time.Hour
)

// handleChannelWebhook routes /webhooks/{channel} to the provider-specific
// verifier. Unknown channels 404 so providers misconfigured with our URL
// get a clear signal.
func (s *Server) handleChannelWebhook(w http.ResponseWriter, r *http.Request) {
	channel := strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhooks/"), "/")
	if channel == "" || strings.Contains(channel, "/") {
		http.NotFound(w, r)
		return
	}

	if !s.rateLimiter.Allow(channel + ":" + clientIP(r)) {
		deny(w, channel, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	switch channel {
	case channels.ChannelWhatsApp:
		s.handleWhatsAppWebhook(w, r)
	case channels.ChannelTelegram:
		s.handleTelegramWebhook(w, r)
	default:
		countStatus(channel, http.StatusNotFound)
		http.NotFound(w, r)
	}
}

// handleWhatsAppWebhook answers the Meta verification handshake on GET and
// takes signed Cloud API deliveries on POST.
func (s *Server) handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Channels.WhatsApp
	switch r.Method {
	case http.MethodGet:
		challenge, ok := whatsapp.VerifyChallenge(cfg.VerifyToken, r.URL.Query())
		if !ok {
			deny(w, channels.ChannelWhatsApp, http.StatusForbidden, "verification failed")
			return
		}
		countStatus(channels.ChannelWhatsApp, http.StatusOK)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, challenge)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			deny(w, channels.ChannelWhatsApp, http.StatusBadRequest, "unreadable body")
			return
		}
		if !whatsapp.ValidateSignature(cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			deny(w, channels.ChannelWhatsApp, http.StatusUnauthorized, "invalid signature")
			return
		}
		msgs, err := whatsapp.ParseWebhook(body)
		if err != nil {
			deny(w, channels.ChannelWhatsApp, http.StatusBadRequest, "malformed payload")
			return
		}
		s.acceptInbound(w, r, channels.ChannelWhatsApp, msgs)

	default:
		deny(w, channels.ChannelWhatsApp, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTelegramWebhook takes Bot API updates. Telegram echoes the secret
// configured at setWebhook time in a header; deliveries without it are
// rejected, including when no secret is configured at all.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		deny(w, channels.ChannelTelegram, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	secret := s.cfg.Channels.Telegram.WebhookSecret
	header := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if secret == "" || !hmac.Equal([]byte(header), []byte(secret)) {
		deny(w, channels.ChannelTelegram, http.StatusUnauthorized, "invalid secret token")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		deny(w, channels.ChannelTelegram, http.StatusBadRequest, "unreadable body")
		return
	}
	msgs, err := telegram.ParseUpdate(body)
	if err != nil {
		deny(w, channels.ChannelTelegram, http.StatusBadRequest, "malformed update")
		return
	}
	s.acceptInbound(w, r, channels.ChannelTelegram, msgs)
}

// acceptInbound finishes the ack-then-dispatch contract: journal the parsed
// messages, answer the provider, and let the dispatcher move them onto the
// bus. Status-only deliveries parse to no messages and are acked as-is.
func (s *Server) acceptInbound(w http.ResponseWriter, r *http.Request, channel string, msgs []bus.InboundMessage) {
	if len(msgs) == 0 {
		countStatus(channel, http.StatusOK)
		w.WriteHeader(http.StatusOK)
		return
	}

	if s.tenants != nil {
		kept := msgs[:0]
		for _, m := range msgs {
			if s.tenants.HasTenant(r.Context(), m.Channel, m.SenderID) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			// Nothing attributable. 404 tells the operator the sender is
			// unmapped; "200" hides existence from probing senders.
			if s.cfg.Server.UnknownTenant == "200" {
				countStatus(channel, http.StatusOK)
				w.WriteHeader(http.StatusOK)
			} else {
				deny(w, channel, http.StatusNotFound, "unknown sender")
			}
			return
		}
		msgs = kept
	}

	for _, m := range msgs {
		if s.inbox == nil {
			s.router.PublishInbound(m)
			continue
		}
		payload, err := json.Marshal(m)
		if err != nil {
			slog.Error("gateway: encode inbound message", "channel", channel, "error", err)
			continue
		}
		if _, err := s.inbox.Append(r.Context(), channel, payload); err != nil {
			slog.Error("gateway: journal webhook event", "channel", channel, "error", err)
			deny(w, channel, http.StatusInternalServerError, "storage failure")
			return
		}
	}
	s.kickDispatch()
	countStatus(channel, http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

// handleTriggerWebhook authenticates POST /webhooks/trigger/{id} against the
// trigger's stored secret and hands the payload to the evaluator. Unknown,
// unarmed, and unrouted ids all read as 404 so callers cannot enumerate
// trigger ids.
func (s *Server) handleTriggerWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		deny(w, "trigger", http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.rateLimiter.Allow("trigger:" + clientIP(r)) {
		deny(w, "trigger", http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	id, err := uuid.Parse(strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhooks/trigger/"), "/"))
	if err != nil || s.triggers == nil || s.secrets == nil {
		deny(w, "trigger", http.StatusNotFound, "unknown trigger")
		return
	}

	secret, err := s.secrets.WebhookSecret(r.Context(), id)
	if errors.Is(err, ErrUnknownTrigger) {
		deny(w, "trigger", http.StatusNotFound, "unknown trigger")
		return
	}
	if err != nil {
		slog.Error("gateway: trigger secret lookup failed", "trigger_id", id, "error", err)
		deny(w, "trigger", http.StatusInternalServerError, "lookup failure")
		return
	}
	// An empty secret means the webhook was never provisioned; no header
	// can match it.
	if secret == "" || !hmac.Equal([]byte(r.Header.Get("X-Trigger-Secret")), []byte(secret)) {
		deny(w, "trigger", http.StatusUnauthorized, "invalid secret")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		deny(w, "trigger", http.StatusBadRequest, "unreadable body")
		return
	}
	if !json.Valid(body) {
		deny(w, "trigger", http.StatusBadRequest, "payload must be JSON")
		return
	}

	if _, err := s.triggers.FireWebhook(id, body); err != nil {
		if errors.Is(err, trigger.ErrNotWebhook) {
			deny(w, "trigger", http.StatusNotFound, "unknown trigger")
			return
		}
		slog.Error("gateway: trigger fire failed", "trigger_id", id, "error", err)
		deny(w, "trigger", http.StatusInternalServerError, "fire failure")
		return
	}

	countStatus("trigger", http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"accepted"}`)
}

// dispatchInbox replays journaled webhook events onto the bus until ctx
// ends. It wakes on handler kicks and on a short poll so rows left behind
// by a previous process still drain.
func (s *Server) dispatchInbox(ctx context.Context) {
	defer s.dispatchWG.Done()

	poll := time.NewTicker(inboxPollEvery)
	defer poll.Stop()
	prune := time.NewTicker(inboxPruneEvery)
	defer prune.Stop()

	s.drainInbox(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.drainInbox(ctx)
		case <-poll.C:
			s.drainInbox(ctx)
		case <-prune.C:
			if n, err := s.inbox.Prune(ctx, inboxKeepFor); err != nil {
				slog.Warn("gateway: inbox prune failed", "error", err)
			} else if n > 0 {
				slog.Debug("gateway: pruned inbox", "rows", n)
			}
		}
	}
}

// drainInbox pushes pending rows onto the bus in arrival order. A row is
// marked processed only after the bus takes it, so delivery is
// at-least-once; duplicates resolve downstream on external id.
func (s *Server) drainInbox(ctx context.Context) {
	for {
		rows, err := s.inbox.Next(ctx, inboxBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("gateway: read inbox", "error", err)
			}
			return
		}
		if len(rows) == 0 {
			return
		}
		for _, row := range rows {
			var msg bus.InboundMessage
			if err := json.Unmarshal(row.Payload, &msg); err != nil {
				slog.Error("gateway: corrupt inbox row", "id", row.ID, "error", err)
				if markErr := s.inbox.MarkProcessed(ctx, row.ID); markErr != nil {
					slog.Error("gateway: mark inbox row", "id", row.ID, "error", markErr)
					return
				}
				continue
			}
			if !s.router.PublishInboundWait(ctx, msg) {
				// Shutting down; the row stays pending for the next run.
				return
			}
			if err := s.inbox.MarkProcessed(ctx, row.ID); err != nil {
				slog.Error("gateway: mark inbox row", "id", row.ID, "error", err)
				return
			}
		}
		if len(rows) < inboxBatchSize {
			return
		}
	}
}

// kickDispatch nudges the dispatcher without blocking the handler.
func (s *Server) kickDispatch() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// countStatus records the webhook response metric.
func countStatus(channel string, code int) {
	metrics.WebhookRequestsTotal.WithLabelValues(channel, strconv.Itoa(code)).Inc()
}

func deny(w http.ResponseWriter, channel string, code int, msg string) {
	countStatus(channel, code)
	http.Error(w, msg, code)
}

// clientIP extracts the caller address for rate-limit keys. The first
// X-Forwarded-For hop wins when a proxy fronts the listener.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
