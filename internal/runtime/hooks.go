package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/agentcli"
	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/gateway"
	"github.com/tidewater-labs/concierge/internal/store"
	"github.com/tidewater-labs/concierge/pkg/protocol"
)

// HasTenant implements the gateway's unknown-tenant lookup. A paused
// tenant still counts: the webhook is acknowledged and the drop decision
// stays here.
func (r *Runtime) HasTenant(ctx context.Context, channel, senderID string) bool {
	_, err := r.stores.Tenants.GetByRecipient(ctx, channel, senderID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		slog.Warn("runtime: tenant check failed", "channel", channel, "error", err)
		return false
	}
	return true
}

// webhookTriggerConfig is the slice of a webhook trigger's config the
// gateway authentication needs.
type webhookTriggerConfig struct {
	Secret string `json:"secret"`
}

// WebhookSecret implements the gateway's trigger secret lookup. Anything
// that is not a live webhook trigger reads as unknown, so probing the
// endpoint cannot distinguish wrong ids from wrong types.
func (r *Runtime) WebhookSecret(ctx context.Context, triggerID uuid.UUID) (string, error) {
	trig, err := r.stores.Triggers.Get(ctx, triggerID)
	if errors.Is(err, store.ErrNotFound) {
		return "", gateway.ErrUnknownTrigger
	}
	if err != nil {
		return "", fmt.Errorf("load trigger: %w", err)
	}
	if trig.TriggerType != store.TriggerTypeWebhook {
		return "", gateway.ErrUnknownTrigger
	}
	var cfg webhookTriggerConfig
	if err := json.Unmarshal(trig.Config, &cfg); err != nil {
		return "", fmt.Errorf("trigger %s config: %w", triggerID, err)
	}
	return cfg.Secret, nil
}

// RecordOutbound is the channel manager's recorder: it persists messages
// the async dispatcher delivered. The metadata was stamped by publishReply.
func (r *Runtime) RecordOutbound(ctx context.Context, msg bus.OutboundMessage, externalID string) {
	tenantID, err := uuid.Parse(msg.Metadata["tenant_id"])
	if err != nil {
		slog.Warn("runtime: outbound without tenant metadata", "channel", msg.Channel)
		return
	}
	sessionID, err := uuid.Parse(msg.Metadata["session_id"])
	if err != nil {
		slog.Warn("runtime: outbound without session metadata", "tenant_id", tenantID)
		return
	}
	senderID := msg.Metadata["sender_id"]
	if senderID == "" {
		senderID = msg.ChatID
	}

	if _, err := r.record(ctx, tenantID, sessionID, senderID,
		store.DirectionOutbound, msg.Content, externalID, store.DeliverySent); err != nil {
		slog.Error("runtime: recording dispatched outbound failed",
			"session_id", sessionID, "error", err)
		return
	}
	if err := r.convo.Touch(ctx, sessionID); err != nil {
		slog.Warn("runtime: session touch failed", "session_id", sessionID, "error", err)
	}
	r.broadcast(protocol.EventMessageOutbound, map[string]string{
		"tenant_id": tenantID.String(),
		"channel":   msg.Channel,
	})
}

// ToolHandler bridges tool calls from agent children to the tool runner.
// Failures come back as text so the agent can react instead of hanging.
func (r *Runtime) ToolHandler() agentcli.ToolHandler {
	return func(ctx context.Context, key, name string, args json.RawMessage) string {
		tenantID, _, ok := agentcli.SplitKey(key)
		if !ok {
			return "error: unknown session key"
		}
		if r.tools == nil {
			return "error: tool runtime is not configured"
		}
		out := r.tools.ExecuteText(ctx, tenantID, name, args)
		r.broadcast(protocol.EventToolRun, map[string]string{
			"tenant_id": tenantID.String(),
			"tool":      name,
		})
		return out
	}
}
