package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tidewater-labs/concierge/internal/agentcli"
	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/convo"
	"github.com/tidewater-labs/concierge/internal/store"
	"github.com/tidewater-labs/concierge/internal/telemetry"
	"github.com/tidewater-labs/concierge/pkg/protocol"
)

// RunScheduled executes one claimed task. The returned output feeds the
// task's bounded history; an error feeds its error count. Replies go out
// through the async dispatcher, so a provider hiccup does not fail a task
// the agent already completed.
func (r *Runtime) RunScheduled(ctx context.Context, task *store.ScheduledTask) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runtime.scheduled")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", task.ID.String()),
		attribute.String("task_type", task.TaskType),
	)

	tenant, err := r.stores.Tenants.Get(ctx, task.TenantID)
	if err != nil {
		return "", fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Status != store.TenantStatusActive {
		return "", fmt.Errorf("tenant %s is %s", tenant.ID, tenant.Status)
	}
	if _, err := r.fs.Ensure(tenant.ID); err != nil {
		return "", fmt.Errorf("tenant bootstrap: %w", err)
	}

	sess, err := r.sessionFor(ctx, task.TenantID, task.UserID)
	if err != nil {
		return "", fmt.Errorf("attach session: %w", err)
	}

	key := agentcli.Key(task.TenantID, task.UserID)
	out, err := r.cli.Prompt(ctx, key, r.spawnSpec(tenant), taskPrompt(task))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("agent: %w", err)
	}

	out = strings.TrimSpace(out)
	if out == "" {
		slog.Warn("runtime: scheduled task produced no reply", "task_id", task.ID)
	} else {
		r.publishReply(tenant, sess, task.UserID, out)
		if err := r.fs.AppendTimeline(tenant.ID, time.Now(),
			fmt.Sprintf("scheduled %s: %s", task.TaskType, clip(out, 120))); err != nil {
			slog.Warn("runtime: timeline append failed", "tenant_id", tenant.ID, "error", err)
		}
	}

	r.broadcast(protocol.EventTaskExecuted, map[string]string{
		"tenant_id": tenant.ID.String(),
		"task_id":   task.ID.String(),
		"task_type": task.TaskType,
	})
	return out, nil
}

// RunTriggered executes one accepted trigger fire. Cooldown and stamping
// already happened in the evaluator; this is purely the agent dispatch.
func (r *Runtime) RunTriggered(ctx context.Context, trig *store.Trigger, payload string) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runtime.triggered")
	defer span.End()
	span.SetAttributes(
		attribute.String("trigger_id", trig.ID.String()),
		attribute.String("trigger_type", trig.TriggerType),
	)

	tenant, err := r.stores.Tenants.Get(ctx, trig.TenantID)
	if err != nil {
		return "", fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Status != store.TenantStatusActive {
		return "", fmt.Errorf("tenant %s is %s", tenant.ID, tenant.Status)
	}
	if _, err := r.fs.Ensure(tenant.ID); err != nil {
		return "", fmt.Errorf("tenant bootstrap: %w", err)
	}

	sess, err := r.sessionFor(ctx, trig.TenantID, trig.UserID)
	if err != nil {
		return "", fmt.Errorf("attach session: %w", err)
	}

	key := agentcli.Key(trig.TenantID, trig.UserID)
	out, err := r.cli.Prompt(ctx, key, r.spawnSpec(tenant), triggerPrompt(trig, payload))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("agent: %w", err)
	}

	out = strings.TrimSpace(out)
	if out != "" {
		r.publishReply(tenant, sess, trig.UserID, out)
		if err := r.fs.AppendTimeline(tenant.ID, time.Now(),
			fmt.Sprintf("trigger %s fired: %s", trig.TriggerType, clip(out, 120))); err != nil {
			slog.Warn("runtime: timeline append failed", "tenant_id", tenant.ID, "error", err)
		}
	}

	r.broadcast(protocol.EventTriggerFired, map[string]string{
		"tenant_id":    tenant.ID.String(),
		"trigger_id":   trig.ID.String(),
		"trigger_type": trig.TriggerType,
	})
	return out, nil
}

// sessionFor returns the session autonomous work attaches to: the active
// conversation when there is one, else a fresh row.
func (r *Runtime) sessionFor(ctx context.Context, tenantID uuid.UUID, userID string) (*store.ConvoSession, error) {
	sess, err := r.convo.Peek(ctx, tenantID, userID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	sess, _, err = r.convo.Ensure(ctx, tenantID, userID)
	if errors.Is(err, convo.ErrUnavailable) {
		// Another instance created the session between the two calls.
		return r.convo.Peek(ctx, tenantID, userID)
	}
	return sess, err
}

// publishReply queues an outbound message for the channel dispatcher. The
// recorder persists the row once the provider accepts the send; metadata
// carries what the recorder needs to build it.
func (r *Runtime) publishReply(tenant *store.Tenant, sess *store.ConvoSession, senderID, text string) {
	r.router.PublishOutbound(bus.OutboundMessage{
		Channel: tenant.Channel,
		ChatID:  tenant.RecipientID,
		Content: text,
		Metadata: map[string]string{
			"tenant_id":  tenant.ID.String(),
			"session_id": sess.ID.String(),
			"sender_id":  senderID,
		},
	})
}

// taskPrompt renders a scheduled task for the agent. The bounded output
// history gives recurring tasks continuity between runs.
func taskPrompt(task *store.ScheduledTask) string {
	var b strings.Builder
	switch task.TaskType {
	case store.TaskTypeReminder:
		b.WriteString("[scheduled reminder]\nIt is time to remind the user about the following. Write the reminder message.\n\n")
	default:
		b.WriteString("[scheduled task]\nCarry out the following task now and report the result.\n\n")
	}
	b.WriteString(task.TaskPrompt)
	if len(task.PreviousOutputs) > 0 {
		b.WriteString("\n\nResults of earlier runs, oldest first:")
		for i, prev := range task.PreviousOutputs {
			fmt.Fprintf(&b, "\n%d. %s", i+1, clip(prev, 400))
		}
	}
	return b.String()
}

// triggerPrompt renders a trigger fire for the agent.
func triggerPrompt(trig *store.Trigger, payload string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[trigger: %s]\n", trig.TriggerType)
	if trig.Autonomy != "" {
		fmt.Fprintf(&b, "[autonomy: %s]\n", trig.Autonomy)
	}
	b.WriteString("An event you watch for has fired. Handle it.\n\n")
	b.WriteString(trig.TaskPrompt)
	if payload != "" {
		b.WriteString("\n\nEvent payload:\n")
		b.WriteString(clip(payload, 4000))
	}
	return b.String()
}
