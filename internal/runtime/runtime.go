// Package runtime stitches the subsystems together behind the three agent
// entry points: inbound user messages, scheduled task executions, and
// trigger fires. It owns tenant attribution, session lifecycle decisions,
// message recording, and the user-visible shape of failures.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tidewater-labs/concierge/internal/agentcli"
	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/convo"
	"github.com/tidewater-labs/concierge/internal/metrics"
	"github.com/tidewater-labs/concierge/internal/secrets"
	"github.com/tidewater-labs/concierge/internal/store"
	"github.com/tidewater-labs/concierge/internal/telemetry"
	"github.com/tidewater-labs/concierge/internal/tenantfs"
	"github.com/tidewater-labs/concierge/internal/toolrun"
	"github.com/tidewater-labs/concierge/pkg/protocol"
)

// Texts sent to the user on failure and command paths. Short and
// non-technical; the real error goes to the log.
const (
	apologyText   = "Sorry, I ran into a problem handling that. Please try again in a moment."
	tooLongNotice = "That message is too long for me (%d characters; the limit is %d). Please split it into smaller parts."
	cancelDone    = "Okay, I stopped working on that."
	cancelIdle    = "There was nothing in flight to cancel."
	resetDone     = "Done, we have a clean slate. What's next?"
	reonboardDone = "Let's start over from the beginning. I'll ask my setup questions again."
)

// Config carries the runtime knobs. Zero values take the defaults.
type Config struct {
	Workers          int    // inbound consumers (default 4)
	MaxMessageChars  int    // inbound text cap in characters (default 32000)
	ReflectionPrompt string // final prompt before a child closes; empty disables the hook
	ReflectGrace     time.Duration
	ReonboardPhase   string   // onboarding phase stamped by /reonboard (default "onboarding")
	AgentEnv         []string // extra environment for every agent child

	// CampaignContext, when set, supplies the campaign snapshot line of the
	// context prefix. The returned string is opaque to the runtime; empty
	// omits the line.
	CampaignContext func(ctx context.Context, tenantID uuid.UUID) string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = 32000
	}
	if c.ReflectGrace <= 0 {
		c.ReflectGrace = time.Minute
	}
	if c.ReonboardPhase == "" {
		c.ReonboardPhase = "onboarding"
	}
}

// CLIStore is the slice of the agent CLI store the runtime drives.
// *agentcli.Store satisfies it.
type CLIStore interface {
	Prompt(ctx context.Context, key string, spec agentcli.SpawnSpec, text string) (string, error)
	Has(key string) bool
	Cancel(key string) bool
	Close(key string)
}

// Deliverer sends one outbound text synchronously and reports the provider
// message id. *channels.Manager satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, channel, recipient, text string) (string, error)
}

// Deps are the collaborator handles, wired once at process start.
type Deps struct {
	Stores  *store.Stores
	Convo   *convo.Manager
	CLI     CLIStore
	FS      *tenantfs.Bootstrap
	Send    Deliverer
	Tools   *toolrun.Runner
	Router  bus.MessageRouter
	Events  bus.EventPublisher
	Dedupe  *bus.DedupeCache
	Secrets *secrets.Box
}

// Runtime is the agent execution glue. One per process.
type Runtime struct {
	cfg     Config
	stores  *store.Stores
	convo   *convo.Manager
	cli     CLIStore
	fs      *tenantfs.Bootstrap
	send    Deliverer
	tools   *toolrun.Runner
	router  bus.MessageRouter
	events  bus.EventPublisher
	dedupe  *bus.DedupeCache
	secrets *secrets.Box

	wg sync.WaitGroup
}

func New(deps Deps, cfg Config) *Runtime {
	cfg.applyDefaults()
	return &Runtime{
		cfg:     cfg,
		stores:  deps.Stores,
		convo:   deps.Convo,
		cli:     deps.CLI,
		fs:      deps.FS,
		send:    deps.Send,
		tools:   deps.Tools,
		router:  deps.Router,
		events:  deps.Events,
		dedupe:  deps.Dedupe,
		secrets: deps.Secrets,
	}
}

// Start launches the inbound consumers. They exit when ctx is canceled;
// Wait blocks until the last one has drained.
func (r *Runtime) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				msg, ok := r.router.ConsumeInbound(ctx)
				if !ok {
					return
				}
				r.HandleInbound(ctx, msg)
			}
		}()
	}
	slog.Info("runtime: started", "workers", r.cfg.Workers)
}

// Wait blocks until every consumer has exited.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// HandleInbound drives one user message end to end: attribution, session
// acquisition, recording, agent prompt, delivery. Failures resolve to a
// logged error and, where the user expects an answer, a short apology.
func (r *Runtime) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	ctx, span := telemetry.Tracer().Start(ctx, "runtime.inbound")
	defer span.End()
	span.SetAttributes(attribute.String("channel", msg.Channel))

	if msg.ExternalID != "" && r.dedupe != nil &&
		r.dedupe.IsDuplicate(msg.Channel+":"+msg.ExternalID) {
		slog.Debug("runtime: duplicate inbound dropped",
			"channel", msg.Channel, "external_id", msg.ExternalID)
		return
	}

	tenant, err := r.stores.Tenants.GetByRecipient(ctx, msg.Channel, msg.SenderID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("runtime: inbound from unknown sender",
			"channel", msg.Channel, "sender_id", msg.SenderID)
		return
	}
	if err != nil {
		slog.Error("runtime: tenant lookup failed",
			"channel", msg.Channel, "sender_id", msg.SenderID, "error", err)
		return
	}
	if tenant.Status != store.TenantStatusActive {
		slog.Info("runtime: inbound for paused tenant dropped", "tenant_id", tenant.ID)
		return
	}
	span.SetAttributes(attribute.String("tenant_id", tenant.ID.String()))

	metrics.MessagesTotal.WithLabelValues(msg.Channel, "inbound").Inc()
	r.broadcast(protocol.EventMessageInbound, map[string]string{
		"tenant_id": tenant.ID.String(),
		"channel":   msg.Channel,
	})

	if _, err := r.fs.Ensure(tenant.ID); err != nil {
		slog.Error("runtime: tenant bootstrap failed", "tenant_id", tenant.ID, "error", err)
		r.deliver(ctx, tenant, msg, apologyText, nil)
		return
	}

	if n := utf8.RuneCountInString(msg.Content); n > r.cfg.MaxMessageChars {
		slog.Info("runtime: inbound over length cap",
			"tenant_id", tenant.ID, "chars", n, "limit", r.cfg.MaxMessageChars)
		r.deliver(ctx, tenant, msg, fmt.Sprintf(tooLongNotice, n, r.cfg.MaxMessageChars), nil)
		return
	}

	if r.handleCommand(ctx, tenant, msg) {
		return
	}

	sess, isNew, err := r.convo.Ensure(ctx, tenant.ID, msg.SenderID)
	if errors.Is(err, convo.ErrUnavailable) {
		slog.Warn("runtime: conversation held by another instance, message skipped",
			"tenant_id", tenant.ID, "sender_id", msg.SenderID)
		return
	}
	if err != nil {
		slog.Error("runtime: session acquire failed", "tenant_id", tenant.ID, "error", err)
		r.deliver(ctx, tenant, msg, apologyText, nil)
		return
	}

	key := agentcli.Key(tenant.ID, msg.SenderID)
	if isNew {
		// A fresh row while a child is still alive means the previous
		// conversation idled out; give the old child its reflection and
		// retire it before this conversation spawns its own.
		r.retireCLI(ctx, tenant, key)
		r.broadcast(protocol.EventSessionStarted, map[string]string{
			"tenant_id":  tenant.ID.String(),
			"session_id": sess.ID.String(),
		})
	}

	stored, err := r.record(ctx, tenant.ID, sess.ID, msg.SenderID,
		store.DirectionInbound, msg.Content, msg.ExternalID, store.DeliverySent)
	if err != nil {
		slog.Error("runtime: recording inbound failed", "session_id", sess.ID, "error", err)
		r.deliver(ctx, tenant, msg, apologyText, sess)
		return
	}
	if !stored {
		slog.Debug("runtime: inbound already recorded",
			"tenant_id", tenant.ID, "external_id", msg.ExternalID)
		return
	}
	if err := r.convo.Touch(ctx, sess.ID); err != nil {
		slog.Warn("runtime: session touch failed", "session_id", sess.ID, "error", err)
	}

	prompt := r.composePrompt(ctx, tenant, msg)
	out, err := r.cli.Prompt(ctx, key, r.spawnSpec(tenant), prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// /cancel or shutdown aborted the prompt; the cancel path owns
			// the user-facing reply.
			slog.Info("runtime: prompt aborted", "session_id", sess.ID)
			return
		}
		span.RecordError(err)
		slog.Error("runtime: agent prompt failed",
			"tenant_id", tenant.ID, "session_id", sess.ID, "error", err)
		r.deliver(ctx, tenant, msg, apologyText, sess)
		return
	}

	out = strings.TrimSpace(out)
	if out == "" {
		slog.Debug("runtime: agent returned an empty reply", "session_id", sess.ID)
		return
	}

	r.deliver(ctx, tenant, msg, out, sess)
	if err := r.fs.AppendTimeline(tenant.ID, time.Now(),
		fmt.Sprintf("user: %s | agent: %s", clip(msg.Content, 120), clip(out, 120))); err != nil {
		slog.Warn("runtime: timeline append failed", "tenant_id", tenant.ID, "error", err)
	}
}

// handleCommand services the conversation control commands. Matched on the
// first token; anything else starting with "/" goes to the agent untouched.
func (r *Runtime) handleCommand(ctx context.Context, tenant *store.Tenant, msg bus.InboundMessage) bool {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 {
		return false
	}
	key := agentcli.Key(tenant.ID, msg.SenderID)

	switch strings.ToLower(fields[0]) {
	case "/cancel":
		reply := cancelIdle
		if r.cli.Cancel(key) {
			reply = cancelDone
		}
		slog.Info("runtime: conversation canceled", "tenant_id", tenant.ID, "sender_id", msg.SenderID)
		r.deliver(ctx, tenant, msg, reply, nil)
		return true

	case "/reset", "/new":
		r.endConversation(ctx, tenant, msg.SenderID, key)
		r.deliver(ctx, tenant, msg, resetDone, nil)
		return true

	case "/reonboard":
		r.endConversation(ctx, tenant, msg.SenderID, key)
		if err := r.stores.Tenants.SetOnboardingPhase(ctx, tenant.ID, r.cfg.ReonboardPhase); err != nil {
			slog.Error("runtime: resetting onboarding phase failed", "tenant_id", tenant.ID, "error", err)
		}
		r.deliver(ctx, tenant, msg, reonboardDone, nil)
		return true
	}
	return false
}

// endConversation ends the active session row, if any, and retires the
// child after its reflection.
func (r *Runtime) endConversation(ctx context.Context, tenant *store.Tenant, senderID, key string) {
	r.retireCLI(ctx, tenant, key)

	sess, err := r.convo.Peek(ctx, tenant.ID, senderID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("runtime: active session lookup failed", "tenant_id", tenant.ID, "error", err)
		return
	}
	if err := r.convo.End(ctx, sess.ID); err != nil {
		slog.Error("runtime: ending session failed", "session_id", sess.ID, "error", err)
		return
	}
	r.broadcast(protocol.EventSessionEnded, map[string]string{
		"tenant_id":  tenant.ID.String(),
		"session_id": sess.ID.String(),
	})
}

// retireCLI gives a live child its reflection prompt and closes it. The
// hook is best-effort: failures are logged and never block the reset.
func (r *Runtime) retireCLI(ctx context.Context, tenant *store.Tenant, key string) {
	if !r.cli.Has(key) {
		return
	}
	if p := r.cfg.ReflectionPrompt; p != "" {
		rctx, cancel := context.WithTimeout(ctx, r.cfg.ReflectGrace)
		if _, err := r.cli.Prompt(rctx, key, r.spawnSpec(tenant), p); err != nil {
			slog.Warn("runtime: reflection prompt failed", "key", key, "error", err)
		}
		cancel()
	}
	r.cli.Close(key)
}

// deliver sends text back on the message's channel and, when a session is
// given, records the outbound row against it.
func (r *Runtime) deliver(ctx context.Context, tenant *store.Tenant, in bus.InboundMessage, text string, sess *store.ConvoSession) {
	externalID, err := r.send.Deliver(ctx, in.Channel, in.ChatID, text)
	status := store.DeliverySent
	if err != nil {
		slog.Error("runtime: outbound delivery failed",
			"tenant_id", tenant.ID, "channel", in.Channel, "error", err)
		status = store.DeliveryFailed
	}
	if sess == nil {
		return
	}
	if _, rerr := r.record(ctx, tenant.ID, sess.ID, in.SenderID,
		store.DirectionOutbound, text, externalID, status); rerr != nil {
		slog.Error("runtime: recording outbound failed", "session_id", sess.ID, "error", rerr)
	}
	if terr := r.convo.Touch(ctx, sess.ID); terr != nil {
		slog.Warn("runtime: session touch failed", "session_id", sess.ID, "error", terr)
	}
	if err == nil {
		r.broadcast(protocol.EventMessageOutbound, map[string]string{
			"tenant_id": tenant.ID.String(),
			"channel":   in.Channel,
		})
	}
}

// record appends one immutable message row. The bool mirrors
// MessageStore.Insert: false means the external id was already stored.
func (r *Runtime) record(ctx context.Context, tenantID, sessionID uuid.UUID, senderID, direction, content, externalID, status string) (bool, error) {
	m := &store.Message{
		ID:             store.GenNewID(),
		TenantID:       tenantID,
		SenderID:       senderID,
		SessionID:      sessionID,
		Direction:      direction,
		Content:        content,
		DeliveryStatus: status,
	}
	if externalID != "" {
		m.ExternalID = &externalID
	}
	return r.stores.Messages.Insert(ctx, m)
}

// composePrompt builds the context prefix and appends stored attachment
// paths so the child can read them relative to its working directory.
func (r *Runtime) composePrompt(ctx context.Context, tenant *store.Tenant, msg bus.InboundMessage) string {
	var b strings.Builder
	if tenant.OnboardingPhase != "" {
		fmt.Fprintf(&b, "[onboarding: %s]\n", tenant.OnboardingPhase)
	}
	if r.cfg.CampaignContext != nil {
		if snap := r.cfg.CampaignContext(ctx, tenant.ID); snap != "" {
			fmt.Fprintf(&b, "[campaign: %s]\n", snap)
		}
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(msg.Content)
	for _, p := range r.storeMedia(tenant, msg.Media) {
		fmt.Fprintf(&b, "\n[attachment: %s]", p)
	}
	return b.String()
}

func (r *Runtime) spawnSpec(tenant *store.Tenant) agentcli.SpawnSpec {
	env := append([]string{
		"CONCIERGE_TENANT_ID=" + tenant.ID.String(),
		"CONCIERGE_TENANT_NAME=" + tenant.Name,
	}, r.cfg.AgentEnv...)
	return agentcli.SpawnSpec{Dir: r.fs.Root(tenant.ID), Env: env}
}

func (r *Runtime) broadcast(name string, payload any) {
	if r.events == nil {
		return
	}
	r.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

// clip truncates s to at most n runes for log and timeline lines.
func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
