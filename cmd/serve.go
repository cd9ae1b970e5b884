package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidewater-labs/concierge/internal/agentcli"
	"github.com/tidewater-labs/concierge/internal/browser"
	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/channels"
	"github.com/tidewater-labs/concierge/internal/channels/discord"
	"github.com/tidewater-labs/concierge/internal/channels/telegram"
	"github.com/tidewater-labs/concierge/internal/channels/whatsapp"
	"github.com/tidewater-labs/concierge/internal/config"
	"github.com/tidewater-labs/concierge/internal/convo"
	"github.com/tidewater-labs/concierge/internal/gateway"
	"github.com/tidewater-labs/concierge/internal/lease"
	"github.com/tidewater-labs/concierge/internal/runtime"
	"github.com/tidewater-labs/concierge/internal/scheduler"
	"github.com/tidewater-labs/concierge/internal/secrets"
	"github.com/tidewater-labs/concierge/internal/store/pg"
	"github.com/tidewater-labs/concierge/internal/telemetry"
	"github.com/tidewater-labs/concierge/internal/tenantfs"
	"github.com/tidewater-labs/concierge/internal/toolrun"
	"github.com/tidewater-labs/concierge/internal/trigger"
	"github.com/tidewater-labs/concierge/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the concierge node (gateway, channels, scheduler, triggers)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServe() {
	// Setup structured logging. The level is refined after config load;
	// --verbose always wins.
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	setLogger := func(l slog.Level) {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: l,
		})))
	}
	setLogger(level)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if !verbose {
		setLogger(logLevel(cfg.LogLevel))
	}
	slog.Debug("effective config", "config", cfg.MaskedCopy())

	teleShutdown, err := telemetry.Setup(context.Background(), cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer teleShutdown(context.Background())

	db, err := pg.OpenDB(cfg.Database.URL)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if status, err := pg.CheckSchema(db); err != nil {
		slog.Error("schema check failed", "error", err)
		os.Exit(1)
	} else if err := pg.GateSchema(status); err != nil {
		slog.Error("schema incompatible", "error", err)
		os.Exit(1)
	}
	stores := pg.NewStores(db)

	box, err := secrets.NewBox(cfg.Security.EncryptionKey)
	if err != nil {
		slog.Error("bad encryption key", "error", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus()
	dedupe := bus.NewDedupeCache(10*time.Minute, 4096)
	fsBoot := tenantfs.New(cfg.TenantsRoot(), config.ExpandHome(cfg.Tenants.SharedTools))

	bridge := runtime.NewCredBridge(stores.Credentials, box)
	tools := toolrun.NewRunner(toolrun.Config{
		TenantsRoot:   cfg.TenantsRoot(),
		Timeout:       cfg.Tools.Timeout(),
		MaxOutput:     cfg.Tools.MaxOutputBytes,
		MaxConcurrent: cfg.Tools.MaxConcurrent,
		Credentials:   bridge,
	})
	defer tools.Close()

	// The CLI store and the runtime reference each other: children call
	// tools through the runtime, the runtime prompts through the store.
	// The closure binds late; no tool call can arrive before a prompt.
	var rt *runtime.Runtime
	cli := agentcli.New(agentcli.Config{
		Command:       cfg.Agent.Command,
		PromptTimeout: cfg.Agent.Timeout(),
		Tools: func(ctx context.Context, key, name string, args json.RawMessage) string {
			return rt.ToolHandler()(ctx, key, name, args)
		},
	})

	convoMgr := convo.NewManager(stores.Sessions, cfg.Sessions.LeaseTTL(), cfg.Sessions.IdleWindow())

	chMgr := channels.NewManager(msgBus)
	if err := registerTransports(cfg, chMgr, msgBus); err != nil {
		slog.Error("channel setup failed", "error", err)
		os.Exit(1)
	}
	if p := outboundPacer(cfg); p != nil {
		chMgr.SetPacer(p)
	}

	browserMgr := browser.NewManager(stores.Browsers,
		browser.NewRodLauncher("", cfg.Browser.Headless),
		browser.Config{
			MaxPerTenant: cfg.Browser.MaxPerTenant,
			IdleTTL:      cfg.Browser.IdleTTL(),
			PersistTTL:   cfg.Browser.PersistTTL(),
			LeaseTTL:     cfg.Sessions.LeaseTTL(),
		})

	rt = runtime.New(runtime.Deps{
		Stores:  stores,
		Convo:   convoMgr,
		CLI:     cli,
		FS:      fsBoot,
		Send:    chMgr,
		Tools:   tools,
		Router:  msgBus,
		Events:  msgBus,
		Dedupe:  dedupe,
		Secrets: box,
	}, runtime.Config{
		MaxMessageChars:  cfg.Server.MaxMessageChars,
		ReflectionPrompt: cfg.Agent.ReflectionPrompt,
	})
	chMgr.SetRecorder(rt.RecordOutbound)

	sched := scheduler.New(stores.Tasks,
		pg.NewAdvisoryLock(db, pg.SchedulerLockID), rt,
		scheduler.Config{
			Batch:         cfg.Scheduler.Batch,
			LeaseTTL:      cfg.Sessions.LeaseTTL(),
			Grace:         cfg.Scheduler.Grace(),
			OutputHistory: cfg.Scheduler.OutputHistory,
		})

	evaluator := trigger.NewEvaluator(stores.Triggers, rt,
		trigger.Deps{Predicates: trigger.NewRegistry(), Mail: bridge},
		trigger.Config{
			PollFloor:  cfg.Triggers.PollFloor(),
			DedupeKeep: cfg.Triggers.DedupeKeep,
		})

	inbox, err := gateway.OpenInbox(config.ExpandHome(cfg.Server.InboxPath))
	if err != nil {
		slog.Error("webhook inbox unavailable", "error", err)
		os.Exit(1)
	}
	defer inbox.Close()

	server := gateway.NewServer(cfg, Version, msgBus, msgBus, inbox)
	server.SetTenantChecker(rt)
	server.SetTriggerHooks(evaluator, rt)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))

		// Intake first, then producers, then agent children. The context
		// cancel drains the gateway and the inbound workers last.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Scheduler.Grace())
		defer stopCancel()
		chMgr.StopAll(stopCtx)
		sched.Stop()
		evaluator.Stop()
		browserMgr.Shutdown(stopCtx)
		cli.CloseAll()
		cancel()
	}()

	rt.Start(ctx)
	if err := chMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	sched.Start(ctx)
	if err := evaluator.Start(ctx); err != nil {
		slog.Warn("trigger evaluator failed to start", "error", err)
	}
	browserMgr.Start()

	slog.Info("concierge node starting",
		"version", Version,
		"instance", lease.Owner(),
		"channels", cfg.EnabledChannels(),
		"tenants_root", cfg.TenantsRoot(),
	)

	// Tailscale listener: build the mux first, then pass it to initTailscale
	// so the same routes are served on both the main listener and the
	// tailnet. Compiled via build tags: `go build -tags tsnet` to enable.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}
	if cfg.Tailscale.Hostname != "" && cfg.Server.Host == "0.0.0.0" {
		slog.Info("tailscale enabled; consider server.host=127.0.0.1 so the node is reachable only over the tailnet")
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
	rt.Wait()
}

// registerTransports builds a transport for every enabled channel. A
// misconfigured enabled channel is fatal; a disabled one is skipped.
func registerTransports(cfg *config.Config, m *channels.Manager, router bus.MessageRouter) error {
	if cfg.Channels.WhatsApp.Enabled {
		t, err := whatsapp.New(whatsapp.Config{
			APIBase:     cfg.Channels.WhatsApp.APIBase,
			PhoneID:     cfg.Channels.WhatsApp.PhoneID,
			AccessToken: cfg.Channels.WhatsApp.AccessToken,
			VerifyToken: cfg.Channels.WhatsApp.VerifyToken,
			AppSecret:   cfg.Channels.WhatsApp.AppSecret,
		})
		if err != nil {
			return err
		}
		m.Register(t)
	}
	if cfg.Channels.Telegram.Enabled {
		t, err := telegram.New(telegram.Config{Token: cfg.Channels.Telegram.BotToken}, router)
		if err != nil {
			return err
		}
		m.Register(t)
	}
	if cfg.Channels.Discord.Enabled {
		t, err := discord.New(discord.Config{Token: cfg.Channels.Discord.BotToken}, router)
		if err != nil {
			return err
		}
		m.Register(t)
	}
	return nil
}

// outboundPacer picks the strictest configured per-channel send rate.
// Pacing keys are per recipient, so a tighter shared rate only spaces
// bursts further apart. Nil means keep the manager default.
func outboundPacer(cfg *config.Config) *channels.Pacer {
	var mps float64
	consider := func(enabled bool, v float64) {
		if enabled && v > 0 && (mps == 0 || v < mps) {
			mps = v
		}
	}
	consider(cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.RateLimitMPS)
	consider(cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.RateLimitMPS)
	consider(cfg.Channels.Discord.Enabled, cfg.Channels.Discord.RateLimitMPS)
	if mps == 0 {
		return nil
	}
	return channels.NewPacer(mps, 3)
}
