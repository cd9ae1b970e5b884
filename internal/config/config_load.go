package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxMessageChars: 32000,
			UnknownTenant:   "404",
			InboxPath:       "~/.concierge/webhook_inbox.db",
		},
		Sessions: SessionsConfig{
			IdleHours: 24,
			LeaseTTLS: 300,
		},
		Agent: AgentConfig{
			Command:   []string{"aide", "--stdio"},
			TimeoutMS: 1_800_000,
		},
		Tools: ToolsConfig{
			TimeoutMS:      30_000,
			MaxConcurrent:  10,
			MaxOutputBytes: 1 << 20,
		},
		Browser: BrowserConfig{
			MaxPerTenant: 5,
			IdleTTLMS:    1_800_000,
			PersistTTLMS: 86_400_000,
			Headless:     true,
		},
		Scheduler: SchedulerConfig{
			Batch:                   50,
			GraceSeconds:            30,
			OutputHistory:           5,
			LearningCron:            "0 */8 * * *",
			MinHoursBetweenLearning: 8,
		},
		Triggers: TriggersConfig{
			PollFloorMinutes: 5,
			DedupeKeep:       100,
		},
		Tenants: TenantsConfig{
			Root: "~/.concierge/tenants",
		},
		LogLevel: "info",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; env vars alone can configure a node.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("CONCIERGE_DATABASE_URL", &c.Database.URL)
	envStr("CONCIERGE_ENCRYPTION_KEY", &c.Security.EncryptionKey)

	// Channel auth materials
	envStr("CONCIERGE_WHATSAPP_PHONE_ID", &c.Channels.WhatsApp.PhoneID)
	envStr("CONCIERGE_WHATSAPP_ACCESS_TOKEN", &c.Channels.WhatsApp.AccessToken)
	envStr("CONCIERGE_WHATSAPP_VERIFY_TOKEN", &c.Channels.WhatsApp.VerifyToken)
	envStr("CONCIERGE_WHATSAPP_APP_SECRET", &c.Channels.WhatsApp.AppSecret)
	envStr("CONCIERGE_TELEGRAM_BOT_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("CONCIERGE_TELEGRAM_WEBHOOK_SECRET", &c.Channels.Telegram.WebhookSecret)
	envStr("CONCIERGE_DISCORD_BOT_TOKEN", &c.Channels.Discord.BotToken)

	// Auto-enable channels when credentials arrive via env
	if c.Channels.WhatsApp.AccessToken != "" && c.Channels.WhatsApp.PhoneID != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Channels.Telegram.BotToken != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.BotToken != "" {
		c.Channels.Discord.Enabled = true
	}

	// Gateway
	envStr("CONCIERGE_HOST", &c.Server.Host)
	envInt("CONCIERGE_PORT", &c.Server.Port)
	envInt("CONCIERGE_MAX_MESSAGE_CHARS", &c.Server.MaxMessageChars)
	envStr("CONCIERGE_UNKNOWN_TENANT", &c.Server.UnknownTenant)
	envStr("CONCIERGE_INBOX_PATH", &c.Server.InboxPath)

	// Timers and caps
	envInt("CONCIERGE_SESSION_IDLE_HOURS", &c.Sessions.IdleHours)
	envInt("CONCIERGE_LEASE_TTL_S", &c.Sessions.LeaseTTLS)
	envInt("CONCIERGE_CLI_TIMEOUT_MS", &c.Agent.TimeoutMS)
	envInt("CONCIERGE_TOOL_TIMEOUT_MS", &c.Tools.TimeoutMS)
	envInt("CONCIERGE_TOOL_MAX_CONCURRENT", &c.Tools.MaxConcurrent)
	envInt("CONCIERGE_BROWSER_MAX_PER_TENANT", &c.Browser.MaxPerTenant)
	envInt("CONCIERGE_BROWSER_IDLE_TTL_MS", &c.Browser.IdleTTLMS)
	envInt("CONCIERGE_BROWSER_PERSIST_TTL_MS", &c.Browser.PersistTTLMS)
	envInt("CONCIERGE_SCHEDULER_BATCH", &c.Scheduler.Batch)

	// Tenant roots
	envStr("CONCIERGE_TENANTS_DIR", &c.Tenants.Root)
	envStr("CONCIERGE_SHARED_TOOLS_DIR", &c.Tenants.SharedTools)

	// Telemetry
	envBool("CONCIERGE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("CONCIERGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CONCIERGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CONCIERGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CONCIERGE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Tailscale (tsnet)
	envStr("CONCIERGE_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("CONCIERGE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("CONCIERGE_TSNET_DIR", &c.Tailscale.StateDir)

	envStr("CONCIERGE_LOG_LEVEL", &c.LogLevel)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by doctor output and the ops event stream hello frame.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Database.URL)
	maskNonEmpty(&cp.Security.EncryptionKey)
	maskNonEmpty(&cp.Channels.WhatsApp.AccessToken)
	maskNonEmpty(&cp.Channels.WhatsApp.VerifyToken)
	maskNonEmpty(&cp.Channels.WhatsApp.AppSecret)
	maskNonEmpty(&cp.Channels.Telegram.BotToken)
	maskNonEmpty(&cp.Channels.Telegram.WebhookSecret)
	maskNonEmpty(&cp.Channels.Discord.BotToken)
	maskNonEmpty(&cp.Tailscale.AuthKey)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// TenantsRoot returns the expanded tenant filesystem root.
func (c *Config) TenantsRoot() string {
	return ExpandHome(c.Tenants.Root)
}
